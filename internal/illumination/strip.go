package illumination

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/config"
	"github.com/prakashlab/picamera-mqtt/internal/protocol"
)

// ErrUnknownDriver is returned for an unsupported strip driver name.
var ErrUnknownDriver = errors.New("unknown illumination driver")

// Strip is an addressable LED strip.
//
// SetPixel only changes the pending frame; Show pushes it to the LEDs.
// Indices outside [0, Len()) are ignored.
type Strip interface {
	Len() int
	SetPixel(i int, c protocol.RGB)
	Show() error
}

// NewStrip builds the strip selected by cfg.Driver.
func NewStrip(cfg config.IlluminationConfig) (Strip, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStrip(cfg.NumLEDs), nil
	case "terminal":
		return NewTerminalStrip(color.Output, cfg.NumLEDs), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// MemoryStrip keeps frames in memory. It is used when no LED hardware is
// attached and by tests.
type MemoryStrip struct {
	mu      sync.Mutex
	pending []protocol.RGB
	shown   []protocol.RGB
	shows   int
}

// NewMemoryStrip creates a strip of n pixels, all off.
func NewMemoryStrip(n int) *MemoryStrip {
	return &MemoryStrip{
		pending: make([]protocol.RGB, n),
		shown:   make([]protocol.RGB, n),
	}
}

// Len returns the number of pixels.
func (s *MemoryStrip) Len() int {
	return len(s.pending)
}

// SetPixel sets pixel i of the pending frame.
func (s *MemoryStrip) SetPixel(i int, c protocol.RGB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= 0 && i < len(s.pending) {
		s.pending[i] = c
	}
}

// Show makes the pending frame visible.
func (s *MemoryStrip) Show() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.shown, s.pending)
	s.shows++
	return nil
}

// Pixels returns a copy of the visible frame.
func (s *MemoryStrip) Pixels() []protocol.RGB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.RGB(nil), s.shown...)
}

// Shows returns how many frames have been shown.
func (s *MemoryStrip) Shows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shows
}

// IsDark reports whether every visible pixel is off.
func (s *MemoryStrip) IsDark() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.shown {
		if p != protocol.Black {
			return false
		}
	}
	return true
}

// TerminalStrip renders frames as a row of coloured dots on a terminal.
// Unchanged frames are not redrawn.
type TerminalStrip struct {
	w io.Writer

	mu       sync.Mutex
	pending  []protocol.RGB
	last     []protocol.RGB
	rendered bool
}

// NewTerminalStrip creates a strip of n pixels that draws to w.
func NewTerminalStrip(w io.Writer, n int) *TerminalStrip {
	return &TerminalStrip{
		w:       w,
		pending: make([]protocol.RGB, n),
		last:    make([]protocol.RGB, n),
	}
}

// Len returns the number of pixels.
func (s *TerminalStrip) Len() int {
	return len(s.pending)
}

// SetPixel sets pixel i of the pending frame.
func (s *TerminalStrip) SetPixel(i int, c protocol.RGB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= 0 && i < len(s.pending) {
		s.pending[i] = c
	}
}

// Show redraws the line when the frame changed.
func (s *TerminalStrip) Show() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rendered && equalFrames(s.pending, s.last) {
		return nil
	}
	copy(s.last, s.pending)
	s.rendered = true

	var b strings.Builder
	b.WriteString("\r")
	for _, p := range s.pending {
		if p == protocol.Black {
			b.WriteString("○")
			continue
		}
		b.WriteString(color.RGB(int(p.Red), int(p.Green), int(p.Blue)).Sprint("●"))
	}
	b.WriteString(" ")

	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return fmt.Errorf("drawing strip: %w", err)
	}
	return nil
}

func equalFrames(a, b []protocol.RGB) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
