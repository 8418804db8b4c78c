package illumination

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/config"
	"github.com/prakashlab/picamera-mqtt/internal/protocol"
)

func TestMemoryStrip_ShowPublishesPendingFrame(t *testing.T) {
	s := NewMemoryStrip(3)
	s.SetPixel(1, protocol.Blue)
	s.SetPixel(-1, protocol.Blue)
	s.SetPixel(3, protocol.Blue)

	if !s.IsDark() {
		t.Error("pixels visible before Show()")
	}
	if err := s.Show(); err != nil {
		t.Fatalf("Show() error = %v", err)
	}

	want := []protocol.RGB{protocol.Black, protocol.Blue, protocol.Black}
	got := s.Pixels()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pixel %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if s.Shows() != 1 {
		t.Errorf("Shows() = %d, want 1", s.Shows())
	}
}

func TestTerminalStrip_SkipsUnchangedFrames(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	s := NewTerminalStrip(&buf, 3)
	s.SetPixel(0, protocol.Blue)

	if err := s.Show(); err != nil {
		t.Fatalf("Show() error = %v", err)
	}
	if err := s.Show(); err != nil {
		t.Fatalf("Show() error = %v", err)
	}

	if got := strings.Count(buf.String(), "\r"); got != 1 {
		t.Errorf("rendered %d lines, want 1", got)
	}
	if !strings.Contains(buf.String(), "●○○") {
		t.Errorf("output = %q", buf.String())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestTerminalStrip_WriteError(t *testing.T) {
	s := NewTerminalStrip(failingWriter{}, 1)
	if err := s.Show(); err == nil {
		t.Error("Show() should report write errors")
	}
}

func TestNewStrip(t *testing.T) {
	tests := []struct {
		driver  string
		wantErr bool
	}{
		{"", false},
		{"memory", false},
		{"terminal", false},
		{"ws281x", true},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			s, err := NewStrip(config.IlluminationConfig{Driver: tt.driver, NumLEDs: 8})
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownDriver) {
					t.Errorf("NewStrip() error = %v, want ErrUnknownDriver", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewStrip() error = %v", err)
			}
			if s.Len() != 8 {
				t.Errorf("Len() = %d, want 8", s.Len())
			}
		})
	}
}
