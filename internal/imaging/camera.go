package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/config"
	"github.com/prakashlab/picamera-mqtt/internal/process"
	"github.com/prakashlab/picamera-mqtt/internal/protocol"
)

// Supported image formats.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// Camera is the sensor driver used by the Acquirer.
type Camera interface {
	// Capture takes one image encoded in format. quality applies to lossy
	// formats and is ignored otherwise.
	Capture(ctx context.Context, format string, quality int) ([]byte, error)

	// SetParams applies the non-nil fields of p.
	SetParams(ctx context.Context, p protocol.CameraParams) error

	// Params reports the current parameters in their wire form.
	Params() map[string]any
}

// CommandRunner runs external commands. *process.Runner implements it.
type CommandRunner interface {
	Run(ctx context.Context, cmd process.Command) (process.Result, error)
}

// NewCamera builds the camera named by cfg.Driver. runner is only used by
// the "command" driver.
func NewCamera(cfg config.CameraConfig, runner CommandRunner) (Camera, error) {
	switch cfg.Driver {
	case "", "mock":
		return NewMockCamera(cfg.Width, cfg.Height), nil
	case "command":
		if runner == nil {
			runner = process.NewRunner()
		}
		return NewCommandCamera(cfg, runner), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCamera, cfg.Driver)
	}
}

// sensorState is the parameter set shared by both drivers.
type sensorState struct {
	width, height int
	zoom          *float64
	shutterSpeed  *float64
	iso           *int
	awbRed        *float64
	awbBlue       *float64
}

// apply merges p into s. The resolution changes only when both dimensions
// are given. Invalid values leave s untouched.
func (s *sensorState) apply(p protocol.CameraParams) error {
	if p.ROIZoom != nil && (*p.ROIZoom <= 0 || *p.ROIZoom > 1) {
		return fmt.Errorf("roi_zoom %v out of range (0, 1]", *p.ROIZoom)
	}
	bothDims := p.ResolutionWidth != nil && p.ResolutionHeight != nil
	if bothDims && (*p.ResolutionWidth <= 0 || *p.ResolutionHeight <= 0) {
		return fmt.Errorf("resolution %dx%d invalid", *p.ResolutionWidth, *p.ResolutionHeight)
	}

	if p.ROIZoom != nil {
		s.zoom = clonePtr(p.ROIZoom)
	}
	if p.ShutterSpeed != nil {
		s.shutterSpeed = clonePtr(p.ShutterSpeed)
	}
	if p.ISO != nil {
		s.iso = clonePtr(p.ISO)
	}
	if bothDims {
		s.width = *p.ResolutionWidth
		s.height = *p.ResolutionHeight
	}
	if p.AWBGainRed != nil {
		s.awbRed = clonePtr(p.AWBGainRed)
	}
	if p.AWBGainBlue != nil {
		s.awbBlue = clonePtr(p.AWBGainBlue)
	}
	return nil
}

func (s *sensorState) wire(sensorMode string) map[string]any {
	return map[string]any{
		"sensor_mode":   sensorMode,
		"zoom":          deref(s.zoom),
		"shutter_speed": deref(s.shutterSpeed),
		"iso":           deref(s.iso),
		"resolution": map[string]any{
			"width":  s.width,
			"height": s.height,
		},
		"awb_gains": map[string]any{
			"red":  deref(s.awbRed),
			"blue": deref(s.awbBlue),
		},
	}
}

func clonePtr[T any](p *T) *T {
	v := *p
	return &v
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// MockCamera produces white-noise images. It stands in for the sensor on
// development machines and in tests.
type MockCamera struct {
	mu    sync.Mutex
	state sensorState
	rng   *rand.Rand
}

// NewMockCamera creates a mock camera with the given resolution.
func NewMockCamera(width, height int) *MockCamera {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	return &MockCamera{
		state: sensorState{width: width, height: height},
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Capture renders a noise image.
func (c *MockCamera) Capture(ctx context.Context, format string, quality int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	img := image.NewGray(image.Rect(0, 0, c.state.width, c.state.height))
	for i := range img.Pix {
		img.Pix[i] = uint8(c.rng.UintN(256))
	}
	c.mu.Unlock()

	var buf bytes.Buffer
	switch format {
	case FormatJPEG, "jpg":
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encoding jpeg: %w", err)
		}
	case FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encoding png: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return buf.Bytes(), nil
}

// SetParams updates the reported parameters. Only the resolution affects
// generated images.
func (c *MockCamera) SetParams(_ context.Context, p protocol.CameraParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.apply(p)
}

// Params returns the current parameters.
func (c *MockCamera) Params() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.wire("mock white noise")
}

// CommandCamera captures by running a still-capture program that writes
// the encoded image to stdout, libcamera-still by default.
type CommandCamera struct {
	runner  CommandRunner
	command string
	args    []string

	mu    sync.Mutex
	state sensorState
}

// NewCommandCamera creates a camera that runs cfg.Command with cfg.Args.
func NewCommandCamera(cfg config.CameraConfig, runner CommandRunner) *CommandCamera {
	command := cfg.Command
	if command == "" {
		command = "libcamera-still"
	}
	return &CommandCamera{
		runner:  runner,
		command: command,
		args:    append([]string(nil), cfg.Args...),
		state:   sensorState{width: cfg.Width, height: cfg.Height},
	}
}

// Capture runs the capture program and returns its stdout.
func (c *CommandCamera) Capture(ctx context.Context, format string, quality int) ([]byte, error) {
	args, err := c.captureArgs(format, quality)
	if err != nil {
		return nil, err
	}

	res, err := c.runner.Run(ctx, process.Command{
		Name:   "capture",
		Binary: c.command,
		Args:   args,
	})
	if err != nil {
		return nil, fmt.Errorf("capturing image: %w", err)
	}
	if len(res.Stdout) == 0 {
		return nil, fmt.Errorf("capturing image: %s produced no output", c.command)
	}
	return res.Stdout, nil
}

func (c *CommandCamera) captureArgs(format string, quality int) ([]string, error) {
	var encoding string
	switch format {
	case FormatJPEG, "jpg":
		encoding = "jpg"
	case FormatPNG:
		encoding = "png"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	c.mu.Lock()
	s := c.state
	c.mu.Unlock()

	args := append([]string(nil), c.args...)
	args = append(args, "--nopreview", "--output", "-", "--encoding", encoding)
	if encoding == "jpg" && quality > 0 && quality <= 100 {
		args = append(args, "--quality", strconv.Itoa(quality))
	}
	if s.width > 0 && s.height > 0 {
		args = append(args, "--width", strconv.Itoa(s.width), "--height", strconv.Itoa(s.height))
	}
	if s.shutterSpeed != nil {
		// Milliseconds on the wire, microseconds for the program.
		args = append(args, "--shutter", strconv.Itoa(int(*s.shutterSpeed*1000)))
	}
	if s.iso != nil {
		args = append(args, "--gain", strconv.FormatFloat(float64(*s.iso)/100, 'f', -1, 64))
	}
	if s.awbRed != nil && s.awbBlue != nil {
		args = append(args, "--awbgains", formatFloat(*s.awbRed)+","+formatFloat(*s.awbBlue))
	}
	if s.zoom != nil && *s.zoom < 1 {
		offset := (1 - *s.zoom) / 2
		args = append(args, "--roi", fmt.Sprintf("%s,%s,%s,%s",
			formatFloat(offset), formatFloat(offset), formatFloat(*s.zoom), formatFloat(*s.zoom)))
	}
	return args, nil
}

// SetParams records p; it takes effect on the next capture.
func (c *CommandCamera) SetParams(_ context.Context, p protocol.CameraParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.apply(p)
}

// Params returns the current parameters.
func (c *CommandCamera) Params() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.wire(c.command)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
