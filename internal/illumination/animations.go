package illumination

import (
	"context"
	"fmt"
	"time"

	"github.com/prakashlab/picamera-mqtt/internal/protocol"
	"github.com/prakashlab/picamera-mqtt/internal/supervisor"
)

// Operation builds the supervised operation for an illumination command.
//
// Clear and non-looping wipes finish on their own. Every other mode repeats
// until cancelled.
func Operation(strip Strip, cmd protocol.Command) (*supervisor.Operation, error) {
	switch c := cmd.(type) {
	case protocol.Clear:
		return &supervisor.Operation{Name: protocol.ModeClear, Run: func(context.Context) error {
			return Fill(strip, protocol.Black)
		}}, nil

	case protocol.Breathe:
		return &supervisor.Operation{Name: protocol.ModeBreathe, Run: func(ctx context.Context) error {
			return repeat(ctx, func() error { return breathe(ctx, strip, c.Intensity, c.Wait) })
		}}, nil

	case protocol.Wipe:
		return &supervisor.Operation{Name: protocol.ModeWipe, Run: func(ctx context.Context) error {
			for {
				for _, wc := range c.Colors {
					if err := colorWipe(ctx, strip, wc.Color, wc.Wait); err != nil {
						return err
					}
					if err := pause(ctx, wc.Hold); err != nil {
						return err
					}
				}
				if !c.Loop {
					return nil
				}
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}}, nil

	case protocol.Theater:
		return &supervisor.Operation{Name: protocol.ModeTheater, Run: func(ctx context.Context) error {
			return repeat(ctx, func() error { return theaterChase(ctx, strip, c.Color, c.Wait) })
		}}, nil

	case protocol.Rainbow:
		return &supervisor.Operation{Name: protocol.ModeRainbow, Run: func(ctx context.Context) error {
			return repeat(ctx, func() error { return rainbowCycle(ctx, strip, c.Wait) })
		}}, nil

	default:
		return nil, fmt.Errorf("%w: %T", protocol.ErrUnknownAction, cmd)
	}
}

// Fill sets every pixel to c and shows the frame.
func Fill(strip Strip, c protocol.RGB) error {
	for i := 0; i < strip.Len(); i++ {
		strip.SetPixel(i, c)
	}
	return strip.Show()
}

// Wheel maps 0-255 onto a red, green, blue colour wheel.
func Wheel(pos uint8) protocol.RGB {
	p := int(pos)
	switch {
	case p < 85:
		return protocol.RGB{Red: uint8(p * 3), Green: uint8(255 - p*3)}
	case p < 170:
		p -= 85
		return protocol.RGB{Red: uint8(255 - p*3), Blue: uint8(p * 3)}
	default:
		p -= 170
		return protocol.RGB{Green: uint8(p * 3), Blue: uint8(255 - p*3)}
	}
}

func repeat(ctx context.Context, cycle func() error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := cycle(); err != nil {
			return err
		}
	}
}

// breathe fades white up to intensity and back down once.
func breathe(ctx context.Context, strip Strip, intensity uint8, wait time.Duration) error {
	if intensity == 0 {
		if err := Fill(strip, protocol.Black); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}

	n := int(intensity)
	for j := 0; j < 2*n; j++ {
		level := j
		if j >= n {
			level = 2*n - j
		}
		v := uint8(level)
		if err := Fill(strip, protocol.RGB{Red: v, Green: v, Blue: v}); err != nil {
			return err
		}
		if err := pause(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

// colorWipe lights the strip one pixel at a time.
func colorWipe(ctx context.Context, strip Strip, c protocol.RGB, wait time.Duration) error {
	for i := 0; i < strip.Len(); i++ {
		strip.SetPixel(i, c)
		if err := strip.Show(); err != nil {
			return err
		}
		if err := pause(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

// theaterChase runs one three-phase pass of every third pixel lit.
func theaterChase(ctx context.Context, strip Strip, c protocol.RGB, wait time.Duration) error {
	for q := 0; q < 3; q++ {
		for i := 0; i < strip.Len(); i += 3 {
			strip.SetPixel(i+q, c)
		}
		if err := strip.Show(); err != nil {
			return err
		}
		if err := pause(ctx, wait); err != nil {
			return err
		}
		for i := 0; i < strip.Len(); i += 3 {
			strip.SetPixel(i+q, protocol.Black)
		}
	}
	return nil
}

// rainbowCycle spreads the colour wheel across the strip and rotates it
// through all 256 positions.
func rainbowCycle(ctx context.Context, strip Strip, wait time.Duration) error {
	n := strip.Len()
	if n == 0 {
		return pause(ctx, wait)
	}
	for j := 0; j < 256; j++ {
		for i := 0; i < n; i++ {
			strip.SetPixel(i, Wheel(uint8((i*256/n+j)&255)))
		}
		if err := strip.Show(); err != nil {
			return err
		}
		if err := pause(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

// minFrameWait is the shortest pause. A zero wait still yields the CPU.
const minFrameWait = time.Millisecond

// pause waits for d, at least minFrameWait, or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	if d < minFrameWait {
		d = minFrameWait
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
