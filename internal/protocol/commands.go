package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Illumination mode names.
const (
	ModeClear   = "clear"
	ModeBreathe = "breathe"
	ModeWipe    = "wipe"
	ModeTheater = "theater"
	ModeRainbow = "rainbow"
)

// Camera control action names.
const (
	ActionAcquireImage = "acquire_image"
	ActionSetParams    = "set_params"
)

// Command is one decoded command variant.
//
// The set of variants is closed: a type switch over Command with a default
// arm is exhaustive.
type Command interface {
	command()
}

// RGB is a colour on the wire.
type RGB struct {
	Red   uint8 `json:"red"`
	Green uint8 `json:"green"`
	Blue  uint8 `json:"blue"`
}

var (
	// Blue is the default colour for wipe and theater.
	Blue = RGB{Blue: 255}
	// Black turns a pixel off.
	Black = RGB{}
)

// Clear turns every LED off.
type Clear struct{}

// Breathe ramps brightness up and down in a loop.
type Breathe struct {
	Intensity uint8
	Wait      time.Duration
}

// WipeColor is one stage of a colour wipe.
type WipeColor struct {
	Color RGB
	Wait  time.Duration
	Hold  time.Duration
}

// Wipe fills the strip pixel by pixel with each colour in turn.
type Wipe struct {
	Colors []WipeColor
	Loop   bool
}

// Theater runs a theater-chase pattern.
type Theater struct {
	Color RGB
	Wait  time.Duration
}

// Rainbow cycles a rainbow evenly across the strip.
type Rainbow struct {
	Wait time.Duration
}

// FormatParams are encoder settings for one image format.
type FormatParams struct {
	Quality int `json:"quality,omitempty"`
}

// AcquireImage asks a camera to capture and publish one image.
type AcquireImage struct {
	Format          string
	CaptureParams   FormatParams
	TransportParams FormatParams
	Metadata        Metadata
}

// CameraParams is the camera parameter surface. Nil fields are left unchanged
// by set_params.
type CameraParams struct {
	ROIZoom          *float64 `json:"roi_zoom,omitempty"`
	ShutterSpeed     *float64 `json:"shutter_speed,omitempty"` // milliseconds
	ISO              *int     `json:"iso,omitempty"`
	ResolutionWidth  *int     `json:"resolution_width,omitempty"`
	ResolutionHeight *int     `json:"resolution_height,omitempty"`
	AWBGainRed       *float64 `json:"awb_gain_red,omitempty"`
	AWBGainBlue      *float64 `json:"awb_gain_blue,omitempty"`
}

// SetParams asks a camera to apply parameters and report its current ones.
type SetParams struct {
	Params CameraParams
}

func (Clear) command()        {}
func (Breathe) command()      {}
func (Wipe) command()         {}
func (Theater) command()      {}
func (Rainbow) command()      {}
func (AcquireImage) command() {}
func (SetParams) command()    {}

// Wire forms. Pointer fields distinguish "absent" from zero so defaults apply.

type wireWipeColor struct {
	RGB
	WaitMS *int `json:"wait_ms"`
	HoldMS *int `json:"hold_ms"`
}

type breatheParams struct {
	Intensity *uint8 `json:"intensity"`
	WaitMS    *int   `json:"wait_ms"`
}

type wipeParams struct {
	Colors []wireWipeColor `json:"colors"`
	Loop   *bool           `json:"loop"`
}

type theaterParams struct {
	Color  *RGB `json:"color"`
	WaitMS *int `json:"wait_ms"`
}

type rainbowParams struct {
	WaitMS *int `json:"wait_ms"`
}

type acquireParams struct {
	Format                string       `json:"format"`
	CaptureFormatParams   FormatParams `json:"capture_format_params"`
	TransportFormatParams FormatParams `json:"transport_format_params"`
	Metadata              Metadata     `json:"metadata"`
}

// DecodeIllumination decodes a {"mode": ...} command.
func DecodeIllumination(raw []byte) (Command, error) {
	env, err := Decode(raw, KeyMode)
	if err != nil {
		return nil, err
	}

	switch env.Action {
	case ModeClear:
		return Clear{}, nil

	case ModeBreathe:
		var p breatheParams
		if err := unmarshalParams(raw, env.Action, &p); err != nil {
			return nil, err
		}
		cmd := Breathe{Intensity: 255, Wait: 2 * time.Millisecond}
		if p.Intensity != nil {
			cmd.Intensity = *p.Intensity
		}
		if p.WaitMS != nil {
			cmd.Wait = millis(*p.WaitMS)
		}
		return cmd, nil

	case ModeWipe:
		var p wipeParams
		if err := unmarshalParams(raw, env.Action, &p); err != nil {
			return nil, err
		}
		cmd := Wipe{Loop: true}
		if p.Loop != nil {
			cmd.Loop = *p.Loop
		}
		for _, c := range p.Colors {
			wc := WipeColor{Color: c.RGB, Wait: 40 * time.Millisecond}
			if c.WaitMS != nil {
				wc.Wait = millis(*c.WaitMS)
			}
			if c.HoldMS != nil {
				wc.Hold = millis(*c.HoldMS)
			}
			cmd.Colors = append(cmd.Colors, wc)
		}
		if len(cmd.Colors) == 0 {
			cmd.Colors = []WipeColor{{Color: Blue, Wait: 40 * time.Millisecond}}
		}
		// A looping single-colour wipe would never visibly change, so it
		// alternates with black.
		if cmd.Loop && len(cmd.Colors) < 2 {
			cmd.Colors = append(cmd.Colors, WipeColor{Color: Black, Wait: cmd.Colors[0].Wait})
		}
		return cmd, nil

	case ModeTheater:
		var p theaterParams
		if err := unmarshalParams(raw, env.Action, &p); err != nil {
			return nil, err
		}
		cmd := Theater{Color: Blue, Wait: 200 * time.Millisecond}
		if p.Color != nil {
			cmd.Color = *p.Color
		}
		if p.WaitMS != nil {
			cmd.Wait = millis(*p.WaitMS)
		}
		return cmd, nil

	case ModeRainbow:
		var p rainbowParams
		if err := unmarshalParams(raw, env.Action, &p); err != nil {
			return nil, err
		}
		cmd := Rainbow{Wait: 2 * time.Millisecond}
		if p.WaitMS != nil {
			cmd.Wait = millis(*p.WaitMS)
		}
		return cmd, nil

	default:
		return nil, newDecodeError(ErrUnknownAction, raw, env.Action, nil)
	}
}

// DecodeControl decodes a camera {"action": ...} command.
func DecodeControl(raw []byte) (Command, error) {
	env, err := Decode(raw, KeyAction)
	if err != nil {
		return nil, err
	}

	switch env.Action {
	case ActionAcquireImage:
		var p acquireParams
		if err := unmarshalParams(raw, env.Action, &p); err != nil {
			return nil, err
		}
		if p.Format == "" {
			p.Format = "jpeg"
		}
		if p.Metadata == nil {
			p.Metadata = Metadata{}
		}
		return AcquireImage{
			Format:          p.Format,
			CaptureParams:   p.CaptureFormatParams,
			TransportParams: p.TransportFormatParams,
			Metadata:        p.Metadata,
		}, nil

	case ActionSetParams:
		var p CameraParams
		if err := unmarshalParams(raw, env.Action, &p); err != nil {
			return nil, err
		}
		return SetParams{Params: p}, nil

	default:
		return nil, newDecodeError(ErrUnknownAction, raw, env.Action, nil)
	}
}

// EncodeIllumination serialises an illumination command.
func EncodeIllumination(cmd Command) ([]byte, error) {
	switch c := cmd.(type) {
	case Clear:
		return Encode(KeyMode, ModeClear, nil)
	case Breathe:
		return Encode(KeyMode, ModeBreathe, map[string]any{
			"intensity": c.Intensity,
			"wait_ms":   c.Wait.Milliseconds(),
		})
	case Wipe:
		colors := make([]map[string]any, 0, len(c.Colors))
		for _, wc := range c.Colors {
			colors = append(colors, map[string]any{
				"red":     wc.Color.Red,
				"green":   wc.Color.Green,
				"blue":    wc.Color.Blue,
				"wait_ms": wc.Wait.Milliseconds(),
				"hold_ms": wc.Hold.Milliseconds(),
			})
		}
		return Encode(KeyMode, ModeWipe, map[string]any{
			"colors": colors,
			"loop":   c.Loop,
		})
	case Theater:
		return Encode(KeyMode, ModeTheater, map[string]any{
			"color":   c.Color,
			"wait_ms": c.Wait.Milliseconds(),
		})
	case Rainbow:
		return Encode(KeyMode, ModeRainbow, map[string]any{
			"wait_ms": c.Wait.Milliseconds(),
		})
	default:
		return nil, fmt.Errorf("%w: %T is not an illumination command", ErrUnknownAction, cmd)
	}
}

// EncodeAcquireImage serialises an acquire_image command.
func EncodeAcquireImage(c AcquireImage) ([]byte, error) {
	return encodeStruct(KeyAction, ActionAcquireImage, acquireParams{
		Format:                c.Format,
		CaptureFormatParams:   c.CaptureParams,
		TransportFormatParams: c.TransportParams,
		Metadata:              c.Metadata,
	})
}

// EncodeSetParams serialises a set_params command. Parameters sit next to
// the action field and unset ones are omitted.
func EncodeSetParams(c SetParams) ([]byte, error) {
	return encodeStruct(KeyAction, ActionSetParams, c.Params)
}

func unmarshalParams(raw []byte, action string, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return newDecodeError(ErrMalformed, raw, action, err)
	}
	return nil
}

func millis(ms int) time.Duration {
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
