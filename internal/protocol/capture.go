package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Metadata keys used by the image acquisition protocol.
const (
	MetaClientName  = "client_name"
	MetaImageID     = "image_id"
	MetaCommandTime = "command_time"
	MetaCaptureTime = "capture_time"
	MetaReceiveTime = "receive_time"
)

// DatetimeLayout is the human-readable timestamp format on the wire.
const DatetimeLayout = "2006-01-02 15:04:05.000000"

// Timestamp carries a time both as Unix seconds and as a readable string.
type Timestamp struct {
	Time     float64 `json:"time"`
	Datetime string  `json:"datetime"`
}

// NewTimestamp builds a Timestamp for t in local time.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{
		Time:     float64(t.UnixNano()) / float64(time.Second),
		Datetime: t.Format(DatetimeLayout),
	}
}

// AsTime converts the Unix seconds field back to a time.Time.
func (ts Timestamp) AsTime() time.Time {
	sec, frac := math.Modf(ts.Time)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// Metadata is the free-form metadata envelope carried by requests and captures.
// Callers may add their own keys next to the protocol ones.
type Metadata map[string]any

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ClientName returns the target identity recorded in the metadata.
func (m Metadata) ClientName() (string, bool) {
	s, ok := m[MetaClientName].(string)
	return s, ok && s != ""
}

// ImageID returns the request sequence id.
func (m Metadata) ImageID() (uint64, bool) {
	switch v := m[MetaImageID].(type) {
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}

// Timestamp returns the timestamp stored under key.
func (m Metadata) Timestamp(key string) (Timestamp, bool) {
	switch v := m[key].(type) {
	case Timestamp:
		return v, true
	case map[string]any:
		var ts Timestamp
		t, okT := v["time"].(float64)
		d, okD := v["datetime"].(string)
		if !okT && !okD {
			return ts, false
		}
		ts.Time = t
		ts.Datetime = d
		return ts, true
	default:
		return Timestamp{}, false
	}
}

// Capture is an image published by a camera on the imaging topic.
type Capture struct {
	Metadata              Metadata       `json:"metadata"`
	Format                string         `json:"format"`
	CaptureFormatParams   FormatParams   `json:"capture_format_params"`
	TransportFormatParams FormatParams   `json:"transport_format_params"`
	CameraParams          map[string]any `json:"camera_params,omitempty"`

	// Image is the encoded image. encoding/json carries it as base64.
	Image []byte `json:"image"`
}

// DecodeCapture parses and validates a capture payload.
//
// The metadata must carry client_name and image_id; a missing capture_time
// is tolerated and reported by the zero Timestamp.
func DecodeCapture(raw []byte) (*Capture, error) {
	var c Capture
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, newDecodeError(ErrMalformed, raw, "", err)
	}

	if c.Metadata == nil {
		return nil, newDecodeError(ErrInvalidCapture, raw, "", errors.New("metadata missing"))
	}
	client, ok := c.Metadata.ClientName()
	if !ok {
		return nil, newDecodeError(ErrInvalidCapture, raw, "", fmt.Errorf("%s missing", MetaClientName))
	}
	if !SafeName(client) {
		return nil, newDecodeError(ErrInvalidCapture, raw, "", fmt.Errorf("%s %q is not a single name", MetaClientName, client))
	}
	if _, ok := c.Metadata.ImageID(); !ok {
		return nil, newDecodeError(ErrInvalidCapture, raw, "", fmt.Errorf("%s missing", MetaImageID))
	}
	if c.Format == "" {
		return nil, newDecodeError(ErrInvalidCapture, raw, "", errors.New("format missing"))
	}
	if !validFormat(c.Format) {
		return nil, newDecodeError(ErrInvalidCapture, raw, "", fmt.Errorf("format %q is not a file extension", c.Format))
	}
	if len(c.Image) == 0 {
		return nil, newDecodeError(ErrInvalidCapture, raw, "", errors.New("image missing"))
	}

	return &c, nil
}

// SafeName reports whether s can be used both as one topic level and as
// part of a file name: non-empty, no separators, wildcards or control
// characters, and no "..".
func SafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if r < ' ' || r == 0x7f || strings.ContainsRune(`/\+#`, r) {
			return false
		}
	}
	return true
}

// validFormat accepts short lowercase alphanumeric extensions such as "jpeg".
func validFormat(s string) bool {
	if len(s) > 16 {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return s != ""
}

// SafeDatetime replaces every character outside digits, letters, space and
// "-:.+" with '_', so a datetime string can be embedded in a file name.
func SafeDatetime(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			return r
		case strings.ContainsRune(" -:.+", r):
			return r
		default:
			return '_'
		}
	}, s)
}

// EncodeCapture serialises a capture for publishing.
func EncodeCapture(c *Capture) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding capture: %w", err)
	}
	return data, nil
}
