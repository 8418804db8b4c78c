package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for protocol decoding.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrMalformed is returned when a payload is not valid JSON or a field
	// has the wrong type.
	ErrMalformed = errors.New("protocol: malformed payload")

	// ErrMissingAction is returned when the mode/action field is absent.
	ErrMissingAction = errors.New("protocol: missing mode/action")

	// ErrUnknownAction is returned when the mode/action is not one this
	// decoder knows how to dispatch.
	ErrUnknownAction = errors.New("protocol: unknown mode/action")

	// ErrInvalidCapture is returned when a capture is missing required metadata.
	ErrInvalidCapture = errors.New("protocol: invalid capture")
)

// DecodeError describes a dropped payload.
type DecodeError struct {
	// Kind is one of the sentinel errors above.
	Kind error

	// Action is the mode/action name, when one was present.
	Action string

	// Preview is the payload truncated to PreviewLength bytes.
	Preview string

	// Err is the underlying parse error, if any.
	Err error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%v: %v: %s", e.Kind, e.Err, e.Preview)
	case e.Action != "":
		return fmt.Sprintf("%v %q: %s", e.Kind, e.Action, e.Preview)
	default:
		return fmt.Sprintf("%v: %s", e.Kind, e.Preview)
	}
}

// Unwrap lets errors.Is match both the kind and the underlying error.
func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newDecodeError(kind error, raw []byte, action string, err error) *DecodeError {
	return &DecodeError{
		Kind:    kind,
		Action:  action,
		Preview: Preview(raw),
		Err:     err,
	}
}
