package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// PreviewLength bounds how much of a payload is ever written to the log.
const PreviewLength = 400

// Envelope is a decoded command before it is narrowed to a variant.
type Envelope struct {
	// Action is the value of the mode/action field.
	Action string

	// Params holds every other top-level field.
	Params map[string]any

	// Raw is the original payload.
	Raw []byte
}

// Logger is the logging surface used to report dropped payloads.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Decode parses a JSON command and extracts the variant name stored under key.
//
// Returns *DecodeError with Kind ErrMalformed when raw is not a JSON object,
// or ErrMissingAction when key is absent or not a string.
func Decode(raw []byte, key string) (Envelope, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, newDecodeError(ErrMalformed, raw, "", err)
	}
	if fields == nil {
		return Envelope{}, newDecodeError(ErrMalformed, raw, "", errors.New("payload is not a JSON object"))
	}

	action, ok := fields[key].(string)
	if !ok || action == "" {
		return Envelope{}, newDecodeError(ErrMissingAction, raw, "", nil)
	}
	delete(fields, key)

	return Envelope{
		Action: action,
		Params: fields,
		Raw:    raw,
	}, nil
}

// Encode serialises a command: params plus the variant name under key.
// The params map is not modified.
func Encode(key, action string, params map[string]any) ([]byte, error) {
	obj := make(map[string]any, len(params)+1)
	for k, v := range params {
		obj[k] = v
	}
	obj[key] = action

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encoding %s command: %w", action, err)
	}
	return data, nil
}

// encodeStruct serialises a typed command body and adds the variant name.
func encodeStruct(key, action string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s command: %w", action, err)
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("encoding %s command: %w", action, err)
	}
	return Encode(key, action, params)
}

// Preview returns payload truncated to PreviewLength bytes, with "..."
// appended when anything was cut. The cut never splits a UTF-8 sequence.
func Preview(payload []byte) string {
	if len(payload) <= PreviewLength {
		return string(payload)
	}
	cut := PreviewLength
	for cut > 0 && !utf8.RuneStart(payload[cut]) {
		cut--
	}
	return string(payload[:cut]) + "..."
}

// LogDropped reports a payload that will not be dispatched.
// Unknown actions are warnings; everything else is an error.
func LogDropped(logger Logger, topic string, err error) {
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		logger.Error("dropping message", "topic", topic, "error", err)
		return
	}

	if errors.Is(decodeErr.Kind, ErrUnknownAction) {
		logger.Warn("unknown command, dropping message",
			"topic", topic,
			"action", decodeErr.Action,
			"payload", decodeErr.Preview,
		)
		return
	}

	logger.Error("malformed command, dropping message",
		"topic", topic,
		"error", decodeErr.Kind,
		"payload", decodeErr.Preview,
	)
}
