package imaging

import "errors"

// Sentinel errors for image acquisition.
var (
	// ErrUnknownTarget is returned when a request names a camera that is
	// not one of the host's targets. Nothing is published.
	ErrUnknownTarget = errors.New("imaging: unknown target")

	// ErrUnsupportedFormat is returned by a camera for an image format it
	// cannot produce.
	ErrUnsupportedFormat = errors.New("imaging: unsupported image format")

	// ErrUnknownCamera is returned for an unsupported camera driver name.
	ErrUnknownCamera = errors.New("imaging: unknown camera driver")

	// ErrQueueFull is returned when the acquirer cannot accept another
	// command.
	ErrQueueFull = errors.New("imaging: command queue full")

	// ErrUnsafeCapture is returned when a capture names a client or file
	// that would be written outside the capture directory.
	ErrUnsafeCapture = errors.New("imaging: unsafe capture name")
)
