package mqtt

import "errors"

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when attempting operations on a disconnected client.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when a connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrConnectionLost is reported when the transport drops an established connection.
	ErrConnectionLost = errors.New("mqtt: connection lost")

	// ErrKeepaliveTimeout is reported when a keepalive ping is not confirmed in time.
	ErrKeepaliveTimeout = errors.New("mqtt: keepalive not confirmed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when a topic or topic level is empty or
	// contains separators or wildcards.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrNoTarget is returned when a PerTarget topic is used without a target.
	ErrNoTarget = errors.New("mqtt: topic requires an explicit target")

	// ErrUnknownTopic is returned when a logical topic has no binding.
	ErrUnknownTopic = errors.New("mqtt: no binding for logical topic")

	// ErrSessionRunning is returned when Run is called on a running session.
	ErrSessionRunning = errors.New("mqtt: session already running")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("mqtt: operation timed out")
)
