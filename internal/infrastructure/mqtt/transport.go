package mqtt

import (
	"context"
	"fmt"
)

// DeliveryID identifies one publish so its confirmation can be matched.
type DeliveryID uint64

// EventKind identifies a transport event.
type EventKind int

const (
	// EventMessage is an inbound message on a subscribed topic.
	EventMessage EventKind = iota + 1

	// EventConnectionLost reports that the broker connection dropped.
	EventConnectionLost

	// EventPublishConfirmed reports that a publish completed its QoS flow.
	EventPublishConfirmed
)

// String returns a readable name for logs.
func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventConnectionLost:
		return "connection_lost"
	case EventPublishConfirmed:
		return "publish_confirmed"
	default:
		return "unknown"
	}
}

// Event is delivered on the transport's event channel.
type Event struct {
	Kind EventKind

	// Topic and Payload are set for EventMessage.
	Topic   string
	Payload []byte

	// DeliveryID is set for EventPublishConfirmed.
	DeliveryID DeliveryID

	// Err is set for EventConnectionLost.
	Err error

	// Conn is the connection the event came from. Zero means the current
	// connection.
	Conn int
}

// Transport is the publish/subscribe primitive a Session drives.
//
// Callbacks from the underlying client are turned into Events on a single
// channel so the session can handle them in order from one goroutine.
// Every event carries the number of the connection it came from, counting
// successful Connect calls from 1, so a late loss report from a replaced
// connection can be told apart from the current one.
//
// Implementations must be safe for concurrent use: Publish is called from
// handler code and from background operations.
type Transport interface {
	// Connect opens a new broker connection. reconnect is true for every
	// attempt after the first successful connection.
	Connect(ctx context.Context, reconnect bool) error

	// Disconnect closes the connection and returns once it is closed.
	Disconnect(ctx context.Context) error

	// Publish queues payload and returns an id echoed by the matching
	// EventPublishConfirmed.
	Publish(topic string, payload []byte, qos byte) (DeliveryID, error)

	// Subscribe subscribes on the current connection. Messages arrive as
	// EventMessage.
	Subscribe(topic string, qos byte) error

	// Events returns the event channel. It is never closed.
	Events() <-chan Event
}

// ValidatePublish applies the checks shared by every transport.
func ValidatePublish(topic string, payload []byte, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	return nil
}
