package mqtt

import (
	"fmt"
)

// Publish sends payload on a logical topic addressed from this client.
//
// Global topics go out unchanged and PerClientLocal topics under this
// client's own name. PerTarget topics need PublishTo.
//
// QoS comes from the binding. Publish does not wait for delivery.
//
// Example:
//
//	err := session.Publish(protocol.TopicImaging, capture)
func (s *Session) Publish(logical string, payload []byte) error {
	b, ok := s.bindings[logical]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, logical)
	}

	target := ""
	if b.Namespace == PerClientLocal {
		target = s.identity.Name()
	}
	return s.publish(b, target, payload)
}

// PublishTo sends payload on a logical topic addressed to one target.
//
// The target does not have to be one of the identity's targets; callers
// that need that check (such as the image requester) do it themselves.
// Global topics ignore the target.
//
// Example:
//
//	err := session.PublishTo(protocol.TopicControl, "camera-1", cmd)
func (s *Session) PublishTo(logical, target string, payload []byte) error {
	b, ok := s.bindings[logical]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, logical)
	}
	if target == "" && b.Namespace != Global {
		return fmt.Errorf("%w: topic %q", ErrNoTarget, logical)
	}
	return s.publish(b, target, payload)
}

func (s *Session) publish(b Binding, target string, payload []byte) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}

	topics, err := Resolve(b, s.identity, target)
	if err != nil {
		return err
	}

	for _, topic := range topics {
		if _, err := s.transport.Publish(topic, payload, b.QoS); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
		}
	}
	return nil
}
