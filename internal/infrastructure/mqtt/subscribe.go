package mqtt

import (
	"fmt"
)

// Handle registers the handler for a logical topic, replacing any previous one.
func (s *Session) Handle(logical string, handler MessageHandler) error {
	if _, ok := s.bindings[logical]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, logical)
	}
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.handlers[logical] = handler
	return nil
}

// resubscribe applies every subscribed binding in full. Nothing is assumed
// to have survived a previous connection.
func (s *Session) resubscribe() error {
	for _, name := range s.order {
		b := s.bindings[name]
		if !b.Subscribe {
			continue
		}
		topics, err := Resolve(b, s.identity, "")
		if err != nil {
			return err
		}
		for _, topic := range topics {
			if err := s.transport.Subscribe(topic, b.QoS); err != nil {
				return fmt.Errorf("subscribing to %s: %w", topic, err)
			}
			s.logger.Debug("mqtt subscribed", "topic", topic, "qos", b.QoS)
		}
	}
	return nil
}
