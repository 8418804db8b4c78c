package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/config"
)

// eventBuffer is the capacity of the transport event channel.
const eventBuffer = 1024

// PahoTransport adapts paho.mqtt.golang to the Transport interface.
//
// Every Connect creates a fresh paho client. Callbacks of that client are
// bound to its connection and tag their events with its number. Once the
// connection is replaced or closed they stop producing events.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Connect and Disconnect are expected to be called from one goroutine.
type PahoTransport struct {
	cfg      config.MQTTConfig
	clientID string

	events chan Event
	nextID atomic.Uint64

	mu    sync.RWMutex
	conn  *pahoConn
	conns int
}

// pahoConn is one broker connection.
type pahoConn struct {
	id     int
	client pahomqtt.Client
	done   chan struct{}
	once   sync.Once
}

func (c *pahoConn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *pahoConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// NewPahoTransport creates an unconnected transport.
//
// Parameters:
//   - cfg: MQTT configuration from the config file
//   - clientID: MQTT client identifier (see DefaultClientID)
//
// Returns:
//   - error: If TLS material cannot be loaded
func NewPahoTransport(cfg config.MQTTConfig, clientID string) (*PahoTransport, error) {
	// Validate options once up front so configuration errors are not
	// retried as connection failures.
	if _, err := buildClientOptions(cfg, clientID); err != nil {
		return nil, err
	}

	return &PahoTransport{
		cfg:      cfg,
		clientID: clientID,
		events:   make(chan Event, eventBuffer),
	}, nil
}

// DefaultClientID derives a broker-unique client id from the identity.
func DefaultClientID(id Identity) string {
	sid := id.SessionID()
	if len(sid) > 8 {
		sid = sid[:8]
	}
	return id.Name() + "-" + sid
}

// Connect opens a new connection, closing any previous one first.
func (t *PahoTransport) Connect(ctx context.Context, _ bool) error {
	t.mu.Lock()
	old := t.conn
	t.conn = nil
	t.mu.Unlock()
	if old != nil {
		old.close()
		if old.client.IsConnectionOpen() {
			old.client.Disconnect(defaultDisconnectQuiesce)
		}
	}

	opts, err := buildClientOptions(t.cfg, t.clientID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	t.mu.RLock()
	conn := &pahoConn{id: t.conns + 1, done: make(chan struct{})}
	t.mu.RUnlock()
	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		t.emit(conn, Event{
			Kind:    EventMessage,
			Topic:   msg.Topic(),
			Payload: msg.Payload(),
		})
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		t.emit(conn, Event{Kind: EventConnectionLost, Err: err})
	})

	conn.client = pahomqtt.NewClient(opts)
	token := conn.client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		conn.close()
		go func() {
			<-token.Done()
			conn.client.Disconnect(0)
		}()
		return fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		conn.close()
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.conns = conn.id
	t.mu.Unlock()

	return nil
}

// Disconnect closes the current connection, waiting for paho to finish.
// Disconnecting an unconnected transport is not an error.
func (t *PahoTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.close()

	done := make(chan struct{})
	go func() {
		conn.client.Disconnect(defaultDisconnectQuiesce)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: disconnect: %w", ErrTimeout, ctx.Err())
	}
}

// Publish queues a non-retained message. The confirmation event follows
// once paho completes the QoS flow.
func (t *PahoTransport) Publish(topic string, payload []byte, qos byte) (DeliveryID, error) {
	if err := ValidatePublish(topic, payload, qos); err != nil {
		return 0, err
	}

	conn := t.current()
	if conn == nil || !conn.client.IsConnectionOpen() {
		return 0, ErrNotConnected
	}

	id := DeliveryID(t.nextID.Add(1))
	token := conn.client.Publish(topic, qos, false, payload)

	go func() {
		select {
		case <-token.Done():
		case <-conn.done:
			return
		}
		if token.Error() != nil {
			return
		}
		t.emit(conn, Event{Kind: EventPublishConfirmed, DeliveryID: id})
	}()

	return id, nil
}

// Subscribe subscribes on the current connection and waits for the SUBACK.
func (t *PahoTransport) Subscribe(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}

	conn := t.current()
	if conn == nil || !conn.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	// A nil callback routes messages to the default publish handler.
	token := conn.client.Subscribe(topic, qos, nil)
	if !token.WaitTimeout(defaultSubscribeTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultSubscribeTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	return nil
}

// Events returns the event channel.
func (t *PahoTransport) Events() <-chan Event {
	return t.events
}

// IsConnected reports whether the current connection is open.
func (t *PahoTransport) IsConnected() bool {
	conn := t.current()
	return conn != nil && conn.client.IsConnectionOpen()
}

func (t *PahoTransport) current() *pahoConn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// emit delivers ev, tagged with its connection, unless that connection has
// been replaced. It blocks while the channel is full, which holds paho's
// router back instead of dropping messages.
func (t *PahoTransport) emit(conn *pahoConn, ev Event) {
	if conn.closed() {
		return
	}
	ev.Conn = conn.id
	select {
	case t.events <- ev:
	case <-conn.done:
	}
}
