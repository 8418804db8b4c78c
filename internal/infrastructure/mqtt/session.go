package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prakashlab/picamera-mqtt/internal/protocol"
)

// defaultDisconnectTimeout bounds the final disconnect during shutdown.
const defaultDisconnectTimeout = 5 * time.Second

// State is the connection lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAwaitingKeepaliveAck
	StateReconnecting
)

// String returns the state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAwaitingKeepaliveAck:
		return "awaiting_keepalive_ack"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Metrics receives connection telemetry. Implementations must not block.
type Metrics interface {
	RecordConnectionState(client, state string)
	RecordKeepalive(client string, rtt time.Duration)
}

// Message is an inbound message handed to a MessageHandler.
type Message struct {
	// Topic is the wire topic.
	Topic string

	// Namespace is the client name prefix, empty for Global topics.
	Namespace string

	// Logical is the logical topic name.
	Logical string

	Payload []byte
}

// MessageHandler handles messages for one logical topic.
//
// Handlers run on the session goroutine, one at a time, in arrival order.
// A long-running reaction belongs in a supervised operation, not here.
// Returned errors are logged.
type MessageHandler func(msg Message) error

// Options configures a Session.
type Options struct {
	Transport Transport
	Identity  Identity

	// Bindings is the fixed set of logical topics. The ping and connect
	// bindings are added when missing.
	Bindings []Binding

	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration

	// RetryInterval is the wait between connection attempts. When
	// RetryMaxInterval is larger the wait doubles per failure up to it.
	RetryInterval    time.Duration
	RetryMaxInterval time.Duration

	// Recovery is run after DNS or network failures. Optional.
	Recovery RecoveryHook

	// Metrics is optional.
	Metrics Metrics

	// Logger is optional.
	Logger Logger
}

// Session owns one broker connection and drives its lifecycle:
// connect with retry, re-subscribe, keepalive, reconnect, and shutdown.
//
// All transport events are handled by the goroutine running Run, so
// message handlers and lifecycle listeners never run concurrently with
// each other.
//
// Thread Safety:
//   - Publish, PublishTo, State, IsConnected and HealthCheck are safe for
//     concurrent use.
//   - Handle and the On* registration methods must be called before Run.
type Session struct {
	transport Transport
	identity  Identity
	bindings  map[string]Binding
	order     []string

	keepaliveInterval time.Duration
	keepaliveTimeout  time.Duration
	retry             *backoff
	recovery          RecoveryHook
	metrics           Metrics
	logger            Logger

	handlers     map[string]MessageHandler
	onConnect    []func(reconnected bool)
	onDisconnect []func(err error)
	onShutdown   []func()

	state   atomic.Int32
	running atomic.Bool
	regMu   sync.Mutex

	// conn counts successful transport connects. Only Run touches it.
	conn int
}

// NewSession validates opts and builds a Session.
//
// Returns:
//   - error: If the transport or a binding is invalid, or timing is inconsistent
func NewSession(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, errors.New("mqtt: session requires a transport")
	}
	if opts.Identity.Name() == "" {
		return nil, fmt.Errorf("%w: session requires an identity", ErrInvalidTopic)
	}
	if opts.KeepaliveInterval <= 0 || opts.KeepaliveTimeout <= 0 || opts.KeepaliveTimeout >= opts.KeepaliveInterval {
		return nil, fmt.Errorf("mqtt: keepalive timeout %v must be positive and shorter than interval %v",
			opts.KeepaliveTimeout, opts.KeepaliveInterval)
	}
	if opts.RetryInterval <= 0 {
		return nil, fmt.Errorf("mqtt: retry interval must be positive, got %v", opts.RetryInterval)
	}

	s := &Session{
		transport:         opts.Transport,
		identity:          opts.Identity,
		bindings:          make(map[string]Binding),
		keepaliveInterval: opts.KeepaliveInterval,
		keepaliveTimeout:  opts.KeepaliveTimeout,
		retry:             newBackoff(opts.RetryInterval, opts.RetryMaxInterval),
		recovery:          opts.Recovery,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		handlers:          make(map[string]MessageHandler),
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}

	bindings := append([]Binding(nil), opts.Bindings...)
	bindings = append(bindings,
		Binding{Name: TopicPing, QoS: 1, Namespace: PerClientLocal},
		Binding{Name: TopicConnect, QoS: 1, Namespace: Global},
	)
	for _, b := range bindings {
		if _, exists := s.bindings[b.Name]; exists {
			// Explicit bindings win over the built-in ones appended above.
			continue
		}
		if !validTopicLevel(b.Name) {
			return nil, fmt.Errorf("%w: binding name %q", ErrInvalidTopic, b.Name)
		}
		if b.QoS > maxQoS {
			return nil, fmt.Errorf("binding %q: %w", b.Name, ErrInvalidQoS)
		}
		if b.Subscribe && b.Namespace == PerTarget {
			return nil, fmt.Errorf("%w: binding %q subscribes with target addressing", ErrNoTarget, b.Name)
		}
		s.bindings[b.Name] = b
		s.order = append(s.order, b.Name)
	}

	return s, nil
}

// Identity returns the session's client identity.
func (s *Session) Identity() Identity {
	return s.identity
}

// Binding returns the binding for a logical topic.
func (s *Session) Binding(logical string) (Binding, bool) {
	b, ok := s.bindings[logical]
	return b, ok
}

// OnConnect registers a listener called after every successful connection,
// once subscriptions are in place. reconnected is false the first time.
func (s *Session) OnConnect(fn func(reconnected bool)) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

// OnDisconnect registers a listener called when an established connection
// is lost, either reported by the transport or detected by keepalive.
func (s *Session) OnDisconnect(fn func(err error)) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

// OnShutdown registers a cleanup function run when Run's context is
// cancelled, before the transport is disconnected.
func (s *Session) OnShutdown(fn func()) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.onShutdown = append(s.onShutdown, fn)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsConnected reports whether the session holds a usable connection.
func (s *Session) IsConnected() bool {
	switch s.State() {
	case StateConnected, StateAwaitingKeepaliveAck:
		return true
	default:
		return false
	}
}

// HealthCheck verifies the session is connected.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Session) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !s.IsConnected() {
		return fmt.Errorf("%w: state %s", ErrNotConnected, s.State())
	}
	return nil
}

// Run drives the session until ctx is cancelled.
//
// Connection failures are retried indefinitely. When ctx is cancelled the
// shutdown listeners run, the transport is disconnected, and Run returns
// nil once the transport has confirmed, or the disconnect error.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSessionRunning
	}
	defer s.running.Store(false)

	reconnect := false
	for {
		if err := s.connect(ctx, reconnect); err != nil {
			return s.shutdown()
		}

		cause := s.serve(ctx)
		if ctx.Err() != nil {
			return s.shutdown()
		}

		s.setState(StateReconnecting)
		s.logger.Warn("mqtt connection lost, reconnecting",
			"client", s.identity.Name(),
			"error", cause,
		)
		s.notifyDisconnect(cause)
		reconnect = true
	}
}

// connect retries until a connection is established and subscriptions are
// applied. It only fails when ctx is done.
func (s *Session) connect(ctx context.Context, reconnect bool) error {
	s.setState(StateConnecting)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.transport.Connect(ctx, reconnect)
		if err == nil {
			s.conn++
			err = s.resubscribe()
			if err == nil {
				break
			}
			// Half-open connection: drop it and start over.
			_ = s.transport.Disconnect(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		kind := ClassifyConnectError(err)
		wait := s.retry.Next()
		s.logger.Warn("mqtt connection attempt failed",
			"client", s.identity.Name(),
			"attempt", attempt,
			"kind", kind.String(),
			"retry_in", wait,
			"error", err,
		)

		if kind.NeedsRecovery() && s.recovery != nil {
			if rerr := s.recovery(ctx, kind, err); rerr != nil {
				s.logger.Error("network recovery failed", "kind", kind.String(), "error", rerr)
			}
		}

		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}

	s.retry.Reset()
	s.setState(StateConnected)
	s.logger.Info("mqtt connected",
		"client", s.identity.Name(),
		"session_id", s.identity.SessionID(),
		"reconnected", reconnect,
	)

	if err := s.Publish(TopicConnect, []byte(s.identity.Name())); err != nil {
		s.logger.Warn("publishing connect beacon failed", "error", err)
	}
	s.notifyConnect(reconnect)

	return nil
}

// keepalive phases within one interval.
type keepalivePhase int

const (
	phaseIdle      keepalivePhase = iota // waiting to send the next ping
	phaseAwaiting                        // ping sent, confirmation pending
	phaseConfirmed                       // confirmed, rest of the timeout window
)

// serve handles events on an established connection. It returns the
// reason the connection ended, or ctx's error.
func (s *Session) serve(ctx context.Context) error {
	events := s.transport.Events()
	timer := time.NewTimer(s.keepaliveInterval - s.keepaliveTimeout)
	defer timer.Stop()

	phase := phaseIdle
	var pending DeliveryID
	var sentAt time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-events:
			switch ev.Kind {
			case EventMessage:
				s.dispatch(ev)

			case EventPublishConfirmed:
				if phase == phaseAwaiting && ev.DeliveryID == pending {
					phase = phaseConfirmed
					s.setState(StateConnected)
					if s.metrics != nil {
						s.metrics.RecordKeepalive(s.identity.Name(), time.Since(sentAt))
					}
				}

			case EventConnectionLost:
				if ev.Conn != 0 && ev.Conn != s.conn {
					s.logger.Debug("ignoring loss of a replaced connection",
						"client", s.identity.Name(),
						"conn", ev.Conn,
						"current", s.conn,
						"error", ev.Err,
					)
					continue
				}
				return fmt.Errorf("%w: %w", ErrConnectionLost, ev.Err)
			}

		case <-timer.C:
			switch phase {
			case phaseAwaiting:
				return fmt.Errorf("%w within %v", ErrKeepaliveTimeout, s.keepaliveTimeout)

			case phaseConfirmed:
				phase = phaseIdle
				timer.Reset(s.keepaliveInterval - s.keepaliveTimeout)

			case phaseIdle:
				id, err := s.sendPing()
				if err != nil {
					return fmt.Errorf("%w: %w", ErrKeepaliveTimeout, err)
				}
				pending = id
				sentAt = time.Now()
				phase = phaseAwaiting
				s.setState(StateAwaitingKeepaliveAck)
				timer.Reset(s.keepaliveTimeout)
			}
		}
	}
}

func (s *Session) sendPing() (DeliveryID, error) {
	b := s.bindings[TopicPing]
	topics, err := Resolve(b, s.identity, s.identity.Name())
	if err != nil {
		return 0, err
	}
	return s.transport.Publish(topics[0], []byte(s.identity.Name()), b.QoS)
}

// dispatch routes one inbound message to its handler.
func (s *Session) dispatch(ev Event) {
	namespace, logical := SplitTopic(ev.Topic)

	b, bound := s.bindings[logical]
	s.regMu.Lock()
	handler := s.handlers[logical]
	s.regMu.Unlock()

	if !bound || handler == nil {
		s.logger.Debug("mqtt message without handler", "topic", ev.Topic)
		return
	}
	if b.LogOnReceive {
		s.logger.Info("mqtt message received",
			"topic", ev.Topic,
			"payload", protocol.Preview(ev.Payload),
		)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("MQTT handler panic recovered",
				"topic", ev.Topic,
				"panic", r,
			)
		}
	}()

	msg := Message{
		Topic:     ev.Topic,
		Namespace: namespace,
		Logical:   logical,
		Payload:   ev.Payload,
	}
	if err := handler(msg); err != nil {
		s.logger.Warn("MQTT handler returned error",
			"topic", ev.Topic,
			"error", err,
		)
	}
}

// shutdown runs cleanup listeners and disconnects the transport.
func (s *Session) shutdown() error {
	s.regMu.Lock()
	hooks := append([]func(){}, s.onShutdown...)
	s.regMu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultDisconnectTimeout)
	defer cancel()

	err := s.transport.Disconnect(ctx)
	s.setState(StateDisconnected)
	s.logger.Info("mqtt session stopped", "client", s.identity.Name())

	if err != nil {
		return fmt.Errorf("disconnecting: %w", err)
	}
	return nil
}

func (s *Session) setState(state State) {
	if State(s.state.Swap(int32(state))) == state {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordConnectionState(s.identity.Name(), state.String())
	}
}

func (s *Session) notifyConnect(reconnected bool) {
	s.regMu.Lock()
	listeners := append([]func(bool){}, s.onConnect...)
	s.regMu.Unlock()
	for _, fn := range listeners {
		s.safely("connect listener", func() { fn(reconnected) })
	}
}

func (s *Session) notifyDisconnect(cause error) {
	s.regMu.Lock()
	listeners := append([]func(error){}, s.onDisconnect...)
	s.regMu.Unlock()
	for _, fn := range listeners {
		s.safely("disconnect listener", func() { fn(cause) })
	}
}

// safely runs fn, recovering and logging a panic.
func (s *Session) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("mqtt "+what+" panic recovered", "panic", r)
		}
	}()
	fn()
}
