package mqtt_test

import (
	"context"
	"errors"
	"net"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/mqtt"
	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/mqtt/mqtttest"
)

const waitTimeout = 2 * time.Second

type recordingMetrics struct {
	mu        sync.Mutex
	states    []string
	keepalive int
}

func (m *recordingMetrics) RecordConnectionState(_, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func (m *recordingMetrics) RecordKeepalive(string, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keepalive++
}

func (m *recordingMetrics) snapshot() ([]string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.states...), m.keepalive
}

func hostBindings() []mqtt.Binding {
	return []mqtt.Binding{
		{Name: "control", QoS: 1, Namespace: mqtt.PerTarget},
		{Name: "imaging", QoS: 1, Namespace: mqtt.PerClientLocal, Subscribe: true},
		{Name: "params", QoS: 1, Namespace: mqtt.PerClientLocal, Subscribe: true, LogOnReceive: true},
		{Name: "deployment", QoS: 2, Namespace: mqtt.PerClientLocal},
	}
}

type harness struct {
	t         *testing.T
	transport *mqtttest.Transport
	session   *mqtt.Session
	metrics   *recordingMetrics
	cancel    context.CancelFunc
	done      chan error
}

func newHarness(t *testing.T, mutate func(*mqtt.Options)) *harness {
	t.Helper()

	id, err := mqtt.NewIdentity("host", []string{"cam1", "cam2"})
	if err != nil {
		t.Fatalf("NewIdentity() error = %v", err)
	}

	h := &harness{
		t:         t,
		transport: mqtttest.New(),
		metrics:   &recordingMetrics{},
		done:      make(chan error, 1),
	}
	opts := mqtt.Options{
		Transport:         h.transport,
		Identity:          id,
		Bindings:          hostBindings(),
		KeepaliveInterval: time.Hour,
		KeepaliveTimeout:  time.Minute,
		RetryInterval:     5 * time.Millisecond,
		Metrics:           h.metrics,
	}
	if mutate != nil {
		mutate(&opts)
	}

	h.session, err = mqtt.NewSession(opts)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.session.Run(ctx) }()
	h.t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitTimeout):
		}
	})
}

func (h *harness) stop() error {
	h.t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitTimeout):
		h.t.Fatal("Run() did not return after cancellation")
		return nil
	}
}

func (h *harness) waitConnections(n int) {
	h.t.Helper()
	// The connect beacon is the last step before listeners run.
	mqtttest.WaitFor(h.t, waitTimeout, "connection", func() bool {
		return len(h.transport.PublishedTo("connect")) >= n && h.session.IsConnected()
	})
}

func TestNewSession_Validation(t *testing.T) {
	id, _ := mqtt.NewIdentity("host", nil)
	base := mqtt.Options{
		Transport:         mqtttest.New(),
		Identity:          id,
		KeepaliveInterval: 2 * time.Second,
		KeepaliveTimeout:  time.Second,
		RetryInterval:     time.Second,
	}

	tests := []struct {
		name   string
		modify func(*mqtt.Options)
	}{
		{name: "no transport", modify: func(o *mqtt.Options) { o.Transport = nil }},
		{name: "no identity", modify: func(o *mqtt.Options) { o.Identity = mqtt.Identity{} }},
		{name: "timeout not below interval", modify: func(o *mqtt.Options) { o.KeepaliveTimeout = 2 * time.Second }},
		{name: "zero retry", modify: func(o *mqtt.Options) { o.RetryInterval = 0 }},
		{name: "bad qos", modify: func(o *mqtt.Options) { o.Bindings = []mqtt.Binding{{Name: "x", QoS: 3}} }},
		{name: "bad name", modify: func(o *mqtt.Options) { o.Bindings = []mqtt.Binding{{Name: "a/b"}} }},
		{
			name: "subscribe with target addressing",
			modify: func(o *mqtt.Options) {
				o.Bindings = []mqtt.Binding{{Name: "control", Namespace: mqtt.PerTarget, Subscribe: true}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.modify(&opts)
			if _, err := mqtt.NewSession(opts); err == nil {
				t.Error("NewSession() expected error")
			}
		})
	}
}

func TestSession_ConnectSubscribesAndAnnounces(t *testing.T) {
	h := newHarness(t, nil)

	var connects []bool
	var mu sync.Mutex
	h.session.OnConnect(func(reconnected bool) {
		mu.Lock()
		connects = append(connects, reconnected)
		mu.Unlock()
	})

	h.start()
	h.waitConnections(1)

	want := []string{"cam1/imaging", "cam2/imaging", "cam1/params", "cam2/params"}
	if got := h.transport.SubscriptionsOn(1); !reflect.DeepEqual(got, want) {
		t.Errorf("subscriptions = %v, want %v", got, want)
	}

	beacons := h.transport.PublishedTo("connect")
	if len(beacons) != 1 || string(beacons[0].Payload) != "host" {
		t.Errorf("connect beacons = %+v, want one with payload host", beacons)
	}

	mqtttest.WaitFor(t, waitTimeout, "connect listener", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(connects) == 1
	})
	mu.Lock()
	if connects[0] {
		t.Error("first OnConnect reported reconnected = true")
	}
	mu.Unlock()

	if err := h.session.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestSession_KeepaliveTimeoutReconnects(t *testing.T) {
	h := newHarness(t, func(o *mqtt.Options) {
		o.KeepaliveInterval = 40 * time.Millisecond
		o.KeepaliveTimeout = 20 * time.Millisecond
	})
	h.transport.Silence("host/ping", true)

	var mu sync.Mutex
	var lost error
	h.session.OnDisconnect(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if lost == nil {
			lost = err
		}
	})

	h.start()
	h.waitConnections(2)

	mu.Lock()
	err := lost
	mu.Unlock()
	if !errors.Is(err, mqtt.ErrKeepaliveTimeout) {
		t.Errorf("OnDisconnect error = %v, want ErrKeepaliveTimeout", err)
	}

	// Subscriptions are re-applied in full on the new connection.
	first := h.transport.SubscriptionsOn(1)
	second := h.transport.SubscriptionsOn(2)
	if !reflect.DeepEqual(first, second) || len(second) != 4 {
		t.Errorf("resubscribe = %v, want %v", second, first)
	}

	flags := h.transport.ReconnectFlags()
	if len(flags) < 2 || flags[0] || !flags[1] {
		t.Errorf("reconnect flags = %v, want [false true ...]", flags)
	}
	if len(h.transport.PublishedTo("host/ping")) == 0 {
		t.Error("no keepalive ping published")
	}
}

func TestSession_KeepaliveConfirmedStaysConnected(t *testing.T) {
	h := newHarness(t, func(o *mqtt.Options) {
		o.KeepaliveInterval = 20 * time.Millisecond
		o.KeepaliveTimeout = 10 * time.Millisecond
	})
	h.start()
	h.waitConnections(1)

	mqtttest.WaitFor(t, waitTimeout, "several pings", func() bool {
		return len(h.transport.PublishedTo("host/ping")) >= 3
	})

	if n := h.transport.Connections(); n != 1 {
		t.Errorf("Connections() = %d, want 1 while pings are confirmed", n)
	}
	pings := h.transport.PublishedTo("host/ping")
	if pings[0].QoS != 1 || string(pings[0].Payload) != "host" {
		t.Errorf("ping = %+v, want qos 1 payload host", pings[0])
	}
	if _, rtts := h.metrics.snapshot(); rtts == 0 {
		t.Error("keepalive round trips not recorded")
	}
}

func TestSession_TransportLossReconnects(t *testing.T) {
	h := newHarness(t, nil)

	var lost atomic.Int32
	h.session.OnDisconnect(func(error) { lost.Add(1) })

	h.start()
	h.waitConnections(1)

	h.transport.DropConnection(errors.New("EOF"))
	h.waitConnections(2)

	if lost.Load() != 1 {
		t.Errorf("OnDisconnect calls = %d, want 1", lost.Load())
	}
	if len(h.transport.PublishedTo("connect")) != 2 {
		t.Error("connect beacon not re-sent after reconnect")
	}

	states, _ := h.metrics.snapshot()
	if !containsInOrder(states, "connecting", "connected", "reconnecting", "connecting", "connected") {
		t.Errorf("state sequence = %v", states)
	}
}

func TestSession_IgnoresLossOfReplacedConnection(t *testing.T) {
	h := newHarness(t, nil)

	var lost atomic.Int32
	h.session.OnDisconnect(func(error) { lost.Add(1) })
	received := make(chan struct{}, 1)
	if err := h.session.Handle("imaging", func(mqtt.Message) error {
		received <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	h.start()
	h.waitConnections(1)
	h.transport.DropConnection(errors.New("keepalive timeout"))
	h.waitConnections(2)

	// The first client reports its loss after the second has connected.
	h.transport.ReportLost(1, errors.New("EOF"))
	h.transport.Deliver("cam1/imaging", []byte("capture"))
	select {
	case <-received:
	case <-time.After(waitTimeout):
		t.Fatal("message after the late loss report not dispatched")
	}

	if got := h.transport.Connections(); got != 2 {
		t.Errorf("Connections() = %d, want 2", got)
	}
	if lost.Load() != 1 {
		t.Errorf("OnDisconnect calls = %d, want 1", lost.Load())
	}
	if !h.session.IsConnected() {
		t.Errorf("State() = %v, want connected", h.session.State())
	}

	// A loss of the current connection still reconnects.
	h.transport.ReportLost(2, errors.New("EOF"))
	h.waitConnections(3)
}

func TestSession_RetriesWithRecovery(t *testing.T) {
	var recoveries atomic.Int32
	h := newHarness(t, func(o *mqtt.Options) {
		o.Recovery = func(_ context.Context, kind mqtt.ConnectErrorKind, _ error) error {
			if kind != mqtt.ConnectErrorDNS {
				t.Errorf("recovery called for %v", kind)
			}
			recoveries.Add(1)
			return nil
		}
	})

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{
		Syscall: "connect", Err: syscall.ECONNREFUSED,
	}}
	h.transport.FailConnects(
		&net.DNSError{Err: "no such host", Name: "broker"},
		refused,
		errors.New("bad credentials"),
	)

	h.start()
	h.waitConnections(1)

	if calls := h.transport.ConnectCalls(); calls != 4 {
		t.Errorf("ConnectCalls() = %d, want 4", calls)
	}
	if recoveries.Load() != 1 {
		t.Errorf("recovery calls = %d, want 1 (DNS only)", recoveries.Load())
	}
	for i, flag := range h.transport.ReconnectFlags() {
		if flag {
			t.Errorf("attempt %d used reconnect before first connection", i)
		}
	}
}

func TestSession_SubscribeFailureRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.FailSubscribes(errors.New("suback refused"))

	h.start()
	// The half-open first connection never announces itself.
	mqtttest.WaitFor(t, waitTimeout, "second connection", func() bool {
		return h.transport.Connections() >= 2 && len(h.transport.PublishedTo("connect")) >= 1
	})

	if got := h.transport.SubscriptionsOn(2); len(got) != 4 {
		t.Errorf("subscriptions on retry = %v, want 4", got)
	}
}

func TestSession_CancelDuringRetry(t *testing.T) {
	h := newHarness(t, func(o *mqtt.Options) { o.RetryInterval = time.Hour })
	h.transport.FailConnects(errors.New("down"))

	h.start()
	mqtttest.WaitFor(t, waitTimeout, "first attempt", func() bool {
		return h.transport.ConnectCalls() == 1
	})

	if err := h.stop(); err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if h.session.State() != mqtt.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", h.session.State())
	}
}

func TestSession_ShutdownOrder(t *testing.T) {
	h := newHarness(t, nil)

	var order []string
	var mu sync.Mutex
	h.session.OnShutdown(func() {
		mu.Lock()
		defer mu.Unlock()
		// Still connected: cleanup may publish a final state.
		if h.transport.Connected() {
			order = append(order, "cleanup-connected")
		}
	})

	h.start()
	h.waitConnections(1)

	if err := h.stop(); err != nil {
		t.Errorf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(order, []string{"cleanup-connected"}) {
		t.Errorf("shutdown hooks = %v", order)
	}
	if h.transport.Connected() || h.transport.Disconnects() == 0 {
		t.Error("transport not disconnected on shutdown")
	}
	if h.session.State() != mqtt.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", h.session.State())
	}
	if err := h.session.HealthCheck(context.Background()); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestSession_RunTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.waitConnections(1)

	if err := h.session.Run(context.Background()); !errors.Is(err, mqtt.ErrSessionRunning) {
		t.Errorf("second Run() error = %v, want ErrSessionRunning", err)
	}
}

func TestSession_Dispatch(t *testing.T) {
	h := newHarness(t, nil)

	received := make(chan mqtt.Message, 4)
	if err := h.session.Handle("imaging", func(msg mqtt.Message) error {
		received <- msg
		return nil
	}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if err := h.session.Handle("params", func(mqtt.Message) error {
		panic("handler bug")
	}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if err := h.session.Handle("nope", nil); !errors.Is(err, mqtt.ErrUnknownTopic) {
		t.Errorf("Handle(unknown) error = %v, want ErrUnknownTopic", err)
	}

	h.start()
	h.waitConnections(1)

	h.transport.Deliver("cam2/params", []byte("{}"))  // panics, recovered
	h.transport.Deliver("cam2/unbound", []byte("{}")) // no handler
	h.transport.Deliver("cam2/imaging", []byte("capture"))

	select {
	case msg := <-received:
		if msg.Namespace != "cam2" || msg.Logical != "imaging" || string(msg.Payload) != "capture" {
			t.Errorf("message = %+v", msg)
		}
	case <-time.After(waitTimeout):
		t.Fatal("handler not called")
	}

	if !h.session.IsConnected() {
		t.Error("session disconnected after handler panic")
	}
}

func TestSession_Publish(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.session.Publish("imaging", []byte("x")); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Publish() before connect error = %v, want ErrNotConnected", err)
	}

	h.start()
	h.waitConnections(1)

	if err := h.session.PublishTo("control", "cam2", []byte(`{"action":"acquire_image"}`)); err != nil {
		t.Fatalf("PublishTo() error = %v", err)
	}
	pubs := h.transport.PublishedTo("cam2/control")
	if len(pubs) != 1 || pubs[0].QoS != 1 {
		t.Errorf("cam2/control publications = %+v", pubs)
	}

	if err := h.session.Publish("imaging", []byte("x")); err != nil {
		t.Errorf("Publish(local) error = %v", err)
	}
	if len(h.transport.PublishedTo("host/imaging")) != 1 {
		t.Error("local publish not addressed under own name")
	}

	if err := h.session.Publish("control", []byte("x")); !errors.Is(err, mqtt.ErrNoTarget) {
		t.Errorf("Publish(target topic) error = %v, want ErrNoTarget", err)
	}
	if err := h.session.PublishTo("control", "", []byte("x")); !errors.Is(err, mqtt.ErrNoTarget) {
		t.Errorf("PublishTo(no target) error = %v, want ErrNoTarget", err)
	}
	if err := h.session.Publish("missing", []byte("x")); !errors.Is(err, mqtt.ErrUnknownTopic) {
		t.Errorf("Publish(unknown) error = %v, want ErrUnknownTopic", err)
	}
}

func containsInOrder(got []string, want ...string) bool {
	i := 0
	for _, s := range got {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}
