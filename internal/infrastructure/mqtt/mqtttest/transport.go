// Package mqtttest provides an in-memory mqtt.Transport for tests.
package mqtttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/mqtt"
)

// Publication is one recorded Publish call.
type Publication struct {
	Topic   string
	Payload []byte
	QoS     byte
	ID      mqtt.DeliveryID
}

// Subscription is one recorded Subscribe call.
type Subscription struct {
	Topic string
	QoS   byte
	// Conn is the connection number (1 for the first successful Connect).
	Conn int
}

// Transport is a scripted, in-memory Transport.
//
// By default every Connect succeeds and every publish is confirmed
// immediately.
type Transport struct {
	events chan mqtt.Event

	mu             sync.Mutex
	connected      bool
	conns          int
	connectCalls   int
	reconnectFlags []bool
	connectErrs    []error
	disconnects    int
	autoConfirm    bool
	silent         map[string]bool
	nextID         mqtt.DeliveryID
	published      []Publication
	subscriptions  []Subscription
	subscribeErrs  []error
}

// New returns a transport that accepts connections and confirms publishes.
func New() *Transport {
	return &Transport{
		events:      make(chan mqtt.Event, 4096),
		autoConfirm: true,
		silent:      make(map[string]bool),
	}
}

// FailConnects queues errors returned by the next Connect calls, in order.
func (f *Transport) FailConnects(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErrs = append(f.connectErrs, errs...)
}

// FailSubscribes queues errors returned by the next Subscribe calls.
func (f *Transport) FailSubscribes(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErrs = append(f.subscribeErrs, errs...)
}

// SetAutoConfirm controls whether publishes are confirmed immediately.
func (f *Transport) SetAutoConfirm(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoConfirm = on
}

// Silence stops confirmations for publishes on topic.
func (f *Transport) Silence(topic string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent[topic] = on
}

// Connect implements mqtt.Transport.
func (f *Transport) Connect(ctx context.Context, reconnect bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connectCalls++
	f.reconnectFlags = append(f.reconnectFlags, reconnect)
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	f.connected = true
	f.conns++
	return nil
}

// Disconnect implements mqtt.Transport.
func (f *Transport) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

// Publish implements mqtt.Transport.
func (f *Transport) Publish(topic string, payload []byte, qos byte) (mqtt.DeliveryID, error) {
	if err := mqtt.ValidatePublish(topic, payload, qos); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return 0, mqtt.ErrNotConnected
	}

	f.nextID++
	id := f.nextID
	f.published = append(f.published, Publication{
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		QoS:     qos,
		ID:      id,
	})
	if f.autoConfirm && !f.silent[topic] {
		f.events <- mqtt.Event{Kind: mqtt.EventPublishConfirmed, DeliveryID: id, Conn: f.conns}
	}
	return id, nil
}

// Subscribe implements mqtt.Transport.
func (f *Transport) Subscribe(topic string, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return mqtt.ErrNotConnected
	}
	if len(f.subscribeErrs) > 0 {
		err := f.subscribeErrs[0]
		f.subscribeErrs = f.subscribeErrs[1:]
		return err
	}
	f.subscriptions = append(f.subscriptions, Subscription{Topic: topic, QoS: qos, Conn: f.conns})
	return nil
}

// Events implements mqtt.Transport.
func (f *Transport) Events() <-chan mqtt.Event {
	return f.events
}

// Deliver injects an inbound message.
func (f *Transport) Deliver(topic string, payload []byte) {
	f.events <- mqtt.Event{Kind: mqtt.EventMessage, Topic: topic, Payload: payload}
}

// Confirm injects a publish confirmation.
func (f *Transport) Confirm(id mqtt.DeliveryID) {
	f.events <- mqtt.Event{Kind: mqtt.EventPublishConfirmed, DeliveryID: id}
}

// DropConnection closes the connection as if the broker went away.
func (f *Transport) DropConnection(err error) {
	f.mu.Lock()
	f.connected = false
	n := f.conns
	f.mu.Unlock()
	f.events <- mqtt.Event{Kind: mqtt.EventConnectionLost, Err: err, Conn: n}
}

// ReportLost injects a connection-lost event from connection n without
// touching the current connection, as a replaced client reports its loss
// late.
func (f *Transport) ReportLost(n int, err error) {
	f.events <- mqtt.Event{Kind: mqtt.EventConnectionLost, Err: err, Conn: n}
}

// Connected reports whether the fake is connected.
func (f *Transport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// ConnectCalls returns the number of Connect calls, failed ones included.
func (f *Transport) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// Connections returns the number of successful Connect calls.
func (f *Transport) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns
}

// ReconnectFlags returns the reconnect argument of every Connect call.
func (f *Transport) ReconnectFlags() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.reconnectFlags...)
}

// Disconnects returns the number of Disconnect calls.
func (f *Transport) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// Published returns every recorded publication.
func (f *Transport) Published() []Publication {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Publication(nil), f.published...)
}

// PublishedTo returns the publications on one topic.
func (f *Transport) PublishedTo(topic string) []Publication {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Publication
	for _, p := range f.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// Subscriptions returns every recorded subscription.
func (f *Transport) Subscriptions() []Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Subscription(nil), f.subscriptions...)
}

// SubscriptionsOn returns the topics subscribed on connection n, in order.
func (f *Transport) SubscriptionsOn(n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.subscriptions {
		if s.Conn == n {
			out = append(out, s.Topic)
		}
	}
	return out
}

// WaitFor polls cond until it holds or the timeout expires.
func WaitFor(t testing.TB, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v waiting for %s", timeout, what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
