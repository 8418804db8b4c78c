// Package mqtt provides the resilient MQTT session used by every
// picamera-mqtt device role.
//
// This package manages:
//   - Topic namespace addressing (Global, PerClientLocal, PerTarget)
//   - The connection lifecycle: connect with retry, re-subscription,
//     keepalive pings, reconnection and orderly shutdown
//   - Dispatch of inbound messages to per-topic handlers
//   - A paho.mqtt.golang based Transport
//
// # Architecture
//
// One broker serves many devices. Each device publishes under its own
// client name and addresses peers by theirs:
//
//	camera-1/imaging      camera-1 publishes captures (PerClientLocal)
//	camera-1/control      a host commands camera-1 (PerTarget)
//	connect               every client announces itself (Global)
//
// The Session owns the connection state machine:
//
//	Disconnected → Connecting → Connected ⇄ AwaitingKeepaliveAck
//	                   ↑                          │
//	                   └────── Reconnecting ←─────┘
//
// Paho callbacks are converted into Events on one channel. Session.Run
// drains that channel on a single goroutine, so handlers see messages in
// order and subscriptions are always re-applied before any message from
// a new connection is handled.
//
// # Failure Handling
//
//   - Connection attempts are retried until the context is cancelled
//   - DNS and OS network failures run an optional RecoveryHook first
//   - A keepalive ping that is not confirmed within the timeout is treated
//     as a lost connection
//   - Handler panics are recovered and logged
//
// # Usage
//
//	id, _ := mqtt.NewIdentity("host", []string{"camera-1", "camera-2"})
//	transport, _ := mqtt.NewPahoTransport(cfg.MQTT, mqtt.DefaultClientID(id))
//	session, err := mqtt.NewSession(mqtt.Options{
//	    Transport:         transport,
//	    Identity:          id,
//	    Bindings:          bindings,
//	    KeepaliveInterval: 2 * time.Second,
//	    KeepaliveTimeout:  time.Second,
//	    RetryInterval:     2 * time.Second,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	session.Handle("imaging", func(msg mqtt.Message) error {
//	    log.Printf("capture from %s", msg.Namespace)
//	    return nil
//	})
//	err = session.Run(ctx)
package mqtt
