package imaging

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/mqtt"
	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/mqtt/mqtttest"
	"github.com/prakashlab/picamera-mqtt/internal/protocol"
)

const waitTimeout = 2 * time.Second

func TestTimelapse_Run(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRequester(pub, []string{"cam1", "cam2"}, nil)
	tl := Timelapse{
		Requester: r,
		Targets:   []string{"cam1", "cam2"},
		Interval:  time.Millisecond,
		Count:     3,
		Request:   DefaultRequest(),
	}

	if err := tl.Operation().Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	published := pub.snapshot()
	if len(published) != 6 {
		t.Fatalf("published %d, want 6", len(published))
	}
	for i, s := range published {
		wantTarget := []string{"cam1", "cam2"}[i%2]
		if s.target != wantTarget {
			t.Errorf("request %d to %q, want %q", i, s.target, wantTarget)
		}
		acq := decodeAcquire(t, s.payload)
		if id, _ := acq.Metadata.ImageID(); id != uint64(i/2+1) {
			t.Errorf("request %d image_id = %d, want %d", i, id, i/2+1)
		}
		if acq.Metadata["host"] != "timelapse" {
			t.Errorf("host = %v", acq.Metadata["host"])
		}
	}
}

func TestTimelapse_ContinuesThroughPublishFailures(t *testing.T) {
	pub := &fakePublisher{err: mqtt.ErrNotConnected}
	r := NewRequester(pub, []string{"cam1"}, nil)
	tl := Timelapse{Requester: r, Targets: []string{"cam1"}, Interval: time.Millisecond, Count: 2}

	if err := tl.Operation().Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if r.Issued("cam1") != 2 {
		t.Errorf("Issued = %d, want 2", r.Issued("cam1"))
	}
}

func TestTimelapse_UnknownTarget(t *testing.T) {
	r := NewRequester(&fakePublisher{}, []string{"cam1"}, nil)
	tl := Timelapse{Requester: r, Targets: []string{"cam7"}, Interval: time.Millisecond, Count: 1}

	if err := tl.Operation().Run(context.Background()); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("Run() error = %v, want ErrUnknownTarget", err)
	}
}

func TestTimelapse_Cancel(t *testing.T) {
	r := NewRequester(&fakePublisher{}, []string{"cam1"}, nil)
	tl := Timelapse{Requester: r, Targets: []string{"cam1"}, Interval: time.Hour, Count: 10}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tl.Operation().Run(ctx) }()

	mqtttest.WaitFor(t, waitTimeout, "first request", func() bool { return r.Issued("cam1") == 1 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timelapse did not stop on cancel")
	}
}

func TestAcquireOnce_Run(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRequester(pub, []string{"cam1", "cam2"}, nil)
	req := DefaultRequest()
	req.Extra = protocol.Metadata{"host": "plate-3"}
	ao := AcquireOnce{Requester: r, Targets: []string{"cam1", "cam2"}, Request: req}

	if err := ao.Operation().Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	published := pub.snapshot()
	if len(published) != 2 {
		t.Fatalf("published %d, want 2", len(published))
	}
	if acq := decodeAcquire(t, published[0].payload); acq.Metadata["host"] != "plate-3" {
		t.Errorf("caller extra overridden: %v", acq.Metadata)
	}
}

// TestHost_Session runs a timelapse through a session against a fake
// transport and feeds a capture back in.
func TestHost_Session(t *testing.T) {
	transport := mqtttest.New()
	id, err := mqtt.NewIdentity("host", []string{"cam1", "cam2"})
	if err != nil {
		t.Fatalf("NewIdentity() error = %v", err)
	}
	session, err := mqtt.NewSession(mqtt.Options{
		Transport: transport,
		Identity:  id,
		Bindings: []mqtt.Binding{
			{Name: protocol.TopicControl, QoS: 2, Namespace: mqtt.PerTarget},
			{Name: protocol.TopicImaging, QoS: 2, Namespace: mqtt.PerClientLocal, Subscribe: true},
			{Name: protocol.TopicParams, QoS: 2, Namespace: mqtt.PerClientLocal, Subscribe: true},
		},
		KeepaliveInterval: time.Hour,
		KeepaliveTimeout:  time.Minute,
		RetryInterval:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	receiver := NewReceiver(filepath.Join(t.TempDir(), "captures"), nil)
	host := NewHost(NewRequester(session, id.Targets(), nil), receiver, nil)
	if err := host.Attach(session); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	result := host.RunOnConnect(session, Timelapse{
		Requester: host.Requester(),
		Targets:   id.Targets(),
		Interval:  5 * time.Millisecond,
		Count:     2,
		Request:   DefaultRequest(),
	}.Operation())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sessionDone := make(chan error, 1)
	go func() { sessionDone <- session.Run(ctx) }()

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("timelapse error = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timelapse did not finish")
	}

	for _, target := range []string{"cam1", "cam2"} {
		if got := len(transport.PublishedTo(target + "/control")); got != 2 {
			t.Errorf("%s requests = %d, want 2", target, got)
		}
	}
	subs := transport.SubscriptionsOn(1)
	for _, topic := range []string{"cam1/imaging", "cam2/imaging", "cam1/params", "cam2/params"} {
		if !slices.Contains(subs, topic) {
			t.Errorf("missing subscription %s in %v", topic, subs)
		}
	}

	transport.Deliver("cam2/imaging", capturePayload(t, testCapture("cam2", 1)))
	mqtttest.WaitFor(t, waitTimeout, "capture saved", func() bool { return receiver.Saved("cam2") == 1 })

	transport.Deliver("cam2/params", []byte(`{"iso":100}`))
	mqtttest.WaitFor(t, waitTimeout, "params recorded", func() bool { return receiver.Params("cam2") != nil })

	// A reconnect does not restart the finished timelapse.
	transport.DropConnection(errors.New("broker restart"))
	mqtttest.WaitFor(t, waitTimeout, "reconnect", func() bool { return transport.Connections() == 2 })
	mqtttest.WaitFor(t, waitTimeout, "connected", session.IsConnected)
	if got := len(transport.PublishedTo("cam1/control")); got != 2 {
		t.Errorf("cam1 requests after reconnect = %d, want 2", got)
	}

	cancel()
	select {
	case <-sessionDone:
	case <-time.After(waitTimeout):
		t.Fatal("session did not stop")
	}
	if host.Active() != "" {
		t.Errorf("Active() = %q after shutdown", host.Active())
	}
}

func newHostSession(t *testing.T, transport *mqtttest.Transport) *mqtt.Session {
	t.Helper()
	id, err := mqtt.NewIdentity("host", []string{"cam1", "cam2"})
	if err != nil {
		t.Fatalf("NewIdentity() error = %v", err)
	}
	session, err := mqtt.NewSession(mqtt.Options{
		Transport: transport,
		Identity:  id,
		Bindings: []mqtt.Binding{
			{Name: protocol.TopicControl, QoS: 2, Namespace: mqtt.PerTarget},
			{Name: protocol.TopicImaging, QoS: 2, Namespace: mqtt.PerClientLocal, Subscribe: true},
			{Name: protocol.TopicParams, QoS: 2, Namespace: mqtt.PerClientLocal, Subscribe: true},
		},
		KeepaliveInterval: time.Hour,
		KeepaliveTimeout:  time.Minute,
		RetryInterval:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return session
}

func runSession(t *testing.T, session *mqtt.Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Error("session did not stop")
		}
	})
}

func imageIDOf(t *testing.T, p mqtttest.Publication) uint64 {
	t.Helper()
	id, ok := decodeAcquire(t, p.Payload).Metadata.ImageID()
	if !ok {
		t.Fatalf("image_id missing from %s", p.Payload)
	}
	return id
}

func TestRequester_SequenceSurvivesReconnect(t *testing.T) {
	transport := mqtttest.New()
	session := newHostSession(t, transport)
	requester := NewRequester(session, session.Identity().Targets(), nil)
	runSession(t, session)
	mqtttest.WaitFor(t, waitTimeout, "connected", session.IsConnected)

	for range 2 {
		if _, err := requester.RequestImage("cam1", DefaultRequest()); err != nil {
			t.Fatalf("RequestImage() error = %v", err)
		}
	}

	transport.DropConnection(errors.New("broker restart"))
	mqtttest.WaitFor(t, waitTimeout, "reconnect", func() bool { return transport.Connections() == 2 })
	mqtttest.WaitFor(t, waitTimeout, "connected", session.IsConnected)

	ir, err := requester.RequestImage("cam1", DefaultRequest())
	if err != nil {
		t.Fatalf("RequestImage() after reconnect error = %v", err)
	}
	if ir.SequenceID != 3 {
		t.Errorf("SequenceID after reconnect = %d, want 3", ir.SequenceID)
	}
	if _, err := requester.RequestImage("cam2", DefaultRequest()); err != nil {
		t.Fatalf("RequestImage(cam2) error = %v", err)
	}

	cam1 := transport.PublishedTo("cam1/control")
	if len(cam1) != 3 {
		t.Fatalf("cam1 requests = %d, want 3", len(cam1))
	}
	for i, p := range cam1 {
		if got := imageIDOf(t, p); got != uint64(i+1) {
			t.Errorf("cam1 request %d image_id = %d, want %d", i, got, i+1)
		}
	}
	cam2 := transport.PublishedTo("cam2/control")
	if len(cam2) != 1 || imageIDOf(t, cam2[0]) != 1 {
		t.Errorf("cam2 requests = %d, want one with image_id 1", len(cam2))
	}
}

func TestHost_SendsStoredCameraParamsFirst(t *testing.T) {
	transport := mqtttest.New()
	session := newHostSession(t, transport)
	receiver := NewReceiver(filepath.Join(t.TempDir(), "captures"), nil)
	host := NewHost(NewRequester(session, session.Identity().Targets(), nil), receiver, nil)

	iso := 400
	zoom := 0.5
	host.SetCameraParams(map[string]protocol.CameraParams{
		"cam1": {ISO: &iso, ROIZoom: &zoom},
	})
	if err := host.Attach(session); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	result := host.RunOnConnect(session, AcquireOnce{
		Requester: host.Requester(),
		Targets:   session.Identity().Targets(),
		Wait:      time.Millisecond,
		Request:   DefaultRequest(),
	}.Operation())

	runSession(t, session)
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("acquire error = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("acquire did not finish")
	}

	cam1 := transport.PublishedTo("cam1/control")
	if len(cam1) != 2 {
		t.Fatalf("cam1 control messages = %d, want 2", len(cam1))
	}
	cmd, err := protocol.DecodeControl(cam1[0].Payload)
	if err != nil {
		t.Fatalf("DecodeControl() error = %v", err)
	}
	set, ok := cmd.(protocol.SetParams)
	if !ok {
		t.Fatalf("first cam1 command = %T, want SetParams", cmd)
	}
	if set.Params.ISO == nil || *set.Params.ISO != 400 || set.Params.ROIZoom == nil || *set.Params.ROIZoom != 0.5 {
		t.Errorf("set_params = %+v", set.Params)
	}
	if _, ok := decodeAcquire(t, cam1[1].Payload).Metadata.ImageID(); !ok {
		t.Error("second cam1 command is not an image request")
	}

	// cam2 has no stored params and only receives the request.
	if got := len(transport.PublishedTo("cam2/control")); got != 1 {
		t.Errorf("cam2 control messages = %d, want 1", got)
	}

	// Stored params are sent again after a reconnect.
	transport.DropConnection(errors.New("broker restart"))
	mqtttest.WaitFor(t, waitTimeout, "params resent", func() bool {
		return len(transport.PublishedTo("cam1/control")) == 3
	})
}
