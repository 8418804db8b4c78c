package influxdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/config"
)

// fakeWriter records points instead of sending them.
type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *fakeWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
}

func (w *fakeWriter) snapshot() []*write.Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*write.Point(nil), w.points...)
}

func tagsOf(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, tag := range p.TagList() {
		out[tag.Key] = tag.Value
	}
	return out
}

func fieldsOf(p *write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{
		Enabled: true,
		URL:     "http://127.0.0.1:1",
		Org:     "lab",
		Bucket:  "imaging",
	})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestRecordConnectionState(t *testing.T) {
	w := &fakeWriter{}
	c := newClient(nil, w)

	c.RecordConnectionState("cam1", "connected")
	c.RecordConnectionState("cam1", "reconnecting")

	points := w.snapshot()
	if len(points) != 2 {
		t.Fatalf("points = %d, want 2", len(points))
	}
	if points[0].Name() != measurementConnection {
		t.Errorf("Name() = %q", points[0].Name())
	}
	if tagsOf(points[0])["client"] != "cam1" {
		t.Errorf("tags = %v", tagsOf(points[0]))
	}
	if fields := fieldsOf(points[0]); fields["connected"] != true || fields["state"] != "connected" {
		t.Errorf("fields = %v", fields)
	}
	if fields := fieldsOf(points[1]); fields["connected"] != false {
		t.Errorf("fields = %v", fields)
	}
}

func TestRecordKeepalive(t *testing.T) {
	w := &fakeWriter{}
	c := newClient(nil, w)

	c.RecordKeepalive("cam1", 1500*time.Microsecond)

	points := w.snapshot()
	if len(points) != 1 {
		t.Fatalf("points = %d, want 1", len(points))
	}
	if got := fieldsOf(points[0])["rtt_ms"]; got != 1.5 {
		t.Errorf("rtt_ms = %v, want 1.5", got)
	}
}

func TestRecordCapture(t *testing.T) {
	w := &fakeWriter{}
	c := newClient(nil, w)
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	c.RecordCapture("cam2", "jpeg", 7, 2048, 250*time.Millisecond, at)
	c.RecordCapture("cam2", "jpeg", 8, 1024, 0, at)

	points := w.snapshot()
	if len(points) != 2 {
		t.Fatalf("points = %d, want 2", len(points))
	}
	p := points[0]
	if !p.Time().Equal(at) {
		t.Errorf("Time() = %v, want %v", p.Time(), at)
	}
	tags := tagsOf(p)
	if tags["target"] != "cam2" || tags["format"] != "jpeg" {
		t.Errorf("tags = %v", tags)
	}
	fields := fieldsOf(p)
	if fields["image_id"] != int64(7) || fields["size_bytes"] != int64(2048) || fields["latency_ms"] != 250.0 {
		t.Errorf("fields = %v", fields)
	}
	if _, ok := fieldsOf(points[1])["latency_ms"]; ok {
		t.Error("latency_ms written for unknown latency")
	}
}

func TestRecordImageRequest(t *testing.T) {
	w := &fakeWriter{}
	c := newClient(nil, w)

	c.RecordImageRequest("cam1", 3)

	points := w.snapshot()
	if len(points) != 1 || points[0].Name() != measurementRequest {
		t.Fatalf("points = %v", points)
	}
	if fieldsOf(points[0])["image_id"] != int64(3) {
		t.Errorf("fields = %v", fieldsOf(points[0]))
	}
}

func TestClose_StopsWrites(t *testing.T) {
	w := &fakeWriter{}
	c := newClient(nil, w)

	c.WritePoint("custom", map[string]string{"k": "v"}, map[string]any{"value": 1.0})
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	c.RecordKeepalive("cam1", time.Millisecond)
	c.Flush()

	if got := len(w.snapshot()); got != 1 {
		t.Errorf("points = %d, want 1", got)
	}
	if w.flushes != 1 {
		t.Errorf("flushes = %d, want 1", w.flushes)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestHandleWriteErrors(t *testing.T) {
	c := newClient(nil, &fakeWriter{})

	got := make(chan error, 1)
	c.SetOnError(func(err error) { got <- err })

	errs := make(chan error, 1)
	errs <- errors.New("bucket not found")
	close(errs)
	c.handleWriteErrors(errs)

	select {
	case err := <-got:
		if err.Error() != "bucket not found" {
			t.Errorf("callback error = %v", err)
		}
	default:
		t.Error("error callback not invoked")
	}
}
