package imaging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/mqtt"
	"github.com/prakashlab/picamera-mqtt/internal/protocol"
)

const (
	captureDirPermissions  = 0755
	captureFilePermissions = 0644

	catalogTimeout = 5 * time.Second
)

// CaptureMetrics receives a record of each saved capture. Optional.
type CaptureMetrics interface {
	RecordCapture(target, format string, imageID uint64, sizeBytes int, latency time.Duration, receivedAt time.Time)
}

// savedMetadata is the JSON file written next to each image. It mirrors the
// capture payload with the image replaced by the image file name.
type savedMetadata struct {
	Metadata              protocol.Metadata     `json:"metadata"`
	Format                string                `json:"format"`
	CaptureFormatParams   protocol.FormatParams `json:"capture_format_params"`
	TransportFormatParams protocol.FormatParams `json:"transport_format_params"`
	CameraParams          map[string]any        `json:"camera_params,omitempty"`
	Image                 string                `json:"image"`
}

// Receiver saves captures published by cameras.
//
// Each capture becomes two files in the capture directory sharing one
// identifier: "<identifier>.<format>" holding the image bytes and
// "<identifier>.json" holding the metadata with receive_time added.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Receiver struct {
	dir    string
	logger Logger
	now    func() time.Time

	mu      sync.Mutex
	prefix  string
	catalog Catalog
	metrics CaptureMetrics
	saved   map[string]int
	params  map[string]map[string]any
	onSaved func(CaptureRecord)
}

// NewReceiver creates a receiver saving into dir. logger may be nil.
func NewReceiver(dir string, logger Logger) *Receiver {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Receiver{
		dir:    dir,
		logger: logger,
		now:    time.Now,
		saved:  make(map[string]int),
		params: make(map[string]map[string]any),
	}
}

// SetPrefix sets a name prepended to every identifier, such as the name
// of a one-shot acquisition.
func (r *Receiver) SetPrefix(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefix = prefix
}

// SetCatalog sets the capture index.
func (r *Receiver) SetCatalog(c Catalog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalog = c
}

// SetMetrics sets the capture metrics sink.
func (r *Receiver) SetMetrics(m CaptureMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// OnSaved registers a callback run after each capture is saved.
func (r *Receiver) OnSaved(fn func(CaptureRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSaved = fn
}

// Saved returns how many captures from target have been saved.
func (r *Receiver) Saved(target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved[target]
}

// Params returns the last parameters target reported, or nil.
func (r *Receiver) Params(target string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params[target]
}

// HandleCapture is the imaging topic handler. Malformed captures, and
// captures whose client_name differs from the namespace they arrived on,
// are logged with a preview and dropped. A Global imaging binding has no
// namespace and skips that check.
func (r *Receiver) HandleCapture(msg mqtt.Message) error {
	capture, err := protocol.DecodeCapture(msg.Payload)
	if err != nil {
		protocol.LogDropped(r.logger, msg.Topic, err)
		return nil
	}
	if client, _ := capture.Metadata.ClientName(); msg.Namespace != "" && client != msg.Namespace {
		r.logger.Warn("dropping capture from another namespace",
			"topic", msg.Topic,
			"client_name", client,
			"payload", protocol.Preview(msg.Payload),
		)
		return nil
	}

	if _, err := r.Save(capture); err != nil {
		return fmt.Errorf("saving capture from %s: %w", msg.Topic, err)
	}
	return nil
}

// HandleParams is the params topic handler. It logs and remembers the
// parameters each camera reports.
func (r *Receiver) HandleParams(msg mqtt.Message) error {
	var params map[string]any
	if err := json.Unmarshal(msg.Payload, &params); err != nil {
		r.logger.Warn("dropping malformed camera params",
			"topic", msg.Topic,
			"error", err,
			"payload", protocol.Preview(msg.Payload),
		)
		return nil
	}

	target := msg.Namespace
	r.mu.Lock()
	r.params[target] = params
	r.mu.Unlock()

	r.logger.Info("camera params", "target", target, "params", params)
	return nil
}

// Save writes capture to disk and indexes it.
//
// Returns ErrUnsafeCapture when the client name or format would place
// either file outside the capture directory.
func (r *Receiver) Save(capture *protocol.Capture) (CaptureRecord, error) {
	receivedAt := r.now()

	client, _ := capture.Metadata.ClientName()
	imageID, _ := capture.Metadata.ImageID()
	if !protocol.SafeName(client) || !protocol.SafeName(capture.Format) {
		return CaptureRecord{}, fmt.Errorf("%w: client %q format %q", ErrUnsafeCapture, client, capture.Format)
	}

	r.mu.Lock()
	prefix := r.prefix
	catalog := r.catalog
	metrics := r.metrics
	onSaved := r.onSaved
	r.mu.Unlock()

	rec := CaptureRecord{
		ClientName:  client,
		ImageID:     imageID,
		Format:      capture.Format,
		SizeBytes:   len(capture.Image),
		ReceiveTime: receivedAt,
	}
	if ts, ok := capture.Metadata.Timestamp(protocol.MetaCommandTime); ok && ts.Time > 0 {
		rec.CommandTime = ts.AsTime()
		rec.Latency = receivedAt.Sub(rec.CommandTime)
	}
	captureStamp, ok := capture.Metadata.Timestamp(protocol.MetaCaptureTime)
	if ok && captureStamp.Time > 0 {
		rec.CaptureTime = captureStamp.AsTime()
	}
	if captureStamp.Datetime == "" {
		captureStamp = protocol.NewTimestamp(receivedAt)
	}
	rec.Identifier = Identifier(prefix, client, imageID, protocol.SafeDatetime(captureStamp.Datetime))

	imageName := rec.Identifier + "." + capture.Format
	rec.ImagePath = filepath.Join(r.dir, imageName)
	rec.MetadataPath = filepath.Join(r.dir, rec.Identifier+".json")
	dir := filepath.Clean(r.dir)
	if filepath.Dir(rec.ImagePath) != dir || filepath.Dir(rec.MetadataPath) != dir {
		return rec, fmt.Errorf("%w: %q escapes %s", ErrUnsafeCapture, rec.Identifier, dir)
	}

	metadata := capture.Metadata.Clone()
	metadata[protocol.MetaReceiveTime] = protocol.NewTimestamp(receivedAt)
	metaJSON, err := json.MarshalIndent(savedMetadata{
		Metadata:              metadata,
		Format:                capture.Format,
		CaptureFormatParams:   capture.CaptureFormatParams,
		TransportFormatParams: capture.TransportFormatParams,
		CameraParams:          capture.CameraParams,
		Image:                 imageName,
	}, "", "  ")
	if err != nil {
		return rec, fmt.Errorf("encoding metadata: %w", err)
	}

	if err := os.MkdirAll(r.dir, captureDirPermissions); err != nil {
		return rec, fmt.Errorf("creating capture directory: %w", err)
	}
	if err := writeFileAtomic(rec.ImagePath, capture.Image); err != nil {
		return rec, err
	}
	if err := writeFileAtomic(rec.MetadataPath, metaJSON); err != nil {
		return rec, err
	}

	r.mu.Lock()
	r.saved[client]++
	r.mu.Unlock()

	r.logger.Info("saved capture",
		"target", client,
		"image_id", imageID,
		"path", rec.ImagePath,
		"size_bytes", rec.SizeBytes,
		"latency", rec.Latency,
	)

	if catalog != nil {
		ctx, cancel := context.WithTimeout(context.Background(), catalogTimeout)
		err := catalog.Add(ctx, rec)
		cancel()
		if err != nil {
			r.logger.Error("indexing capture failed", "identifier", rec.Identifier, "error", err)
		}
	}
	if metrics != nil {
		metrics.RecordCapture(client, capture.Format, imageID, rec.SizeBytes, rec.Latency, receivedAt)
	}
	if onSaved != nil {
		onSaved(rec)
	}
	return rec, nil
}

// Identifier names a capture: "<client> <image id> <capture datetime>",
// preceded by prefix when one is set.
func Identifier(prefix, client string, imageID uint64, datetime string) string {
	id := client + " " + strconv.FormatUint(imageID, 10) + " " + datetime
	if prefix != "" {
		id = prefix + " " + id
	}
	return id
}

// writeFileAtomic writes data through a temporary file renamed into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".capture-*")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()        //nolint:errcheck // already failing
		os.Remove(tmpName) //nolint:errcheck // best effort
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck // best effort
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, captureFilePermissions); err != nil {
		os.Remove(tmpName) //nolint:errcheck // best effort
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName) //nolint:errcheck // best effort
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
