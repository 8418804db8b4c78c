package imaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/prakashlab/picamera-mqtt/internal/protocol"
)

// Logger defines the logging interface for the imaging package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Default encoder settings for image requests.
const (
	DefaultFormat           = FormatJPEG
	DefaultCaptureQuality   = 100
	DefaultTransportQuality = 80
)

// TargetPublisher publishes to one named target. *mqtt.Session implements it.
type TargetPublisher interface {
	PublishTo(logical, target string, payload []byte) error
}

// RequestMetrics receives a record of each issued request. Optional.
type RequestMetrics interface {
	RecordImageRequest(target string, imageID uint64)
}

// Request describes the image to ask for.
type Request struct {
	Format          string
	CaptureParams   protocol.FormatParams
	TransportParams protocol.FormatParams

	// Extra is merged into the request metadata. Protocol keys
	// (client_name, image_id, command_time) cannot be overridden.
	Extra protocol.Metadata
}

// DefaultRequest returns a JPEG request with the default qualities.
func DefaultRequest() Request {
	return Request{
		Format:          DefaultFormat,
		CaptureParams:   protocol.FormatParams{Quality: DefaultCaptureQuality},
		TransportParams: protocol.FormatParams{Quality: DefaultTransportQuality},
	}
}

// ImageRequest records one issued acquire_image command.
type ImageRequest struct {
	TargetName string
	SequenceID uint64
	IssuedAt   time.Time
}

// Requester issues acquire_image and set_params commands to cameras.
//
// Sequence ids start at 1 per target and are consumed exactly once per
// request, including requests whose publish fails. Counters live here and
// not in the session, so they continue across reconnects.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Requester struct {
	pub     TargetPublisher
	targets map[string]bool
	logger  Logger
	now     func() time.Time

	mu      sync.Mutex
	issued  map[string]uint64
	metrics RequestMetrics
}

// NewRequester creates a requester for the given targets. logger may be nil.
func NewRequester(pub TargetPublisher, targets []string, logger Logger) *Requester {
	if logger == nil {
		logger = noopLogger{}
	}
	set := make(map[string]bool, len(targets))
	for _, t := range targets {
		set[t] = true
	}
	return &Requester{
		pub:     pub,
		targets: set,
		logger:  logger,
		now:     time.Now,
		issued:  make(map[string]uint64, len(targets)),
	}
}

// SetMetrics sets the request metrics sink.
func (r *Requester) SetMetrics(m RequestMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Issued returns the number of requests issued to target so far.
func (r *Requester) Issued(target string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.issued[target]
}

// RequestImage sends one acquire_image command to target.
//
// Returns ErrUnknownTarget, without publishing or consuming a sequence id,
// when target is not one of the requester's targets. A publish failure is
// returned together with the request that consumed the id.
func (r *Requester) RequestImage(target string, req Request) (ImageRequest, error) {
	if !r.targets[target] {
		r.logger.Error("image request for unknown target", "target", target)
		return ImageRequest{}, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}

	r.mu.Lock()
	r.issued[target]++
	ir := ImageRequest{
		TargetName: target,
		SequenceID: r.issued[target],
		IssuedAt:   r.now(),
	}
	metrics := r.metrics
	r.mu.Unlock()

	metadata := make(protocol.Metadata, len(req.Extra)+3)
	for k, v := range req.Extra {
		metadata[k] = v
	}
	metadata[protocol.MetaClientName] = target
	metadata[protocol.MetaImageID] = ir.SequenceID
	metadata[protocol.MetaCommandTime] = protocol.NewTimestamp(ir.IssuedAt)

	format := req.Format
	if format == "" {
		format = DefaultFormat
	}
	payload, err := protocol.EncodeAcquireImage(protocol.AcquireImage{
		Format:          format,
		CaptureParams:   req.CaptureParams,
		TransportParams: req.TransportParams,
		Metadata:        metadata,
	})
	if err != nil {
		return ir, err
	}

	if err := r.pub.PublishTo(protocol.TopicControl, target, payload); err != nil {
		r.logger.Warn("image request not sent",
			"target", target,
			"image_id", ir.SequenceID,
			"error", err,
		)
		return ir, fmt.Errorf("requesting image %d from %s: %w", ir.SequenceID, target, err)
	}

	r.logger.Info("requested image", "target", target, "image_id", ir.SequenceID)
	if metrics != nil {
		metrics.RecordImageRequest(target, ir.SequenceID)
	}
	return ir, nil
}

// SetParams sends a set_params command to target. The camera answers on
// the params topic.
func (r *Requester) SetParams(target string, p protocol.CameraParams) error {
	if !r.targets[target] {
		r.logger.Error("set_params for unknown target", "target", target)
		return fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}

	payload, err := protocol.EncodeSetParams(protocol.SetParams{Params: p})
	if err != nil {
		return err
	}
	if err := r.pub.PublishTo(protocol.TopicControl, target, payload); err != nil {
		return fmt.Errorf("setting params on %s: %w", target, err)
	}
	r.logger.Info("sent camera params", "target", target)
	return nil
}
