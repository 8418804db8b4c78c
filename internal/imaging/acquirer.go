package imaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/mqtt"
	"github.com/prakashlab/picamera-mqtt/internal/protocol"
)

// DefaultQueueSize is the number of control commands the acquirer buffers.
const DefaultQueueSize = 16

// Publisher publishes on a logical topic under this client's name.
// *mqtt.Session implements it.
type Publisher interface {
	Publish(logical string, payload []byte) error
}

// Acquirer executes camera control commands.
//
// Commands are queued by the control handler and executed in arrival order
// by Run, off the session goroutine. Captures are never superseded: every
// accepted request is answered.
type Acquirer struct {
	camera Camera
	pub    Publisher
	name   string
	logger Logger
	now    func() time.Time

	jobs chan protocol.Command
}

// NewAcquirer creates an acquirer publishing as client name. logger may
// be nil.
func NewAcquirer(camera Camera, pub Publisher, name string, logger Logger) *Acquirer {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Acquirer{
		camera: camera,
		pub:    pub,
		name:   name,
		logger: logger,
		now:    time.Now,
		jobs:   make(chan protocol.Command, DefaultQueueSize),
	}
}

// Attach registers the control handler. Must be called before the
// session runs.
func (a *Acquirer) Attach(s *mqtt.Session) error {
	if err := s.Handle(protocol.TopicControl, a.HandleControl); err != nil {
		return fmt.Errorf("registering control handler: %w", err)
	}
	return nil
}

// HandleControl is the control topic handler.
func (a *Acquirer) HandleControl(msg mqtt.Message) error {
	cmd, err := protocol.DecodeControl(msg.Payload)
	if err != nil {
		protocol.LogDropped(a.logger, msg.Topic, err)
		return nil
	}
	return a.Enqueue(cmd)
}

// Enqueue queues cmd for Run. It never blocks.
func (a *Acquirer) Enqueue(cmd protocol.Command) error {
	select {
	case a.jobs <- cmd:
		return nil
	default:
		return fmt.Errorf("%w: dropping %T", ErrQueueFull, cmd)
	}
}

// Run executes queued commands until ctx is cancelled.
func (a *Acquirer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-a.jobs:
			if err := a.Execute(ctx, cmd); err != nil {
				a.logger.Error("control command failed", "command", fmt.Sprintf("%T", cmd), "error", err)
			}
		}
	}
}

// Execute runs one control command synchronously.
func (a *Acquirer) Execute(ctx context.Context, cmd protocol.Command) error {
	switch c := cmd.(type) {
	case protocol.AcquireImage:
		return a.Acquire(ctx, c)
	case protocol.SetParams:
		return a.ApplyParams(ctx, c.Params)
	default:
		return fmt.Errorf("%w: %T is not a camera command", protocol.ErrUnknownAction, cmd)
	}
}

// Acquire captures one image and publishes it on the imaging topic.
//
// The request metadata is echoed back with capture_time added, so the
// host can match the image to its request.
func (a *Acquirer) Acquire(ctx context.Context, req protocol.AcquireImage) error {
	format := req.Format
	if format == "" {
		format = DefaultFormat
	}
	captureParams := req.CaptureParams
	if captureParams.Quality == 0 {
		captureParams.Quality = DefaultCaptureQuality
	}
	transportParams := req.TransportParams
	if transportParams.Quality == 0 {
		transportParams.Quality = DefaultTransportQuality
	}

	metadata := req.Metadata.Clone()
	if _, ok := metadata.ClientName(); !ok {
		metadata[protocol.MetaClientName] = a.name
	}
	metadata[protocol.MetaCaptureTime] = protocol.NewTimestamp(a.now())

	image, err := a.camera.Capture(ctx, format, captureParams.Quality)
	if err != nil {
		return fmt.Errorf("acquiring image: %w", err)
	}

	payload, err := protocol.EncodeCapture(&protocol.Capture{
		Metadata:              metadata,
		Format:                format,
		CaptureFormatParams:   captureParams,
		TransportFormatParams: transportParams,
		CameraParams:          a.camera.Params(),
		Image:                 image,
	})
	if err != nil {
		return err
	}
	if err := a.pub.Publish(protocol.TopicImaging, payload); err != nil {
		return fmt.Errorf("publishing capture: %w", err)
	}

	imageID, _ := metadata.ImageID()
	a.logger.Info("published capture", "image_id", imageID, "format", format, "size_bytes", len(image))
	return nil
}

// ApplyParams applies p to the camera and publishes the resulting
// parameters on the params topic.
func (a *Acquirer) ApplyParams(ctx context.Context, p protocol.CameraParams) error {
	if err := a.camera.SetParams(ctx, p); err != nil {
		return fmt.Errorf("setting camera params: %w", err)
	}
	return a.PublishParams()
}

// PublishParams publishes the camera's current parameters.
func (a *Acquirer) PublishParams() error {
	payload, err := json.Marshal(a.camera.Params())
	if err != nil {
		return fmt.Errorf("encoding camera params: %w", err)
	}
	if err := a.pub.Publish(protocol.TopicParams, payload); err != nil {
		return fmt.Errorf("publishing camera params: %w", err)
	}
	return nil
}
