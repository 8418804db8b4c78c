package imaging

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/mqtt"
	"github.com/prakashlab/picamera-mqtt/internal/protocol"
	"github.com/prakashlab/picamera-mqtt/internal/supervisor"
)

// Default host timings.
const (
	DefaultInterval        = 15 * time.Second
	DefaultCount           = 5
	DefaultTimelapseWait   = 5 * time.Second
	DefaultAcquireOnceWait = 10 * time.Second
)

// Timelapse requests one image per target every Interval until each target
// has been sent Count requests, then waits FinalWait for the last captures.
type Timelapse struct {
	Requester *Requester
	Targets   []string
	Interval  time.Duration
	Count     int
	FinalWait time.Duration
	Request   Request
}

// Operation returns the timelapse as a supervised operation.
func (tl Timelapse) Operation() *supervisor.Operation {
	return &supervisor.Operation{Name: "timelapse", Run: tl.run}
}

func (tl Timelapse) run(ctx context.Context) error {
	interval := tl.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	for {
		requested := false
		for _, target := range tl.Targets {
			if tl.Requester.Issued(target) >= uint64(tl.Count) {
				continue
			}
			requested = true
			req := tl.Request
			req.Extra = withExtra(req.Extra, "host", "timelapse")
			if _, err := tl.Requester.RequestImage(target, req); errors.Is(err, ErrUnknownTarget) {
				return err
			}
		}
		if !requested {
			break
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return err
		}
	}

	return sleepCtx(ctx, tl.FinalWait)
}

// AcquireOnce requests a single image from every target, then waits Wait
// for the captures.
type AcquireOnce struct {
	Requester *Requester
	Targets   []string
	Wait      time.Duration
	Request   Request
}

// Operation returns the acquisition as a supervised operation.
func (ao AcquireOnce) Operation() *supervisor.Operation {
	return &supervisor.Operation{Name: "acquire", Run: ao.run}
}

func (ao AcquireOnce) run(ctx context.Context) error {
	for _, target := range ao.Targets {
		req := ao.Request
		req.Extra = withExtra(req.Extra, "host", "acquire")
		if _, err := ao.Requester.RequestImage(target, req); errors.Is(err, ErrUnknownTarget) {
			return err
		}
	}
	return sleepCtx(ctx, ao.Wait)
}

func withExtra(extra protocol.Metadata, key string, value any) protocol.Metadata {
	out := extra.Clone()
	if _, ok := out[key]; !ok {
		out[key] = value
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Host runs one acquisition operation against its cameras and saves what
// they send back.
type Host struct {
	requester *Requester
	receiver  *Receiver
	sup       *supervisor.Supervisor
	logger    Logger

	mu           sync.Mutex
	started      bool
	cameraParams map[string]protocol.CameraParams
}

// NewHost creates a host. logger may be nil.
func NewHost(requester *Requester, receiver *Receiver, logger Logger) *Host {
	if logger == nil {
		logger = noopLogger{}
	}
	sup := supervisor.New("host")
	sup.SetLogger(logger)
	return &Host{
		requester: requester,
		receiver:  receiver,
		sup:       sup,
		logger:    logger,
	}
}

// Requester returns the host's requester.
func (h *Host) Requester() *Requester { return h.requester }

// Receiver returns the host's receiver.
func (h *Host) Receiver() *Receiver { return h.receiver }

// SetCameraParams sets the parameters sent to each target on connect.
func (h *Host) SetCameraParams(params map[string]protocol.CameraParams) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cameraParams = make(map[string]protocol.CameraParams, len(params))
	for target, p := range params {
		h.cameraParams[target] = p
	}
}

// Attach registers the imaging and params handlers, sends the stored camera
// parameters on every connect and stops the running operation on shutdown.
// Must be called before the session runs and before RunOnConnect, so the
// parameters are sent ahead of the first request.
func (h *Host) Attach(s *mqtt.Session) error {
	if err := s.Handle(protocol.TopicImaging, h.receiver.HandleCapture); err != nil {
		return fmt.Errorf("registering imaging handler: %w", err)
	}
	if err := s.Handle(protocol.TopicParams, h.receiver.HandleParams); err != nil {
		return fmt.Errorf("registering params handler: %w", err)
	}
	s.OnConnect(func(bool) { h.sendCameraParams() })
	s.OnShutdown(h.sup.Stop)
	return nil
}

// sendCameraParams sends set_params to every configured target in name
// order. Failures are logged; the requester has already logged unknown
// targets.
func (h *Host) sendCameraParams() {
	h.mu.Lock()
	targets := slices.Sorted(maps.Keys(h.cameraParams))
	params := h.cameraParams
	h.mu.Unlock()

	for _, target := range targets {
		if err := h.requester.SetParams(target, params[target]); err != nil {
			h.logger.Warn("stored camera params not sent", "target", target, "error", err)
		}
	}
}

// RunOnConnect starts op after the session first connects. The returned
// channel receives op's result once it exits on its own or is cancelled.
// Reconnects do not restart it. Must be called before the session runs.
func (h *Host) RunOnConnect(s *mqtt.Session, op *supervisor.Operation) <-chan error {
	result := make(chan error, 1)
	wrapped := &supervisor.Operation{
		Name: op.Name,
		Run: func(ctx context.Context) error {
			err := op.Run(ctx)
			result <- err
			return err
		},
	}

	s.OnConnect(func(bool) {
		h.mu.Lock()
		if h.started {
			h.mu.Unlock()
			return
		}
		h.started = true
		h.mu.Unlock()

		h.sup.SetActive(wrapped)
	})
	return result
}

// Active returns the name of the running operation, or "".
func (h *Host) Active() string {
	return h.sup.Active()
}

// Stop cancels the running operation and waits for it to exit.
func (h *Host) Stop() {
	h.sup.Stop()
}
