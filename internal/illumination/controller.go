package illumination

import (
	"fmt"

	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/mqtt"
	"github.com/prakashlab/picamera-mqtt/internal/protocol"
	"github.com/prakashlab/picamera-mqtt/internal/supervisor"
)

// Logger defines the logging interface for the illumination controller.
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

// Controller runs illumination commands on a strip, one at a time.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Commands applied
//     concurrently resolve to the most recent one.
type Controller struct {
	strip  Strip
	sup    *supervisor.Supervisor
	logger Logger
}

// NewController creates a controller for strip. logger may be nil.
func NewController(strip Strip, logger Logger) *Controller {
	if logger == nil {
		logger = noopLogger{}
	}
	sup := supervisor.New("illumination")
	sup.SetLogger(logger)
	return &Controller{
		strip:  strip,
		sup:    sup,
		logger: logger,
	}
}

// ModeCommand returns the command for a mode name with default parameters.
func ModeCommand(mode string) (protocol.Command, error) {
	raw, err := protocol.Encode(protocol.KeyMode, mode, nil)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeIllumination(raw)
}

// Attach wires the controller to a session: commands on the illumination
// topic, breathe while disconnected, clear on connect, dark on shutdown.
// Must be called before the session runs.
func (c *Controller) Attach(s *mqtt.Session) error {
	if err := s.Handle(protocol.TopicIllumination, c.HandleMessage); err != nil {
		return fmt.Errorf("registering illumination handler: %w", err)
	}
	s.OnConnect(func(bool) {
		c.applyMode(protocol.ModeClear)
	})
	s.OnDisconnect(func(error) {
		c.applyMode(protocol.ModeBreathe)
	})
	s.OnShutdown(func() {
		if err := c.Close(); err != nil {
			c.logger.Error("clearing lights on shutdown failed", "error", err)
		}
	})
	return nil
}

// HandleMessage decodes and applies one illumination message. Undecodable
// payloads are logged and dropped.
func (c *Controller) HandleMessage(msg mqtt.Message) error {
	cmd, err := protocol.DecodeIllumination(msg.Payload)
	if err != nil {
		protocol.LogDropped(c.logger, msg.Topic, err)
		return nil
	}
	c.logger.Info("setting illumination", "topic", msg.Topic, "payload", protocol.Preview(msg.Payload))
	return c.Apply(cmd)
}

// Apply replaces the running animation with cmd.
func (c *Controller) Apply(cmd protocol.Command) error {
	op, err := Operation(c.strip, cmd)
	if err != nil {
		return err
	}
	c.sup.SetActive(op)
	return nil
}

// Start runs the startup mode before the first connection.
func (c *Controller) Start(mode string) error {
	cmd, err := ModeCommand(mode)
	if err != nil {
		return fmt.Errorf("startup mode: %w", err)
	}
	return c.Apply(cmd)
}

// Active returns the running mode name, or "" when the strip is idle.
func (c *Controller) Active() string {
	return c.sup.Active()
}

// Close stops the running animation and turns the strip off.
func (c *Controller) Close() error {
	c.sup.Stop()
	return Fill(c.strip, protocol.Black)
}

func (c *Controller) applyMode(mode string) {
	cmd, err := ModeCommand(mode)
	if err == nil {
		err = c.Apply(cmd)
	}
	if err != nil {
		c.logger.Error("applying illumination mode failed", "mode", mode, "error", err)
	}
}
