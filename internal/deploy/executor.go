package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/config"
	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/mqtt"
	"github.com/prakashlab/picamera-mqtt/internal/process"
	"github.com/prakashlab/picamera-mqtt/internal/protocol"
)

// actionTimeout bounds one deployment action.
const actionTimeout = 5 * time.Minute

// ErrDisabled is returned for system actions when deployment is disabled.
var ErrDisabled = errors.New("deployment actions are disabled")

// Runner runs external commands. *process.Runner implements it.
type Runner interface {
	Run(ctx context.Context, cmd process.Command) (process.Result, error)
}

// Logger defines the logging interface for deployment actions.
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

// Executor runs deployment actions.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Executor struct {
	cfg    config.DeployConfig
	runner Runner
	stop   func()
	logger Logger

	wg sync.WaitGroup
}

// NewExecutor creates an executor. stop ends the client, typically by
// cancelling the session context; it runs after reboot, shutdown and stop.
// logger may be nil.
func NewExecutor(cfg config.DeployConfig, runner Runner, stop func(), logger Logger) *Executor {
	if logger == nil {
		logger = noopLogger{}
	}
	if stop == nil {
		stop = func() {}
	}
	return &Executor{
		cfg:    cfg,
		runner: runner,
		stop:   stop,
		logger: logger,
	}
}

// Attach registers the deployment handler. Must be called before the
// session runs.
func (e *Executor) Attach(s *mqtt.Session) error {
	if err := s.Handle(protocol.TopicDeployment, e.HandleMessage); err != nil {
		return fmt.Errorf("registering deployment handler: %w", err)
	}
	return nil
}

// HandleMessage is the deployment topic handler. The action runs in the
// background; unknown actions are logged and dropped.
func (e *Executor) HandleMessage(msg mqtt.Message) error {
	action, err := protocol.ParseDeployAction(msg.Payload)
	if err != nil {
		protocol.LogDropped(e.logger, msg.Topic, err)
		return nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if err := e.Execute(ctx, action); err != nil {
			e.logger.Error("deployment action failed", "action", string(action), "error", err)
		}
	}()
	return nil
}

// Wait blocks until background actions started by HandleMessage finish.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Execute runs action and waits for it.
func (e *Executor) Execute(ctx context.Context, action protocol.DeployAction) error {
	if action == protocol.DeployStop {
		e.logger.Info("stopping on deployment command")
		e.stop()
		return nil
	}

	cmds, err := e.Plan(action)
	if err != nil {
		return err
	}
	if !e.cfg.Enabled {
		e.logger.Warn("ignoring deployment action", "action", string(action), "reason", ErrDisabled)
		return ErrDisabled
	}

	e.logger.Info("running deployment action", "action", string(action))
	for _, cmd := range cmds {
		e.logger.Debug("running command", "command", cmd.String())
		if _, err := e.runner.Run(ctx, cmd); err != nil {
			return fmt.Errorf("%s: %w", action, err)
		}
	}

	if action == protocol.DeployReboot || action == protocol.DeployShutdown {
		e.stop()
	}
	return nil
}

// Plan returns the commands action runs, in order.
func (e *Executor) Plan(action protocol.DeployAction) ([]process.Command, error) {
	switch action {
	case protocol.DeployReboot:
		return []process.Command{systemctl("reboot", "reboot")}, nil
	case protocol.DeployShutdown:
		return []process.Command{systemctl("poweroff", "poweroff")}, nil
	case protocol.DeployRestart:
		return e.restartCommands(), nil
	case protocol.DeployUpdate:
		pull := process.Command{
			Name:    "git-pull",
			Binary:  "sudo",
			Args:    []string{"-u", e.cfg.PiUsername, "git", "pull"},
			WorkDir: e.cfg.RepoDir,
		}
		return append([]process.Command{pull}, e.restartCommands()...), nil
	case protocol.DeployStop:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: deployment action %q", protocol.ErrUnknownAction, action)
	}
}

func (e *Executor) restartCommands() []process.Command {
	return []process.Command{
		systemctl("daemon-reload", "daemon-reload"),
		systemctl("restart-service", "restart", e.cfg.ServiceName),
	}
}

func systemctl(name string, args ...string) process.Command {
	return process.Command{Name: name, Binary: "systemctl", Args: args}
}
