package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// defaultGracefulTimeout is how long a cancelled command gets between
// SIGTERM and SIGKILL.
const defaultGracefulTimeout = 5 * time.Second

// stderrLogLimit caps how much stderr is copied into log lines.
const stderrLogLimit = 1024

// ErrEmptyCommand is returned when a Command has no binary.
var ErrEmptyCommand = errors.New("command binary is empty")

// Command describes one invocation of an external program.
type Command struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the executable, resolved through PATH when not absolute.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format).
	// If nil, inherits from parent process.
	Env []string

	// WorkDir is the working directory for the process.
	// If empty, inherits from parent process.
	WorkDir string

	// Stdin is fed to the process when non-nil.
	Stdin []byte

	// GracefulTimeout overrides the runner's SIGTERM to SIGKILL delay.
	GracefulTimeout time.Duration
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// ExitError is returned when a command exits with a non-zero status.
type ExitError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with status %d", e.Name, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Name, e.ExitCode, e.Stderr)
}

// Logger defines the logging interface for the runner.
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

// Runner executes commands to completion.
//
// Thread Safety:
//   - Run is safe for concurrent use; each call owns its process.
type Runner struct {
	logger          Logger
	gracefulTimeout time.Duration
}

// NewRunner creates a runner with the default graceful timeout.
func NewRunner() *Runner {
	return &Runner{
		logger:          noopLogger{},
		gracefulTimeout: defaultGracefulTimeout,
	}
}

// SetLogger sets the logger for the runner.
func (r *Runner) SetLogger(logger Logger) {
	r.logger = logger
}

// SetGracefulTimeout sets the default SIGTERM to SIGKILL delay.
func (r *Runner) SetGracefulTimeout(d time.Duration) {
	if d > 0 {
		r.gracefulTimeout = d
	}
}

// Run starts cmd and waits for it to exit.
//
// A non-zero exit returns the captured Result together with an *ExitError.
// If ctx is cancelled first, the process group is terminated and ctx.Err()
// is returned wrapped.
func (r *Runner) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Binary == "" {
		return Result{}, ErrEmptyCommand
	}
	name := cmd.Name
	if name == "" {
		name = cmd.Binary
	}

	c := exec.Command(cmd.Binary, cmd.Args...) //nolint:gosec // commands come from configuration, not from messages

	// Create a new process group so we can signal all children on cancel
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if cmd.Env != nil {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	if cmd.WorkDir != "" {
		c.Dir = cmd.WorkDir
	}
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	r.logger.Debug("running command", "name", name, "command", cmd.String())

	start := time.Now()
	if err := c.Start(); err != nil {
		return Result{}, fmt.Errorf("starting %s: %w", name, err)
	}

	exitCh := make(chan error, 1)
	go func() {
		exitCh <- c.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-exitCh:
	case <-ctx.Done():
		timeout := cmd.GracefulTimeout
		if timeout <= 0 {
			timeout = r.gracefulTimeout
		}
		r.terminate(name, c.Process.Pid, timeout, exitCh)
		return r.result(&stdout, &stderr, -1, start), fmt.Errorf("%s: %w", name, ctx.Err())
	}

	res := r.result(&stdout, &stderr, 0, start)
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, fmt.Errorf("waiting for %s: %w", name, waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
		r.logger.Warn("command failed",
			"name", name,
			"exit_code", res.ExitCode,
			"stderr", truncate(res.Stderr),
			"duration", res.Duration,
		)
		return res, &ExitError{Name: name, ExitCode: res.ExitCode, Stderr: truncate(res.Stderr)}
	}

	r.logger.Debug("command finished", "name", name, "duration", res.Duration)
	return res, nil
}

// terminate signals the process group and waits for the process to exit.
func (r *Runner) terminate(name string, pid int, timeout time.Duration, exitCh <-chan error) {
	r.logger.Info("cancelling command", "name", name, "pid", pid)

	// Negative PID signals the process group created via Setpgid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.logger.Warn("failed to send SIGTERM to process group", "name", name, "error", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-exitCh:
		return
	case <-timer.C:
		r.logger.Warn("graceful shutdown timeout, sending SIGKILL", "name", name, "timeout", timeout)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.logger.Error("failed to kill process group", "name", name, "error", err)
	}
	<-exitCh
}

func (r *Runner) result(stdout, stderr *bytes.Buffer, code int, start time.Time) Result {
	return Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: code,
		Duration: time.Since(start),
	}
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrLogLimit {
		return s[:stderrLogLimit] + "..."
	}
	return s
}
