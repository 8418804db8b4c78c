package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Operation is a long-running, cancellable activity such as a light
// pattern or a timelapse.
//
// Run must return soon after ctx is cancelled. It should check ctx at
// every frame or polling step.
type Operation struct {
	Name string
	Run  func(ctx context.Context) error
}

// Logger defines the logging interface for the supervisor.
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

// task is the running instance of an Operation.
type task struct {
	name    string
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

// Supervisor runs at most one Operation at a time.
//
// SetActive replaces the running operation: the old one is cancelled and
// awaited before the new one starts. Calls that are overtaken by a later
// call while waiting never start their operation.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Supervisor struct {
	name   string
	logger Logger

	// replaceMu serialises replacements.
	replaceMu sync.Mutex
	latest    atomic.Uint64

	mu     sync.Mutex
	active *task
}

// New creates an idle supervisor. name identifies it in logs.
func New(name string) *Supervisor {
	return &Supervisor{
		name:   name,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// SetActive cancels the running operation, waits for it to exit, then
// starts op. A nil op only stops the current one.
//
// SetActive blocks until the previous operation has exited. If another
// SetActive call is made meanwhile, op is dropped without being started.
func (s *Supervisor) SetActive(op *Operation) {
	gen := s.latest.Add(1)

	s.replaceMu.Lock()
	defer s.replaceMu.Unlock()

	s.mu.Lock()
	prev := s.active
	s.mu.Unlock()

	if prev != nil {
		s.logger.Debug("cancelling operation", "supervisor", s.name, "operation", prev.name)
		prev.cancel()
		<-prev.done
	}

	if op == nil {
		return
	}
	if s.latest.Load() != gen {
		s.logger.Debug("operation superseded before start", "supervisor", s.name, "operation", op.Name)
		return
	}

	s.start(op)
}

// Stop cancels the running operation and waits for it to exit.
func (s *Supervisor) Stop() {
	s.SetActive(nil)
}

// start launches op. Called with replaceMu held and no active operation.
func (s *Supervisor) start(op *Operation) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		name:    op.Name,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}

	s.mu.Lock()
	s.active = t
	s.mu.Unlock()

	s.logger.Info("operation started", "supervisor", s.name, "operation", op.Name)

	go func() {
		defer close(t.done)
		defer cancel()
		defer func() {
			s.mu.Lock()
			if s.active == t {
				s.active = nil
			}
			s.mu.Unlock()
		}()

		err := s.run(ctx, op)
		switch {
		case err == nil:
			s.logger.Info("operation finished", "supervisor", s.name, "operation", op.Name,
				"duration", time.Since(t.started))
		case errors.Is(err, context.Canceled):
			s.logger.Debug("operation cancelled", "supervisor", s.name, "operation", op.Name)
		default:
			s.logger.Error("operation failed", "supervisor", s.name, "operation", op.Name, "error", err)
		}
	}()
}

// run calls op.Run, turning a panic into an error.
func (s *Supervisor) run(ctx context.Context, op *Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Operation: op.Name, Value: r}
		}
	}()
	return op.Run(ctx)
}

// Active returns the name of the running operation, or "" when idle.
func (s *Supervisor) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.name
}
