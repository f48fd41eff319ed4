// Package supervisor runs the host's background loops and collects their
// failures.
//
// Failures are logged as they happen so they are visible while the program
// keeps running, and collected so Wait can report them once at shutdown.
// Errors configured with Suppress, such as the clean end of the stream, are
// neither logged as failures nor reported.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"comms-ccf/logx"
)

var (
	ErrWaitTimeout = errors.New("supervisor: tasks still running")
	ErrPanic       = errors.New("supervisor: task panicked")
)

// Task is a background loop. It should return when ctx is done.
type Task func(ctx context.Context) error

// Handle tracks one spawned task.
type Handle struct {
	name string
	done chan struct{}
	err  error // Set before done is closed
}

func (h *Handle) Name() string { return h.name }

// Done is closed when the task has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task's result. It is nil until Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Failure is one task that ended with an error that was not suppressed.
type Failure struct {
	Task string
	Err  error
}

// AggregateError reports every failed task.
type AggregateError struct {
	Failures []Failure
}

func (e *AggregateError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Task, f.Err)
	}
	return fmt.Sprintf("%d background task(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *AggregateError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // Tracks running tasks

	mu       sync.Mutex
	suppress []error
	handles  []*Handle

	logger zerolog.Logger
}

type Option func(*Supervisor)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// New returns a Supervisor whose tasks run under a child of ctx.
func New(ctx context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{logger: logx.Component("supervisor")}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Context is the context tasks run under. It is done after Cancel.
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// Spawn starts task in its own goroutine. A panic in the task is recovered
// and recorded as an error wrapping ErrPanic.
func (s *Supervisor) Spawn(name string, task Task) *Handle {
	h := &Handle{name: name, done: make(chan struct{})}

	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		h.err = s.run(task)
		s.report(h)
	}()
	return h
}

func (s *Supervisor) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return task(s.ctx)
}

func (s *Supervisor) report(h *Handle) {
	switch {
	case h.err == nil:
		s.logger.Debug().Str("task", h.name).Msg("task finished")
	case s.suppressed(h.err):
		s.logger.Debug().Str("task", h.name).Err(h.err).Msg("task ended")
	default:
		s.logger.Error().Str("task", h.name).Err(h.err).Msg("background task failed")
	}
}

// Suppress adds errors that count as a normal end. A task error matches when
// errors.Is reports it as one of them. It applies to tasks that already
// finished as well, when Wait collects failures.
func (s *Supervisor) Suppress(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppress = append(s.suppress, errs...)
}

func (s *Supervisor) suppressed(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, target := range s.suppress {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Cancel asks every task to stop by cancelling their context.
func (s *Supervisor) Cancel() {
	s.cancel()
}

// Wait blocks until every task has returned or timeout elapses. It returns
// ErrWaitTimeout naming the tasks still running, otherwise an
// *AggregateError if any task failed, otherwise nil.
func (s *Supervisor) Wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("%w after %s: %s", ErrWaitTimeout, timeout, strings.Join(s.running(), ", "))
	}

	s.mu.Lock()
	handles := append([]*Handle(nil), s.handles...)
	s.mu.Unlock()

	var agg AggregateError
	for _, h := range handles {
		if h.err != nil && !s.suppressed(h.err) {
			agg.Failures = append(agg.Failures, Failure{Task: h.name, Err: h.err})
		}
	}
	if len(agg.Failures) > 0 {
		return &agg
	}
	return nil
}

func (s *Supervisor) running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, h := range s.handles {
		select {
		case <-h.done:
		default:
			names = append(names, h.name)
		}
	}
	return names
}
