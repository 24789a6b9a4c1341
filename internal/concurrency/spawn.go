package concurrency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Outcome classifies how a spawned future finished (spec §4.13).
type Outcome int

const (
	CompletedSuccessfully Outcome = iota
	Canceled
	Error
	Panicked
	TimeExpired
)

func (o Outcome) String() string {
	switch o {
	case CompletedSuccessfully:
		return "CompletedSuccessfully"
	case Canceled:
		return "Canceled"
	case Error:
		return "Error"
	case Panicked:
		return "Panicked"
	case TimeExpired:
		return "TimeExpired"
	default:
		return "Unknown"
	}
}

// ErrOperationCanceled is the sentinel message recognized across both the
// Err and panic paths of SpawnFuture, matching spec §4.13's "a sentinel
// error message 'operation canceled' is recognized across both paths".
var ErrOperationCanceled = errors.New("operation canceled")

// Result is what a spawned future resolves to: its outcome plus, for
// Error/Panicked, the underlying cause.
type Result struct {
	Name    string
	Outcome Outcome
	Err     error
}

// ShutdownRequester is the lifecycle supervisor singleton capability a
// critical task's panic escalates to. The supervisor itself (graceful
// shutdown orchestration) is out of spec scope; this is the narrow
// capability SpawnFuture needs from it (spec §9's "global state is limited
// to the lifecycle supervisor singleton ... injecting it through the
// supervised task builder is acceptable").
type ShutdownRequester interface {
	RequestShutdown(reason string)
}

// Supervisor wraps goroutine launches with panic capture and categorized
// outcome reporting (spec §4.13). One Supervisor is normally shared process-
// wide; it holds no per-task state beyond its logger and optional shutdown
// hook.
type Supervisor struct {
	log      *slog.Logger
	shutdown ShutdownRequester
}

// NewSupervisor creates a supervisor. shutdown may be nil (no escalation on
// critical-task panic, e.g. in tests).
func NewSupervisor(log *slog.Logger, shutdown ShutdownRequester) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{log: log.With("component", "supervisor"), shutdown: shutdown}
}

// SpawnFuture runs fn in a new goroutine, capturing panics and classifying
// the result. It returns immediately with a channel that receives exactly
// one Result (spec §8 property 7: "every critical spawned future produces
// exactly one outcome"). For isCritical tasks, a panic additionally
// escalates to the supervisor's graceful-shutdown hook, if one is wired.
func (s *Supervisor) SpawnFuture(name string, isCritical bool, fn func() error) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := panicError(r)
				s.log.Error("spawned future panicked", "name", name, "panic", r, "stack", string(debug.Stack()))
				if isCritical && s.shutdown != nil {
					s.shutdown.RequestShutdown(fmt.Sprintf("critical task %q panicked: %v", name, r))
				}
				out <- Result{Name: name, Outcome: Panicked, Err: err}
			}
		}()

		err := fn()
		out <- Result{Name: name, Outcome: classify(err), Err: err}
	}()
	return out
}

// SpawnFutureTimed is SpawnFuture with an additional deadline: if fn has not
// resolved by timeout, the returned Result is TimeExpired without aborting
// fn itself — sibling cleanup inside fn keeps running to completion and its
// own eventual Result is simply discarded by the caller that already moved
// on (spec §4.13: "produces TimeExpired without aborting sibling cleanup").
func (s *Supervisor) SpawnFutureTimed(ctx context.Context, name string, isCritical bool, timeout time.Duration, fn func(ctx context.Context) error) <-chan Result {
	inner := s.SpawnFuture(name, isCritical, func() error { return fn(ctx) })

	out := make(chan Result, 1)
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case r := <-inner:
			out <- r
		case <-timer.C:
			out <- Result{Name: name, Outcome: TimeExpired, Err: fmt.Errorf("%s: timed out after %s", name, timeout)}
		}
	}()
	return out
}

func classify(err error) Outcome {
	switch {
	case err == nil:
		return CompletedSuccessfully
	case errors.Is(err, ErrOperationCanceled) || errors.Is(err, context.Canceled):
		return Canceled
	default:
		return Error
	}
}

func panicError(r interface{}) error {
	if err, ok := r.(error); ok {
		if errors.Is(err, ErrOperationCanceled) {
			return err
		}
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
