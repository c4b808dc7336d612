// Package task implements the simulated unit of work forked by both runners:
// a bounded random delay, optional injected failure and sampled progress.
package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// DefaultFailureRate is the probability of an injected failure.
const DefaultFailureRate = 0.01

// ErrInjected is the cause of a failure produced by failure injection.
var ErrInjected = errors.New("injected failure")

// ID identifies one task of a run, in [0, task count).
type ID int

// Failure is raised by a task body that did not complete its work.
type Failure struct {
	ID    ID
	Cause error
}

func (f *Failure) Error() string { return fmt.Sprintf("task %d failed: %v", f.ID, f.Cause) }

func (f *Failure) Unwrap() error { return f.Cause }

// Interrupted is returned when a task observes cancellation while suspended.
// It is not a Failure.
type Interrupted struct {
	ID    ID
	Cause error
}

func (i *Interrupted) Error() string { return fmt.Sprintf("task %d interrupted: %v", i.ID, i.Cause) }

func (i *Interrupted) Unwrap() error { return i.Cause }

// IsInterrupted reports whether err is a cancellation observed by a task,
// either an *Interrupted or a bare context error.
func IsInterrupted(err error) bool {
	var in *Interrupted
	return errors.As(err, &in) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Counter is shared by all tasks of one run. A body that finishes just as
// its scope shuts down is still counted here even though the scope records
// it as cancelled, so Completed may exceed Outcome.Succeeded.
type Counter struct {
	completed atomic.Int64
	sampled   atomic.Int64
}

// Completed is the number of task bodies that ran to completion.
func (c *Counter) Completed() int64 { return c.completed.Load() }

// Sampled is the number of completed tasks that emitted a progress report.
func (c *Counter) Sampled() int64 { return c.sampled.Load() }

// Params are the per-run knobs of the body.
type Params struct {
	MaxLatency     time.Duration
	SampleEvery    int
	InjectFailures bool
}

type Option func(*Body)

// WithDelay replaces the random delay.
func WithDelay(fn func(ID) time.Duration) Option { return func(b *Body) { b.delay = fn } }

// WithFailure replaces the random failure decision. It applies whether or not
// failure injection is enabled.
func WithFailure(fn func(ID) bool) Option { return func(b *Body) { b.fail = fn } }

func WithFailureRate(p float64) Option { return func(b *Body) { b.failureRate = p } }

// WithProgress sets the callback invoked for every sampled task.
func WithProgress(fn func(ID)) Option { return func(b *Body) { b.progress = fn } }

// Body is safe for concurrent use by any number of tasks.
type Body struct {
	params      Params
	failureRate float64
	counter     *Counter
	progress    func(ID)
	delay       func(ID) time.Duration
	fail        func(ID) bool
}

func New(p Params, counter *Counter, opts ...Option) *Body {
	if counter == nil {
		counter = &Counter{}
	}
	b := &Body{params: p, failureRate: DefaultFailureRate, counter: counter}
	for _, opt := range opts {
		opt(b)
	}
	if b.delay == nil {
		b.delay = b.randomDelay
	}
	if b.fail == nil {
		b.fail = b.randomFailure
	}
	return b
}

func (b *Body) Counter() *Counter { return b.counter }

// Run executes task id. The only suspension point is the simulated delay.
func (b *Body) Run(ctx context.Context, id ID) (ID, error) {
	t := time.NewTimer(b.delay(id))
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return id, &Interrupted{ID: id, Cause: ctx.Err()}
	}
	if err := ctx.Err(); err != nil {
		return id, &Interrupted{ID: id, Cause: err}
	}

	if b.fail(id) {
		return id, &Failure{ID: id, Cause: ErrInjected}
	}
	b.counter.completed.Add(1)
	if b.params.SampleEvery > 0 && int(id)%b.params.SampleEvery == 0 {
		b.counter.sampled.Add(1)
		if b.progress != nil {
			b.progress(id)
		}
	}
	return id, nil
}

func (b *Body) randomDelay(ID) time.Duration {
	if b.params.MaxLatency <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(b.params.MaxLatency) + 1))
}

func (b *Body) randomFailure(ID) bool {
	return b.params.InjectFailures && rand.Float64() < b.failureRate
}
