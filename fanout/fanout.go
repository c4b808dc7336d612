// Package fanout runs N independent tasks with no shared cancellation and
// waits for all of them to drain. It is the unstructured baseline the scope
// package improves upon: a failing task never affects its siblings.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"
	"golang.org/x/sync/errgroup"

	"github.com/NetPo4ki/massive-scope/task"
)

// ErrNegativeCount is returned by Run for n < 0.
var ErrNegativeCount = errors.New("fanout: negative task count")

// Func is the body run for every task id.
type Func func(ctx context.Context, id task.ID) error

// Report summarises one drained run.
type Report struct {
	Tasks       int
	Failed      int64
	Interrupted int64
	Panicked    int64
	Elapsed     time.Duration
}

type Option func(*Runner)

func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithWorkers runs tasks on a pool of n workers instead of one goroutine per
// task. n <= 0 keeps the goroutine-per-task mode.
func WithWorkers(n int) Option { return func(r *Runner) { r.workers = n } }

type Runner struct {
	logger  *slog.Logger
	workers int
}

func New(opts ...Option) *Runner {
	r := &Runner{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Run spawns n tasks and blocks until every one of them has returned. ctx is
// handed to each task as is; cancelling it interrupts tasks individually but
// Run still drains all of them.
func (r *Runner) Run(ctx context.Context, n int, fn Func) (Report, error) {
	if n < 0 {
		return Report{}, fmt.Errorf("%w: %d", ErrNegativeCount, n)
	}
	if fn == nil {
		return Report{}, errors.New("fanout: nil task func")
	}

	var failed, interrupted, panicked atomic.Int64
	exec := func(id task.ID) {
		defer func() {
			if v := recover(); v != nil {
				panicked.Add(1)
				r.logger.Error("task panicked", "task", int(id), "panic", v)
			}
		}()
		err := fn(ctx, id)
		switch {
		case err == nil:
		case task.IsInterrupted(err):
			interrupted.Add(1)
			r.logger.Debug("task interrupted", "task", int(id), "error", err)
		default:
			failed.Add(1)
			r.logger.Warn("task failed", "task", int(id), "error", err)
		}
	}

	start := time.Now()
	if r.workers > 0 {
		pool := pond.New(r.workers, n)
		for i := 0; i < n; i++ {
			id := task.ID(i)
			pool.Submit(func() { exec(id) })
		}
		pool.StopAndWait()
	} else {
		var g errgroup.Group
		for i := 0; i < n; i++ {
			id := task.ID(i)
			g.Go(func() error {
				exec(id)
				return nil
			})
		}
		_ = g.Wait()
	}

	return Report{
		Tasks:       n,
		Failed:      failed.Load(),
		Interrupted: interrupted.Load(),
		Panicked:    panicked.Load(),
		Elapsed:     time.Since(start),
	}, nil
}
