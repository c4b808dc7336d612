package scope

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Policy selects what a scope does when one of its tasks settles.
type Policy int

const (
	// FailFast cancels the remaining tasks on the first failure.
	FailFast Policy = iota
	// FirstSuccess cancels the remaining tasks on the first success.
	FirstSuccess
)

func (p Policy) String() string {
	switch p {
	case FailFast:
		return "fail_fast"
	case FirstSuccess:
		return "first_success"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts "fail_fast" or "first_success" (case-insensitive,
// '-' and '_' interchangeable), plus the shutdown_on_failure and
// shutdown_on_success aliases.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "fail_fast", "failfast", "shutdown_on_failure":
		return FailFast, nil
	case "first_success", "firstsuccess", "shutdown_on_success":
		return FirstSuccess, nil
	}
	return 0, fmt.Errorf("scope: unknown policy %q", s)
}

func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type Option func(*Options)

type Options struct {
	PanicAsError   bool
	Observer       Observer
	MaxConcurrency int
}

func defaultOptions() Options { return Options{PanicAsError: true} }

func WithPanicAsError(v bool) Option { return func(o *Options) { o.PanicAsError = v } }

func WithObserver(obs Observer) Option { return func(o *Options) { o.Observer = obs } }

func WithMaxConcurrency(n int) Option { return func(o *Options) { o.MaxConcurrency = n } }

// Task is the body of a forked task. It must return promptly once ctx is done.
type Task[T any] func(ctx context.Context) (T, error)

var errJoined = errors.New("scope: joined")

type taskFailure struct {
	id  TaskID
	err error
}

// Scope forks tasks, joins them as a unit and resolves one Outcome according
// to its Policy. A Scope must not be copied.
type Scope[T any] struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	policy Policy
	wg     sync.WaitGroup

	mu        sync.Mutex
	nextID    TaskID
	pending   map[TaskID]struct{}
	terminal  *Outcome[T]
	firstFail *taskFailure
	canceled  bool
	joining   bool
	done      bool
	succeeded int
	failed    int
	cancelled int

	joinOnce sync.Once
	result   Outcome[T]

	opts Options
	obs  Observer
	lim  Limiter
}

func New[T any](parent context.Context, policy Policy, optFns ...Option) *Scope[T] {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return newScope[T](parent, policy, opts)
}

func newScope[T any](parent context.Context, policy Policy, opts Options) *Scope[T] {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	s := &Scope[T]{
		ctx:     ctx,
		cancel:  cancel,
		policy:  policy,
		pending: make(map[TaskID]struct{}),
		opts:    opts,
		obs:     opts.Observer,
		lim:     newSemaphoreLimiter(opts.MaxConcurrency),
	}
	if s.obs != nil {
		s.obs.ScopeCreated(ctx, policy)
	}
	return s
}

// Run creates a scope, calls body to fork tasks into it and joins it on every
// exit path. An error from body cancels the scope and is returned as is.
func Run[T any](ctx context.Context, policy Policy, body func(s *Scope[T]) error, optFns ...Option) (T, error) {
	s := New[T](ctx, policy, optFns...)
	defer func() { _ = s.Close() }()
	if err := body(s); err != nil {
		s.Cancel(err)
		s.Join()
		var zero T
		return zero, err
	}
	return s.Wait()
}

func (s *Scope[T]) Context() context.Context { return s.ctx }

func (s *Scope[T]) Policy() Policy { return s.policy }

// Pending returns the number of forked tasks that have not settled yet.
func (s *Scope[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Go forks fn. It fails with ErrIllegalUse once Join has been called or the
// scope has been cancelled, including a shutdown triggered by its policy.
func (s *Scope[T]) Go(fn Task[T]) (TaskID, error) {
	if fn == nil {
		return 0, ErrNilTask
	}
	s.mu.Lock()
	if s.joining {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: fork after join", ErrIllegalUse)
	}
	if s.canceled || s.ctx.Err() != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: fork on cancelled scope", ErrIllegalUse)
	}
	id := s.nextID
	s.nextID++
	s.pending[id] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(id, fn)
	return id, nil
}

func (s *Scope[T]) run(id TaskID, fn Task[T]) {
	defer s.wg.Done()

	var start time.Time
	if s.obs != nil {
		start = time.Now()
		s.obs.TaskStarted(s.ctx, id)
	}

	var (
		val T
		err error
	)
	if s.lim != nil {
		if err := s.lim.Acquire(s.ctx); err != nil {
			s.settle(id, start, val, err)
			return
		}
		defer s.lim.Release()
	}
	// A task scheduled after shutdown never runs its body.
	if s.ctx.Err() == nil {
		val, err = s.call(id, start, fn)
	}
	s.settle(id, start, val, err)
}

func (s *Scope[T]) call(id TaskID, start time.Time, fn Task[T]) (val T, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		perr := newPanicError(r)
		if !s.opts.PanicAsError {
			if s.obs != nil {
				s.obs.TaskFinished(s.ctx, id, time.Since(start), TaskFailed, perr)
			}
			panic(r)
		}
		err = perr
	}()
	return fn(s.ctx)
}

// settle records the terminal state of one task. Whoever settles first under
// the lock while the scope is still live decides the policy outcome; anything
// settling after the scope context is done counts as cancelled.
func (s *Scope[T]) settle(id TaskID, start time.Time, val T, err error) {
	s.mu.Lock()
	delete(s.pending, id)
	state := TaskSucceeded
	switch {
	case s.ctx.Err() != nil:
		state = TaskCancelled
	case err != nil:
		state = TaskFailed
	}

	var shutdown error
	switch state {
	case TaskSucceeded:
		s.succeeded++
		if s.policy == FirstSuccess {
			s.terminal = &Outcome[T]{Status: StatusHasResult, Value: val, TaskID: id}
			shutdown = ErrShutdown
		}
	case TaskFailed:
		s.failed++
		if s.firstFail == nil {
			s.firstFail = &taskFailure{id: id, err: err}
		}
		if s.policy == FailFast {
			s.terminal = &Outcome[T]{Status: StatusFailed, TaskID: id, Cause: err}
			shutdown = err
		}
	case TaskCancelled:
		s.cancelled++
		if err == nil {
			err = context.Cause(s.ctx)
		}
	}
	if shutdown != nil {
		s.canceled = true
		s.cancel(shutdown)
	}
	s.mu.Unlock()

	if s.obs != nil {
		if shutdown != nil {
			s.obs.ScopeCancelled(s.ctx, shutdown)
		}
		var dur time.Duration
		if !start.IsZero() {
			dur = time.Since(start)
		}
		s.obs.TaskFinished(s.ctx, id, dur, state, err)
	}
}

// Cancel shuts the scope down from outside. The first call records cause
// (context.Canceled if nil) as the outcome unless the policy already resolved
// one; later calls are no-ops.
func (s *Scope[T]) Cancel(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	s.mu.Lock()
	first := !s.canceled && !s.done
	if first {
		s.canceled = true
		if s.terminal == nil {
			s.terminal = &Outcome[T]{Status: StatusCancelled, Cause: cause}
		}
	}
	s.cancel(cause)
	s.mu.Unlock()

	if first && s.obs != nil {
		s.obs.ScopeCancelled(s.ctx, cause)
	}
}

// Join blocks until every forked task has settled and returns the resolved
// Outcome. It never fails; later calls return the same Outcome. Join must
// not be called from one of the scope's own tasks.
func (s *Scope[T]) Join() Outcome[T] {
	s.joinOnce.Do(func() {
		var start time.Time
		if s.obs != nil {
			start = time.Now()
		}
		s.mu.Lock()
		s.joining = true
		s.mu.Unlock()

		s.wg.Wait()

		s.mu.Lock()
		s.result = s.resolve()
		s.done = true
		s.mu.Unlock()
		s.cancel(errJoined)

		if s.obs != nil {
			s.obs.ScopeJoined(s.ctx, time.Since(start), s.result.Status)
		}
	})
	return s.result
}

// Wait joins the scope and returns the FirstSuccess value (if any) together
// with Outcome.Err.
func (s *Scope[T]) Wait() (T, error) {
	out := s.Join()
	return out.Value, out.Err()
}

// Close cancels the scope if it was never joined, then joins it. It is meant
// to be deferred right after New.
func (s *Scope[T]) Close() error {
	s.mu.Lock()
	joining := s.joining
	s.mu.Unlock()
	if !joining {
		s.Cancel(ErrClosed)
	}
	return s.Join().Err()
}

// Child creates a nested scope bound to s's context. Options are inherited
// and may be overridden.
func (s *Scope[T]) Child(policy Policy, optFns ...Option) *Scope[T] {
	childOpts := s.opts
	for _, fn := range optFns {
		fn(&childOpts)
	}
	return newScope[T](s.ctx, policy, childOpts)
}

func (s *Scope[T]) resolve() Outcome[T] {
	var out Outcome[T]
	switch {
	case s.terminal != nil:
		out = *s.terminal
	case s.cancelled > 0 && s.ctx.Err() != nil:
		out = Outcome[T]{Status: StatusCancelled, Cause: context.Cause(s.ctx)}
	case s.policy == FirstSuccess:
		out = Outcome[T]{Status: StatusAllFailed, Cause: ErrNoTasks}
		if s.firstFail != nil {
			out.TaskID = s.firstFail.id
			out.Cause = s.firstFail.err
		}
	default:
		out = Outcome[T]{Status: StatusAllSucceeded}
	}
	out.Policy = s.policy
	out.Succeeded = s.succeeded
	out.Failed = s.failed
	out.Cancelled = s.cancelled
	return out
}
