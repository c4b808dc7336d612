// Package driver wires configuration, task body and runner together and
// reports the run.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NetPo4ki/massive-scope/fanout"
	"github.com/NetPo4ki/massive-scope/internal/config"
	"github.com/NetPo4ki/massive-scope/internal/humanize"
	"github.com/NetPo4ki/massive-scope/observe/prom"
	"github.com/NetPo4ki/massive-scope/observe/slogobs"
	"github.com/NetPo4ki/massive-scope/scope"
	"github.com/NetPo4ki/massive-scope/task"
)

// Summary is the result of one run. Err holds the aggregate failure or
// cancellation reported by the runner; it is logged, not returned.
type Summary struct {
	RunID     string
	Mode      config.Mode
	Policy    scope.Policy
	Tasks     int
	Forked    int
	Completed int64
	Sampled   int64
	Elapsed   time.Duration

	// structured mode
	Status scope.Status
	Winner task.ID

	// unstructured mode
	Failed      int64
	Interrupted int64

	Err error
}

type Option func(*Driver)

func WithLogger(l *slog.Logger) Option { return func(d *Driver) { d.logger = l } }

// WithRegistry registers the scope metrics on reg. The metrics accumulate
// across runs of the same Driver.
func WithRegistry(reg prometheus.Registerer) Option { return func(d *Driver) { d.reg = reg } }

// WithTaskOptions adds options to the task body, e.g. deterministic delays.
func WithTaskOptions(opts ...task.Option) Option {
	return func(d *Driver) { d.taskOpts = append(d.taskOpts, opts...) }
}

// WithObserver adds an observer next to the built-in metrics and log ones.
// It may be given more than once.
func WithObserver(obs scope.Observer) Option {
	return func(d *Driver) { d.extra = append(d.extra, obs) }
}

type Driver struct {
	cfg      config.Config
	logger   *slog.Logger
	reg      prometheus.Registerer
	taskOpts []task.Option
	extra    []scope.Observer
	metrics  *prom.Metrics
}

func New(cfg config.Config, opts ...Option) *Driver {
	d := &Driver{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.metrics = prom.New(d.reg)
	return d
}

// Run executes one run. It only fails on invalid configuration; task
// failures and cancellation end up in Summary.Err.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	if err := d.cfg.Validate(); err != nil {
		return Summary{}, err
	}
	sum := Summary{
		RunID:  uuid.NewString(),
		Mode:   d.cfg.Mode,
		Policy: d.cfg.Policy,
		Tasks:  d.cfg.TaskCount,
	}
	logger := d.logger.With("run", sum.RunID)

	counter := &task.Counter{}
	opts := append([]task.Option{task.WithProgress(func(id task.ID) {
		logger.Info(fmt.Sprintf("task %s completed", humanize.Int(id)))
	})}, d.taskOpts...)
	body := task.New(d.cfg.TaskParams(), counter, opts...)

	if d.cfg.Mode == config.Structured {
		logger.Info("structured task scope", "policy", d.cfg.Policy)
	} else {
		logger.Info("unstructured fan-out", "workers", d.cfg.Workers)
	}
	logger.Info(fmt.Sprintf("using %s tasks", humanize.Int(d.cfg.TaskCount)))
	logger.Info(fmt.Sprintf("max latency is %s millis", humanize.Int(d.cfg.MaxLatency)))

	start := time.Now()
	switch d.cfg.Mode {
	case config.Unstructured:
		d.runUnstructured(ctx, logger, body, &sum)
	default:
		d.runStructured(ctx, logger, body, &sum)
	}
	sum.Elapsed = time.Since(start)
	sum.Completed = counter.Completed()
	sum.Sampled = counter.Sampled()

	logger.Info(fmt.Sprintf("all tasks (%s) finished in %s milliseconds",
		humanize.Int(sum.Forked), humanize.Int(sum.Elapsed.Milliseconds())))
	logger.Info(fmt.Sprintf("tasks executed %s", humanize.Int(sum.Completed)))
	if d.cfg.Metrics && d.cfg.Mode == config.Structured {
		snap := d.metrics.GetSnapshot()
		logger.Info("scope metrics",
			"started", snap.TasksStarted,
			"succeeded", snap.TasksSucceeded,
			"failed", snap.TasksFailed,
			"cancelled", snap.TasksCancelled,
			"panicked", snap.TasksPanicked,
			"join_wait", snap.JoinWaitSum,
		)
	}
	return sum, nil
}

func (d *Driver) runStructured(ctx context.Context, logger *slog.Logger, body *task.Body, sum *Summary) {
	obs := scope.Observers(append([]scope.Observer{d.metrics, slogobs.New(logger)}, d.extra...)...)

	s := scope.New[task.ID](ctx, d.cfg.Policy,
		scope.WithObserver(obs),
		scope.WithMaxConcurrency(d.cfg.MaxConcurrency),
	)
	defer func() { _ = s.Close() }()

	for i := 0; i < d.cfg.TaskCount; i++ {
		id := task.ID(i)
		if _, err := s.Go(func(ctx context.Context) (task.ID, error) { return body.Run(ctx, id) }); err != nil {
			logger.Debug("stopped forking", "forked", i, "error", err)
			break
		}
		sum.Forked++
	}

	out := s.Join()
	sum.Status = out.Status
	sum.Err = out.Err()
	switch out.Status {
	case scope.StatusAllSucceeded:
		logger.Info("all tasks completed successfully")
	case scope.StatusHasResult:
		sum.Winner = out.Value
		logger.Info(fmt.Sprintf("first success: task %s", humanize.Int(out.Value)))
	case scope.StatusCancelled:
		logger.Warn("run cancelled", "cause", sum.Err)
	default:
		logger.Error("one or more tasks failed", "error", sum.Err)
	}
}

func (d *Driver) runUnstructured(ctx context.Context, logger *slog.Logger, body *task.Body, sum *Summary) {
	r := fanout.New(fanout.WithLogger(logger), fanout.WithWorkers(d.cfg.Workers))
	rep, err := r.Run(ctx, d.cfg.TaskCount, func(ctx context.Context, id task.ID) error {
		_, err := body.Run(ctx, id)
		return err
	})
	if err != nil {
		sum.Err = err
		logger.Error("fan-out failed", "error", err)
		return
	}
	sum.Forked = rep.Tasks
	sum.Failed = rep.Failed
	sum.Interrupted = rep.Interrupted
	switch {
	case rep.Interrupted > 0:
		sum.Err = fmt.Errorf("%d tasks interrupted: %w", rep.Interrupted, context.Cause(ctx))
		logger.Warn("run cancelled", "interrupted", rep.Interrupted)
	case rep.Failed > 0 || rep.Panicked > 0:
		sum.Err = fmt.Errorf("%d tasks failed", rep.Failed+rep.Panicked)
		logger.Warn("some tasks failed", "failed", rep.Failed, "panicked", rep.Panicked)
	default:
		logger.Info("all tasks completed successfully")
	}
}
