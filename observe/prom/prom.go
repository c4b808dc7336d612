// Package prom provides a Prometheus-backed scope.Observer.
package prom

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/NetPo4ki/massive-scope/scope"
)

const namespace = "scope"

// Metrics implements scope.Observer by updating Prometheus collectors.
type Metrics struct {
	// tasks
	activeTasks   prometheus.Gauge
	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksPanicked prometheus.Counter
	taskDuration  prometheus.Histogram

	// scopes
	scopesCreated   *prometheus.CounterVec
	scopesCancelled prometheus.Counter
	joins           *prometheus.CounterVec
	joinWait        prometheus.Histogram
}

// New registers the collectors on reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		activeTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_tasks",
			Help: "Tasks forked and not yet settled.",
		}),
		tasksStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_started_total",
			Help: "Tasks forked into any scope.",
		}),
		tasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_finished_total",
			Help: "Settled tasks by terminal state.",
		}, []string{"state"}),
		tasksPanicked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_panicked_total",
			Help: "Tasks whose failure was a recovered panic.",
		}),
		taskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds",
			Help:    "Time from fork to settle.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		scopesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scopes_created_total",
			Help: "Scopes created by policy.",
		}, []string{"policy"}),
		scopesCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scopes_cancelled_total",
			Help: "Scopes shut down by their policy or from outside.",
		}),
		joins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "joins_total",
			Help: "Completed joins by outcome status.",
		}, []string{"status"}),
		joinWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "join_wait_seconds",
			Help:    "Time spent blocked in Join.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
}

// ScopeCreated counts a new scope under its policy.
func (m *Metrics) ScopeCreated(_ context.Context, policy scope.Policy) {
	m.scopesCreated.WithLabelValues(policy.String()).Inc()
}

// ScopeCancelled records a scope shutdown.
func (m *Metrics) ScopeCancelled(_ context.Context, _ error) {
	m.scopesCancelled.Inc()
}

// ScopeJoined records the join outcome and how long Join blocked.
func (m *Metrics) ScopeJoined(_ context.Context, wait time.Duration, status scope.Status) {
	m.joins.WithLabelValues(status.String()).Inc()
	m.joinWait.Observe(wait.Seconds())
}

// TaskStarted records a forked task.
func (m *Metrics) TaskStarted(_ context.Context, _ scope.TaskID) {
	m.activeTasks.Inc()
	m.tasksStarted.Inc()
}

// TaskFinished records a settled task by state, and panics separately.
func (m *Metrics) TaskFinished(_ context.Context, _ scope.TaskID, dur time.Duration, state scope.TaskState, err error) {
	m.activeTasks.Dec()
	m.tasksFinished.WithLabelValues(state.String()).Inc()
	var perr *scope.PanicError
	if errors.As(err, &perr) {
		m.tasksPanicked.Inc()
	}
	m.taskDuration.Observe(dur.Seconds())
}

// Snapshot is a point-in-time copy of the collectors.
type Snapshot struct {
	ActiveTasks     int64
	TasksStarted    int64
	TasksSucceeded  int64
	TasksFailed     int64
	TasksCancelled  int64
	TasksPanicked   int64
	TaskDurSum      time.Duration
	ScopesCreated   int64
	ScopesCancelled int64
	Joins           int64
	JoinWaitSum     time.Duration
}

// GetSnapshot reads the current collector values.
func (m *Metrics) GetSnapshot() Snapshot {
	return Snapshot{
		ActiveTasks:     int64(gaugeValue(m.activeTasks)),
		TasksStarted:    int64(counterValue(m.tasksStarted)),
		TasksSucceeded:  int64(vecValue(m.tasksFinished, scope.TaskSucceeded.String())),
		TasksFailed:     int64(vecValue(m.tasksFinished, scope.TaskFailed.String())),
		TasksCancelled:  int64(vecValue(m.tasksFinished, scope.TaskCancelled.String())),
		TasksPanicked:   int64(counterValue(m.tasksPanicked)),
		TaskDurSum:      histogramSum(m.taskDuration),
		ScopesCreated:   int64(vecValue(m.scopesCreated, "")),
		ScopesCancelled: int64(counterValue(m.scopesCancelled)),
		Joins:           int64(vecValue(m.joins, "")),
		JoinWaitSum:     histogramSum(m.joinWait),
	}
}

func counterValue(c prometheus.Counter) float64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	var pb dto.Metric
	if err := g.Write(&pb); err != nil {
		return 0
	}
	return pb.GetGauge().GetValue()
}

func histogramSum(h prometheus.Histogram) time.Duration {
	var pb dto.Metric
	if err := h.Write(&pb); err != nil {
		return 0
	}
	return time.Duration(pb.GetHistogram().GetSampleSum() * float64(time.Second))
}

// vecValue sums the children of v whose single label equals value, or all
// children when value is empty. Unlike WithLabelValues it creates no series.
func vecValue(v *prometheus.CounterVec, value string) float64 {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		v.Collect(ch)
		close(ch)
	}()
	var sum float64
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			continue
		}
		if value != "" && (len(pb.GetLabel()) != 1 || pb.GetLabel()[0].GetValue() != value) {
			continue
		}
		sum += pb.GetCounter().GetValue()
	}
	return sum
}
