package driver

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/NetPo4ki/massive-scope/internal/config"
	"github.com/NetPo4ki/massive-scope/scope"
	"github.com/NetPo4ki/massive-scope/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func testConfig(t *testing.T, vars map[string]string) config.Config {
	t.Helper()
	c, err := config.LoadFrom(vars)
	require.NoError(t, err)
	return c
}

func newLogger(buf *syncBuffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func TestStructuredFailFastAllSucceed(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	reg := prometheus.NewRegistry()
	cfg := testConfig(t, map[string]string{
		"THREAD_COUNT": "300", "MAX_LATENCY": "2", "SIZE": "100", "POLICY": "fail_fast", "METRICS": "true",
	})
	sum, err := New(cfg, WithLogger(newLogger(&buf)), WithRegistry(reg)).Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, sum.Err)
	require.Equal(t, scope.StatusAllSucceeded, sum.Status)
	require.Equal(t, 300, sum.Forked)
	require.EqualValues(t, 300, sum.Completed)
	require.EqualValues(t, 3, sum.Sampled)
	require.NotEmpty(t, sum.RunID)

	out := buf.String()
	require.Contains(t, out, `msg="using 300 tasks"`)
	require.Contains(t, out, `msg="task 200 completed"`)
	require.Contains(t, out, `msg="all tasks completed successfully"`)
	require.Contains(t, out, `msg="tasks executed 300"`)
	require.Contains(t, out, `msg="scope metrics"`)
	require.Contains(t, out, "started=300 succeeded=300 failed=0 cancelled=0")
	require.Contains(t, out, "run="+sum.RunID)

	n, err := testutil.GatherAndCount(reg, "scope_tasks_finished_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestStructuredFailureIsReportedNotReturned(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	cfg := testConfig(t, map[string]string{"THREAD_COUNT": "50", "SIZE": "1", "POLICY": "fail_fast"})
	sum, err := New(cfg,
		WithLogger(newLogger(&buf)),
		WithTaskOptions(
			task.WithDelay(func(id task.ID) time.Duration {
				if id == 10 {
					return 5 * time.Millisecond
				}
				return 10 * time.Second
			}),
			task.WithFailure(func(id task.ID) bool { return id == 10 }),
		),
	).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scope.StatusFailed, sum.Status)

	var f *task.Failure
	require.ErrorAs(t, sum.Err, &f)
	require.Equal(t, task.ID(10), f.ID)
	require.Zero(t, sum.Completed)
	require.Equal(t, 1, strings.Count(buf.String(), "level=ERROR"))
	require.Contains(t, buf.String(), `msg="one or more tasks failed"`)
}

func TestStructuredFirstSuccess(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	cfg := testConfig(t, map[string]string{"THREAD_COUNT": "50", "SIZE": "1"})
	sum, err := New(cfg,
		WithLogger(newLogger(&buf)),
		WithTaskOptions(task.WithDelay(func(id task.ID) time.Duration {
			if id == 3 {
				return time.Millisecond
			}
			return 10 * time.Second
		})),
	).Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, sum.Err)
	require.Equal(t, scope.StatusHasResult, sum.Status)
	require.Equal(t, task.ID(3), sum.Winner)
	require.EqualValues(t, 1, sum.Completed)
	require.Contains(t, buf.String(), `msg="first success: task 3"`)
}

func TestStructuredCancelledByParent(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	cfg := testConfig(t, map[string]string{"THREAD_COUNT": "100", "POLICY": "fail_fast"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	sum, err := New(cfg,
		WithLogger(newLogger(&buf)),
		WithTaskOptions(task.WithDelay(func(task.ID) time.Duration { return time.Hour })),
	).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, scope.StatusCancelled, sum.Status)
	require.ErrorIs(t, sum.Err, context.DeadlineExceeded)
	require.Contains(t, buf.String(), `msg="run cancelled"`)
}

func TestUnstructured(t *testing.T) {
	t.Parallel()
	for _, workers := range []string{"0", "4"} {
		t.Run("workers="+workers, func(t *testing.T) {
			t.Parallel()
			var buf syncBuffer
			cfg := testConfig(t, map[string]string{
				"RUNNER": "unstructured", "WORKERS": workers, "THREAD_COUNT": "200", "MAX_LATENCY": "1", "SIZE": "50",
			})
			sum, err := New(cfg,
				WithLogger(newLogger(&buf)),
				WithTaskOptions(task.WithFailure(func(id task.ID) bool { return id == 7 })),
			).Run(context.Background())
			require.NoError(t, err)
			require.Equal(t, 200, sum.Forked)
			require.EqualValues(t, 1, sum.Failed)
			require.EqualValues(t, 199, sum.Completed)
			require.EqualValues(t, 4, sum.Sampled)
			require.EqualError(t, sum.Err, "1 tasks failed")
			require.Contains(t, buf.String(), `msg="task failed"`)
			require.Contains(t, buf.String(), `task=7 error="task 7 failed: injected failure"`)
		})
	}
}

func TestObserverSeesEveryTaskOnce(t *testing.T) {
	t.Parallel()
	obs := &countingObserver{seen: map[scope.TaskID]int{}}
	cfg := testConfig(t, map[string]string{"THREAD_COUNT": "500", "MAX_LATENCY": "3", "CAN_FAIL": "true"})
	sum, err := New(cfg,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithObserver(obs),
		WithTaskOptions(task.WithFailureRate(0.5)),
	).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, obs.seen, sum.Forked)
	for id, n := range obs.seen {
		require.Equal(t, 1, n, "task %d reported %d outcomes", id, n)
	}
	if sum.Status == scope.StatusAllFailed {
		require.True(t, errors.Is(sum.Err, task.ErrInjected))
	}
}

func TestObserversAccumulate(t *testing.T) {
	t.Parallel()
	first := &countingObserver{seen: map[scope.TaskID]int{}}
	second := &countingObserver{seen: map[scope.TaskID]int{}}
	cfg := testConfig(t, map[string]string{"THREAD_COUNT": "20", "MAX_LATENCY": "1", "POLICY": "fail_fast"})
	sum, err := New(cfg,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithObserver(first),
		WithObserver(second),
	).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scope.StatusAllSucceeded, sum.Status)
	require.Len(t, first.seen, 20)
	require.Len(t, second.seen, 20)
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := New(config.Config{SampleEvery: 0}).Run(context.Background())
	require.Error(t, err)
}

type countingObserver struct {
	mu   sync.Mutex
	seen map[scope.TaskID]int
}

func (*countingObserver) ScopeCreated(context.Context, scope.Policy)                {}
func (*countingObserver) ScopeCancelled(context.Context, error)                     {}
func (*countingObserver) ScopeJoined(context.Context, time.Duration, scope.Status) {}
func (*countingObserver) TaskStarted(context.Context, scope.TaskID)                 {}
func (o *countingObserver) TaskFinished(_ context.Context, id scope.TaskID, _ time.Duration, _ scope.TaskState, _ error) {
	o.mu.Lock()
	o.seen[id]++
	o.mu.Unlock()
}
