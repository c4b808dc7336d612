package errgroup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGroupAllSucceed(t *testing.T) {
	t.Parallel()
	g, _ := WithContext(context.Background())
	var ran atomic.Int32
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			time.Sleep(time.Duration(i) * time.Millisecond)
			ran.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := ran.Load(); got != 8 {
		t.Fatalf("ran %d functions, want 8", got)
	}
}

func TestGroupFirstErrorCancelsContext(t *testing.T) {
	t.Parallel()
	g, gctx := WithContext(context.Background())
	boom := errors.New("boom")
	observed := make(chan error, 1)
	started := make(chan struct{})
	g.Go(func() error {
		close(started)
		select {
		case <-gctx.Done():
			observed <- context.Cause(gctx)
		case <-time.After(time.Second):
			observed <- nil
		}
		return nil
	})
	<-started
	g.Go(func() error { return boom })

	if err := g.Wait(); !errors.Is(err, boom) || err.Error() != "boom" {
		t.Fatalf("Wait = %v, want the failing function's error", err)
	}
	if cause := <-observed; !errors.Is(cause, boom) {
		t.Fatalf("sibling saw cause %v, want %v", cause, boom)
	}
}

func TestGroupParentDone(t *testing.T) {
	t.Parallel()
	for name, tc := range map[string]struct {
		ctx  func() (context.Context, context.CancelFunc)
		want error
	}{
		"deadline": {
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 20*time.Millisecond)
			},
			want: context.DeadlineExceeded,
		},
		"cancel": {
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(10*time.Millisecond, cancel)
				return ctx, cancel
			},
			want: context.Canceled,
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := tc.ctx()
			defer cancel()
			g, gctx := WithContext(ctx)
			g.Go(func() error {
				<-gctx.Done()
				return gctx.Err()
			})
			if err := g.Wait(); !errors.Is(err, tc.want) {
				t.Fatalf("Wait = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestTryGoAfterFailure(t *testing.T) {
	t.Parallel()
	g, gctx := WithContext(context.Background())
	g.Go(func() error { return errors.New("boom") })
	<-gctx.Done()
	if g.TryGo(func() error { return nil }) {
		t.Fatal("TryGo accepted work on a cancelled group")
	}
	if g.TryGo(nil) {
		t.Fatal("TryGo accepted a nil func")
	}
	_ = g.Wait()
}

func TestWaitIsRepeatable(t *testing.T) {
	t.Parallel()
	g, _ := WithContext(context.Background())
	g.Go(func() error { return errors.New("once") })
	first := g.Wait()
	if second := g.Wait(); first == nil || first != second {
		t.Fatalf("Wait returned %v then %v", first, second)
	}
}
