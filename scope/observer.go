package scope

import (
	"context"
	"time"
)

// Observer receives scope and task lifecycle events. Implementations must be
// safe for concurrent use; TaskStarted and TaskFinished are called from the
// task goroutines.
type Observer interface {
	ScopeCreated(ctx context.Context, policy Policy)
	ScopeCancelled(ctx context.Context, cause error)
	ScopeJoined(ctx context.Context, wait time.Duration, status Status)
	TaskStarted(ctx context.Context, id TaskID)
	TaskFinished(ctx context.Context, id TaskID, dur time.Duration, state TaskState, err error)
}

type multiObserver []Observer

// Observers combines several observers into one. Nil entries are skipped.
func Observers(obs ...Observer) Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	switch len(m) {
	case 0:
		return nil
	case 1:
		return m[0]
	}
	return m
}

func (m multiObserver) ScopeCreated(ctx context.Context, policy Policy) {
	for _, o := range m {
		o.ScopeCreated(ctx, policy)
	}
}

func (m multiObserver) ScopeCancelled(ctx context.Context, cause error) {
	for _, o := range m {
		o.ScopeCancelled(ctx, cause)
	}
}

func (m multiObserver) ScopeJoined(ctx context.Context, wait time.Duration, status Status) {
	for _, o := range m {
		o.ScopeJoined(ctx, wait, status)
	}
}

func (m multiObserver) TaskStarted(ctx context.Context, id TaskID) {
	for _, o := range m {
		o.TaskStarted(ctx, id)
	}
}

func (m multiObserver) TaskFinished(ctx context.Context, id TaskID, dur time.Duration, state TaskState, err error) {
	for _, o := range m {
		o.TaskFinished(ctx, id, dur, state, err)
	}
}
