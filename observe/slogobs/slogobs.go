// Package slogobs provides a scope.Observer that writes lifecycle events to
// a structured logger.
package slogobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/NetPo4ki/massive-scope/scope"
)

// Logger logs scope events. Task-level events go to debug, except failed
// tasks which are logged at warn whether or not they shut the scope down.
type Logger struct {
	l *slog.Logger
}

func New(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{l: l}
}

func (o *Logger) ScopeCreated(ctx context.Context, policy scope.Policy) {
	o.l.DebugContext(ctx, "scope created", "policy", policy)
}

func (o *Logger) ScopeCancelled(ctx context.Context, cause error) {
	o.l.InfoContext(ctx, "scope cancelled", "cause", cause)
}

func (o *Logger) ScopeJoined(ctx context.Context, wait time.Duration, status scope.Status) {
	o.l.InfoContext(ctx, "scope joined", "status", status, "wait", wait)
}

func (o *Logger) TaskStarted(ctx context.Context, id scope.TaskID) {
	o.l.Log(ctx, slog.LevelDebug-4, "task started", "task", int(id))
}

func (o *Logger) TaskFinished(ctx context.Context, id scope.TaskID, dur time.Duration, state scope.TaskState, err error) {
	level := slog.LevelDebug
	if state == scope.TaskFailed {
		level = slog.LevelWarn
	}
	if !o.l.Enabled(ctx, level) {
		return
	}
	attrs := []slog.Attr{slog.Int("task", int(id)), slog.String("state", state.String()), slog.Duration("dur", dur)}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	o.l.LogAttrs(ctx, level, "task finished", attrs...)
}
