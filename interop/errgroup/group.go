// Package errgroup provides an adapter that mimics golang.org/x/sync/errgroup
// semantics on top of a FailFast scope, so code written against errgroup can
// move to scopes one call site at a time.
package errgroup

import (
	"context"
	"errors"

	"github.com/NetPo4ki/massive-scope/scope"
)

// Group is an errgroup-like wrapper over a FailFast scope.
type Group struct {
	s *scope.Scope[struct{}]
}

// WithContext creates a Group bound to ctx. The returned context is canceled
// when any function passed to Go returns a non-nil error.
func WithContext(ctx context.Context) (*Group, context.Context) {
	s := scope.New[struct{}](ctx, scope.FailFast)
	return &Group{s: s}, s.Context()
}

// Go starts f. Unlike errgroup, functions submitted after the group has been
// cancelled are not run; TryGo reports that case.
func (g *Group) Go(f func() error) {
	g.TryGo(f)
}

// TryGo starts f and reports whether it was accepted.
func (g *Group) TryGo(f func() error) bool {
	if f == nil {
		return false
	}
	_, err := g.s.Go(func(context.Context) (struct{}, error) {
		return struct{}{}, f()
	})
	return err == nil
}

// Wait blocks until all functions have returned and returns the first
// non-nil error, or the cause that cancelled the parent context.
func (g *Group) Wait() error {
	err := g.s.Join().Err()
	var agg *scope.AggregateError
	if errors.As(err, &agg) {
		return agg.Cause
	}
	return err
}
