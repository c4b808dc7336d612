// Package scope provides structured-concurrency primitives for Go.
// A Scope owns the tasks it forks, provides a single join point (Join/Wait),
// and shuts the remaining tasks down according to its Policy: on the first
// failure (FailFast) or on the first success (FirstSuccess).
//
// Cancellation is cooperative. Tasks receive the scope context and must
// observe ctx.Done() at their suspension points; the scope never preempts
// a running task.
package scope
