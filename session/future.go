// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"context"
	"sync"
	"sync/atomic"
)

// Future is the one-shot completion sink of an asynchronous execution.
// The first terminal outcome wins: later completions, including late
// responses racing a cancellation, are dropped.
type Future struct {
	done      chan struct{}
	once      sync.Once
	cancelled atomic.Bool

	result *Result
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// complete commits an outcome; reports whether this call won.
func (f *Future) complete(r *Result, err error) bool {
	won := false
	f.once.Do(func() {
		f.result = r
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

// Done is closed once an outcome is committed.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks for the outcome or ctx expiry. Expiry does not cancel the
// execution; call Cancel for that.
func (f *Future) Await(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cooperative cancellation. If a terminal response has
// already been committed it is a no-op; otherwise the execution observes
// the flag at its next checkpoint, abandons outstanding attempts, and the
// future completes with ErrQueryCancelled. In-flight responses arriving
// afterwards are dropped and their stream ids reclaimed without invoking
// user callbacks.
func (f *Future) Cancel() {
	f.cancelled.Store(true)
	f.complete(nil, ErrQueryCancelled)
}

// Cancelled reports whether Cancel has been called.
func (f *Future) Cancelled() bool { return f.cancelled.Load() }
