// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package conn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/cql/internal/servertest"
)

func newTestPool(t *testing.T, s *servertest.Server, cfg PoolConfig) *Pool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := NewPool(ctx, s.Addr(), cfg)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestPoolDialsCore(t *testing.T) {
	require := require.New(t)

	s := startServer(t)
	p := newTestPool(t, s, PoolConfig{Core: 3, Max: 4})

	require.Eventually(func() bool {
		return p.Size() == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(p.InFlight())
}

func TestPoolBorrowPrefersLeastLoaded(t *testing.T) {
	require := require.New(t)

	s := startServer(t)
	s.OnQuery = func(string) servertest.Reply {
		return servertest.Reply{Delay: 100 * time.Millisecond}
	}
	p := newTestPool(t, s, PoolConfig{Core: 2, Max: 2})
	require.Eventually(func() bool { return p.Size() == 2 }, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	c1, err := p.Borrow(ctx)
	require.NoError(err)
	inf1, err := c1.Send(simpleQuery("a"))
	require.NoError(err)

	// c1 now carries one in-flight request; the next borrow takes the
	// idle connection.
	c2, err := p.Borrow(ctx)
	require.NoError(err)
	require.NotSame(c1, c2)
	inf2, err := c2.Send(simpleQuery("b"))
	require.NoError(err)

	_, err = inf1.Await(ctx)
	require.NoError(err)
	_, err = inf2.Await(ctx)
	require.NoError(err)
}

func TestPoolWaiterQueueOverflow(t *testing.T) {
	require := require.New(t)

	s := startServer(t)
	s.OnQuery = func(string) servertest.Reply {
		return servertest.Reply{Delay: time.Hour}
	}
	p := newTestPool(t, s, PoolConfig{
		Core:       1,
		Max:        1,
		MaxWaiters: 1,
		ConnOptions: Options{
			MaxInFlight: 1,
		},
	})

	ctx := context.Background()
	c, err := p.Borrow(ctx)
	require.NoError(err)
	_, err = c.Send(simpleQuery("occupy"))
	require.NoError(err)

	// The single connection is saturated; the next borrow parks.
	parkedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	parked := make(chan error, 1)
	go func() {
		_, err := p.Borrow(parkedCtx)
		parked <- err
	}()

	// Give the waiter time to enqueue, then overflow the queue.
	require.Eventually(func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.waiters) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = p.Borrow(ctx)
	require.ErrorIs(err, ErrBusyPool)

	cancel()
	require.ErrorIs(<-parked, context.Canceled)
}

func TestPoolGrowsUnderSaturation(t *testing.T) {
	require := require.New(t)

	s := startServer(t)
	s.OnQuery = func(string) servertest.Reply {
		return servertest.Reply{Delay: 200 * time.Millisecond}
	}
	p := newTestPool(t, s, PoolConfig{
		Core: 1,
		Max:  2,
		ConnOptions: Options{
			MaxInFlight: 1,
		},
	})

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	c1, err := p.Borrow(ctx)
	require.NoError(err)
	_, err = c1.Send(simpleQuery("occupy"))
	require.NoError(err)

	// Saturated below max: the borrow triggers an asynchronous grow and
	// is served by the new connection.
	c2, err := p.Borrow(ctx)
	require.NoError(err)
	require.NotSame(c1, c2)
	require.Equal(2, p.Size())
}

// TestReleaseBorrowRestoresLoad: a borrow that never reaches Send must
// return its reservation, or the connection's load stays inflated and
// least-loaded selection eventually skips it forever.
func TestReleaseBorrowRestoresLoad(t *testing.T) {
	require := require.New(t)

	s := startServer(t)
	p := newTestPool(t, s, PoolConfig{
		Core: 1,
		Max:  1,
		ConnOptions: Options{
			MaxInFlight: 1,
		},
	})

	ctx := context.Background()
	c, err := p.Borrow(ctx)
	require.NoError(err)
	require.Equal(1, c.load())

	c.ReleaseBorrow()
	require.Zero(c.load())

	// The pool still hands the connection out after repeated abandoned
	// borrows.
	for i := 0; i < 5; i++ {
		c2, err := p.Borrow(ctx)
		require.NoError(err)
		require.Same(c, c2)
		c2.ReleaseBorrow()
	}
}

// TestCancelledWaiterReturnsReservation: a waiter whose ctx expires while
// a freed connection is being handed to it must give the reservation
// back; the capacity stays borrowable.
func TestCancelledWaiterReturnsReservation(t *testing.T) {
	require := require.New(t)

	s := startServer(t)
	s.OnQuery = func(string) servertest.Reply {
		return servertest.Reply{Delay: 30 * time.Millisecond}
	}
	p := newTestPool(t, s, PoolConfig{
		Core: 1,
		Max:  1,
		ConnOptions: Options{
			MaxInFlight: 1,
		},
	})

	ctx := context.Background()
	c, err := p.Borrow(ctx)
	require.NoError(err)
	inf, err := c.Send(simpleQuery("occupy"))
	require.NoError(err)

	// Park a borrower, then cancel it while the occupying response is
	// in flight; whichever way the hand-off race resolves, no
	// reservation may leak.
	waitCtx, cancel := context.WithCancel(ctx)
	parked := make(chan error, 1)
	go func() {
		c2, err := p.Borrow(waitCtx)
		if c2 != nil {
			c2.ReleaseBorrow()
		}
		parked <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-parked

	_, err = inf.Await(ctx)
	require.NoError(err)

	require.Eventually(func() bool {
		return c.load() == 0
	}, 2*time.Second, 5*time.Millisecond)

	c3, err := p.Borrow(ctx)
	require.NoError(err)
	require.Same(c, c3)
	c3.ReleaseBorrow()
}

func TestPoolCloseCompletesPending(t *testing.T) {
	require := require.New(t)

	s := startServer(t)
	s.OnQuery = func(string) servertest.Reply {
		return servertest.Reply{Delay: time.Hour}
	}
	p := newTestPool(t, s, PoolConfig{Core: 1, Max: 1})

	ctx := context.Background()
	c, err := p.Borrow(ctx)
	require.NoError(err)
	inf, err := c.Send(simpleQuery("pending"))
	require.NoError(err)

	p.Close()
	_, err = inf.Await(ctx)
	require.ErrorIs(err, ErrConnectionClosed)

	_, err = p.Borrow(ctx)
	require.ErrorIs(err, ErrPoolClosed)
}
