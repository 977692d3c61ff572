// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/cql/internal/servertest"
)

// slowReconnection keeps reconnection attempts far in the future so tests
// can observe the pending slot.
type slowReconnection struct{}

func (slowReconnection) NewSchedule() ReconnectionSchedule { return slowSchedule{} }

type slowSchedule struct{}

func (slowSchedule) NextDelay() time.Duration { return time.Hour }

func startCluster(t *testing.T, s *servertest.Server) *Cluster {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cl, err := Connect(ctx, Options{
		ContactPoints:           []string{s.Addr()},
		ReconnectionPolicy:      slowReconnection{},
		NewNodeDelay:            10 * time.Millisecond,
		RefreshNodeListInterval: time.Hour,
		RefreshSchemaInterval:   20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(cl.Close)
	return cl
}

func TestControlConnect(t *testing.T) {
	require := require.New(t)

	s, err := servertest.Start()
	require.NoError(err)
	t.Cleanup(s.Close)

	cl := startCluster(t, s)
	require.Equal(ControlReady, cl.Control().State())

	h := cl.Metadata().GetHost(s.Addr())
	require.NotNil(h)
	require.True(h.IsUp())
	require.Equal("dc1", h.Datacenter())
	require.Equal("rack1", h.Rack())
	require.Equal("4.0.0", h.Version())
	require.NotEmpty(cl.Metadata().SchemaVersion())
}

// TestStatusChangePropagation is the DOWN/UP cycle: a DOWN event flips
// the host state and claims the reconnection slot; UP flips it back and
// clears the slot.
func TestStatusChangePropagation(t *testing.T) {
	require := require.New(t)

	s, err := servertest.Start()
	require.NoError(err)
	t.Cleanup(s.Close)

	cl := startCluster(t, s)
	h := cl.Metadata().GetHost(s.Addr())
	require.NotNil(h)

	tcp, err := net.ResolveTCPAddr("tcp", s.Addr())
	require.NoError(err)

	s.PushStatusChange("DOWN", tcp)
	require.Eventually(func() bool {
		return h.State() == HostDown && h.PendingReconnection() != nil
	}, 5*time.Second, 5*time.Millisecond)

	s.PushStatusChange("UP", tcp)
	require.Eventually(func() bool {
		return h.State() == HostUp && h.PendingReconnection() == nil
	}, 5*time.Second, 5*time.Millisecond)
}

// TestIdempotentNotificationsSuppressed: repeated DOWN events trigger one
// listener notification.
func TestIdempotentNotificationsSuppressed(t *testing.T) {
	require := require.New(t)

	s, err := servertest.Start()
	require.NoError(err)
	t.Cleanup(s.Close)

	cl := startCluster(t, s)
	h := cl.Metadata().GetHost(s.Addr())

	var downs atomic.Int32
	cl.AddStateListener(&countingListener{downs: &downs})

	tcp, _ := net.ResolveTCPAddr("tcp", s.Addr())
	for i := 0; i < 5; i++ {
		s.PushStatusChange("DOWN", tcp)
	}
	require.Eventually(func() bool {
		return h.State() == HostDown
	}, 5*time.Second, 5*time.Millisecond)
	// Give any duplicate notifications time to land before asserting.
	time.Sleep(50 * time.Millisecond)
	require.Equal(int32(1), downs.Load())
}

type countingListener struct {
	downs *atomic.Int32
}

func (l *countingListener) HostAdded(*Host)   {}
func (l *countingListener) HostRemoved(*Host) {}
func (l *countingListener) HostUp(*Host)      {}
func (l *countingListener) HostDown(*Host)    { l.downs.Add(1) }

// TestNewNodeEvent: a NEW_NODE announcement registers the host after the
// configured delay.
func TestNewNodeEvent(t *testing.T) {
	require := require.New(t)

	s, err := servertest.Start()
	require.NoError(err)
	t.Cleanup(s.Close)

	cl := startCluster(t, s)
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.99"), Port: 9999}

	s.PushTopologyChange("NEW_NODE", addr)
	require.Eventually(func() bool {
		return cl.Metadata().GetHost("127.0.0.99:9999") != nil
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRemovedNodeEvent(t *testing.T) {
	require := require.New(t)

	s, err := servertest.Start()
	require.NoError(err)
	t.Cleanup(s.Close)

	cl := startCluster(t, s)
	h, _ := cl.Metadata().GetOrAddHost("127.0.0.98:9998")
	require.NotNil(h)

	s.PushTopologyChange("REMOVED_NODE", &net.TCPAddr{
		IP: net.ParseIP("127.0.0.98"), Port: 9998,
	})
	require.Eventually(func() bool {
		return cl.Metadata().GetHost("127.0.0.98:9998") == nil
	}, 5*time.Second, 5*time.Millisecond)
}

// TestSchemaEventsDebounced: a burst of schema events coalesces into one
// refresh fetch.
func TestSchemaEventsDebounced(t *testing.T) {
	require := require.New(t)

	s, err := servertest.Start()
	require.NoError(err)
	t.Cleanup(s.Close)

	var schemaQueries atomic.Int32
	startCluster(t, s)

	// Count refresh fetches from now on; the initial refresh already
	// happened during Connect.
	s.OnSchemaQuery = func() { schemaQueries.Add(1) }

	for i := 0; i < 5; i++ {
		s.PushSchemaChange("UPDATED", "TABLE", "ks", "t", nil)
	}
	require.Eventually(func() bool {
		return schemaQueries.Load() == 1
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(int32(1), schemaQueries.Load())
}

func TestDebouncerCoalesces(t *testing.T) {
	require := require.New(t)

	var fired atomic.Int32
	d := newDebouncer(20*time.Millisecond, func() { fired.Add(1) })
	for i := 0; i < 10; i++ {
		d.trigger()
	}
	require.Eventually(func() bool {
		return fired.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(int32(1), fired.Load())

	d.stop()
	d.trigger()
	time.Sleep(50 * time.Millisecond)
	require.Equal(int32(1), fired.Load())
}

func TestTryReconnectOnce(t *testing.T) {
	require := require.New(t)

	s, err := servertest.Start()
	require.NoError(err)
	t.Cleanup(s.Close)

	cl := startCluster(t, s)
	h := cl.Metadata().GetHost(s.Addr())

	tcp, _ := net.ResolveTCPAddr("tcp", s.Addr())
	s.PushStatusChange("DOWN", tcp)
	require.Eventually(func() bool {
		return h.State() == HostDown
	}, 5*time.Second, 5*time.Millisecond)

	// Cancel the scheduled attempts, then probe manually: the server is
	// reachable, so the host flips back up.
	if r := h.PendingReconnection(); r != nil {
		r.Cancel()
	}
	require.NoError(cl.Control().TryReconnectOnce(h))
	require.True(h.IsUp())
}
