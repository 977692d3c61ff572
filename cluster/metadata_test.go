// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestHostIdentity: repeated lookups of one address return the same
// object, so identity comparison is a valid equality.
func TestHostIdentity(t *testing.T) {
	require := require.New(t)

	m := NewMetadata()
	h1, added := m.GetOrAddHost("10.0.0.1:9042")
	require.True(added)
	h2, added := m.GetOrAddHost("10.0.0.1:9042")
	require.False(added)
	require.Same(h1, h2)
	require.Same(h1, m.GetHost("10.0.0.1:9042"))

	// Identity survives concurrent lookups.
	var wg sync.WaitGroup
	hosts := make([]*Host, 16)
	for i := range hosts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hosts[i], _ = m.GetOrAddHost("10.0.0.2:9042")
		}(i)
	}
	wg.Wait()
	for _, h := range hosts[1:] {
		require.Same(hosts[0], h)
	}
}

func TestMetadataRemoveHost(t *testing.T) {
	require := require.New(t)

	m := NewMetadata()
	h, _ := m.GetOrAddHost("10.0.0.1:9042")
	m.setTokens(h, []string{"-9000", "42"})
	require.Same(h, m.HostByToken("42"))

	removed := m.RemoveHost("10.0.0.1:9042")
	require.Same(h, removed)
	require.Nil(m.GetHost("10.0.0.1:9042"))
	require.Nil(m.HostByToken("42"))
	require.Nil(m.RemoveHost("10.0.0.1:9042"))
}

func TestTokenReindex(t *testing.T) {
	require := require.New(t)

	m := NewMetadata()
	h, _ := m.GetOrAddHost("10.0.0.1:9042")
	m.setTokens(h, []string{"1", "2"})
	m.setTokens(h, []string{"3"})
	require.Nil(m.HostByToken("1"))
	require.Nil(m.HostByToken("2"))
	require.Same(h, m.HostByToken("3"))
}

func TestHostStateString(t *testing.T) {
	require := require.New(t)

	h := newHost("10.0.0.1:9042")
	require.Equal(HostAdded, h.State())
	require.False(h.IsUp())
	require.Equal("10.0.0.1:9042 (ADDED)", h.String())
}

// TestSingleReconnectionSlot: the pending-reconnection slot is set and
// cleared atomically, admitting at most one attempt per host.
func TestSingleReconnectionSlot(t *testing.T) {
	require := require.New(t)

	h := newHost("10.0.0.1:9042")
	require.Nil(h.PendingReconnection())

	r1 := newReconnection(h)
	require.True(h.setPendingReconnection(r1))
	require.Same(r1, h.PendingReconnection())

	r2 := newReconnection(h)
	require.False(h.setPendingReconnection(r2))

	// Clearing with the wrong handle is a no-op.
	h.clearPendingReconnection(r2)
	require.Same(r1, h.PendingReconnection())

	h.clearPendingReconnection(r1)
	require.Nil(h.PendingReconnection())
	require.True(h.setPendingReconnection(r2))
}

func TestReconnectionCancelIdempotent(t *testing.T) {
	r := newReconnection(newHost("h:1"))
	r.Cancel()
	r.Cancel() // must not panic
	select {
	case <-r.stop:
	default:
		t.Fatal("stop channel not closed")
	}
}
