// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package conn

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamSetAcquireRelease(t *testing.T) {
	require := require.New(t)

	s := newStreamSet(4)
	seen := map[int16]bool{}
	for i := 0; i < 4; i++ {
		id, ok := s.acquire()
		require.True(ok)
		require.False(seen[id])
		seen[id] = true
	}
	_, ok := s.acquire()
	require.False(ok)
	require.Equal(4, s.count())
	require.Equal(4, s.popcount())

	s.release(2)
	require.Equal(3, s.count())
	id, ok := s.acquire()
	require.True(ok)
	require.Equal(int16(2), id)
}

func TestStreamSetDoubleReleaseIsNoop(t *testing.T) {
	require := require.New(t)

	s := newStreamSet(8)
	id, ok := s.acquire()
	require.True(ok)
	s.release(id)
	s.release(id)
	require.Zero(s.count())
	require.Zero(s.popcount())
}

// TestStreamSetConservation: after arbitrary concurrent churn, the
// popcount of the bitset equals the in-flight count.
func TestStreamSetConservation(t *testing.T) {
	require := require.New(t)

	s := newStreamSet(128)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if id, ok := s.acquire(); ok {
					s.release(id)
				}
			}
		}()
	}
	wg.Wait()
	require.Zero(s.count())
	require.Zero(s.popcount())
}
