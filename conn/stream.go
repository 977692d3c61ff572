// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package conn

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// streamSet allocates stream ids out of the protocol version's id space.
// Invariant: at quiescence the number of allocated ids equals the number
// of requests pending on the connection.
type streamSet struct {
	mu    sync.Mutex
	used  *bitset.BitSet
	size  uint
	inUse int
}

func newStreamSet(size int) *streamSet {
	return &streamSet{
		used: bitset.New(uint(size)),
		size: uint(size),
	}
}

// acquire flips the first clear bit and returns its id.
func (s *streamSet) acquire() (int16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.used.NextClear(0)
	if !ok || id >= s.size {
		return 0, false
	}
	s.used.Set(id)
	s.inUse++
	return int16(id), true
}

// release clears the bit for id. Releasing an unallocated id is a no-op so
// that teardown and response delivery cannot double-free.
func (s *streamSet) release(id int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used.Test(uint(id)) {
		s.used.Clear(uint(id))
		s.inUse--
	}
}

func (s *streamSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// popcount returns the number of set bits; equal to count() by the
// conservation invariant.
func (s *streamSet) popcount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.used.Count())
}
