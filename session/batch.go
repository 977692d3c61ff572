// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/luxfi/cql/wire"
)

// BatchEntry is one statement of a batch.
type BatchEntry struct {
	Query  string
	Values []any
}

// BatchStatement groups statements for atomic execution (protocol v2+).
type BatchStatement struct {
	Type              wire.BatchType
	Entries           []BatchEntry
	Consistency       wire.Consistency
	SerialConsistency wire.Consistency
	Idempotent        bool
	Timeout           time.Duration
}

// ExecuteBatchAsync starts a batch execution and returns its future. The
// batch runs through the same host plan, retry and cancellation machinery
// as single statements.
func (s *Session) ExecuteBatchAsync(ctx context.Context, b BatchStatement) *Future {
	f := newFuture()
	if s.closed.Load() {
		f.complete(nil, ErrSessionClosed)
		return f
	}
	s.metrics.IncRequests()
	h := newQueryHandler(s, Statement{
		Consistency:       b.Consistency,
		SerialConsistency: b.SerialConsistency,
		Idempotent:        b.Idempotent,
		Timeout:           b.Timeout,
	}, f)
	h.batch = &b
	go h.run(ctx)
	return f
}

// ExecuteBatch is the synchronous wrapper over ExecuteBatchAsync.
func (s *Session) ExecuteBatch(ctx context.Context, b BatchStatement) (*Result, error) {
	return s.ExecuteBatchAsync(ctx, b).Await(ctx)
}

// serializeBatchEntry binds one batch entry's values by runtime shape.
func (s *Session) serializeBatchEntry(e BatchEntry) ([][]byte, error) {
	if len(e.Values) == 0 {
		return nil, nil
	}
	pv := s.cluster.Version()
	out := make([][]byte, len(e.Values))
	for i, v := range e.Values {
		cdc, err := s.registry.CodecForValue(v)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		if out[i], err = cdc.Serialize(v, pv); err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
	}
	return out, nil
}
