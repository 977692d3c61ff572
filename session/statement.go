// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package session executes statements end to end: it turns a host plan
// into pool borrows and framed requests, coordinates retries, speculative
// executions, cancellation and timeouts across hosts, and decodes result
// rows through the codec registry.
package session

import (
	"fmt"
	"time"

	"github.com/luxfi/cql/codec"
	"github.com/luxfi/cql/wire"
)

// Statement is one user-level request.
type Statement struct {
	// Query is the CQL text. If the session holds a prepared form of it,
	// execution uses EXECUTE with typed value binding; otherwise QUERY.
	Query string

	// Values are the bound values, serialized through the codec
	// registry.
	Values []any

	// Consistency overrides the session default when non-zero.
	Consistency       wire.Consistency
	SerialConsistency wire.Consistency

	// PageSize overrides the session default when non-zero; PagingState
	// resumes a previous page.
	PageSize    int32
	PagingState []byte

	// Idempotent opts the statement into speculative execution. The
	// driver does not guarantee at-most-once side effects for
	// speculative attempts; only mark statements whose re-execution is
	// safe.
	Idempotent bool

	// Timeout overrides the session's per-request deadline when
	// non-zero.
	Timeout time.Duration
}

// Result is a decoded-on-demand row set.
type Result struct {
	registry *codec.Registry
	version  wire.ProtocolVersion

	Columns     []wire.ColumnSpec
	Rows        [][][]byte
	PagingState []byte
	Keyspace    string // set by USE statements
}

// RowCount is the number of rows in this page.
func (r *Result) RowCount() int { return len(r.Rows) }

// Value decodes one cell through the registry.
func (r *Result) Value(row, col int) (any, error) {
	if row < 0 || row >= len(r.Rows) {
		return nil, fmt.Errorf("row %d out of range", row)
	}
	if col < 0 || col >= len(r.Columns) {
		return nil, fmt.Errorf("column %d out of range", col)
	}
	cdc, err := r.registry.CodecFor(r.Columns[col].Type)
	if err != nil {
		return nil, err
	}
	return cdc.Deserialize(r.Rows[row][col], r.version)
}

// ValueByName decodes one cell by column name.
func (r *Result) ValueByName(row int, name string) (any, error) {
	for i, c := range r.Columns {
		if c.Name == name {
			return r.Value(row, i)
		}
	}
	return nil, fmt.Errorf("no column %q", name)
}
