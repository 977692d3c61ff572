// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/cql/cluster"
	"github.com/luxfi/cql/conn"
	"github.com/luxfi/cql/policy"
	"github.com/luxfi/cql/wire"
)

// queryHandler drives one statement through the per-query state machine:
// host plan iteration, borrow, write, await, classification, retries,
// speculative siblings and cancellation. The first attempt to commit a
// terminal outcome wins; every other attempt observes the committed
// future at its next checkpoint and abandons.
type queryHandler struct {
	s      *Session
	stmt   Statement
	batch  *BatchStatement
	future *Future
	plan   policy.QueryPlan

	mu          sync.Mutex
	errs        []HostError
	consistency wire.Consistency

	retries atomic.Int32
	active  atomic.Int32
}

func newQueryHandler(s *Session, stmt Statement, f *Future) *queryHandler {
	cl := stmt.Consistency
	if cl == 0 {
		cl = s.cfg.Query.Consistency
	}
	if stmt.PageSize == 0 {
		stmt.PageSize = s.cfg.Query.PageSize
	}
	return &queryHandler{
		s:           s,
		stmt:        stmt,
		future:      f,
		plan:        s.lb.NewQueryPlan(),
		consistency: cl,
	}
}

func (h *queryHandler) timeout() time.Duration {
	if h.stmt.Timeout > 0 {
		return h.stmt.Timeout
	}
	return h.s.cfg.RequestTimeout
}

func (h *queryHandler) run(ctx context.Context) {
	// The per-request deadline is absolute across all hosts and retries.
	if t := h.timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, time.Now().Add(t))
		defer cancel()
	}
	execCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	h.active.Add(1)
	go h.attempt(execCtx)

	if h.stmt.Idempotent {
		if plan := h.s.spec.Plan(); plan != nil {
			go h.speculate(execCtx, plan)
		}
	}

	// Once an outcome is committed, cancelAll tears down sibling
	// attempts; their responses are dropped on arrival and stream ids
	// reclaimed.
	<-h.future.Done()
}

// speculate launches sibling attempts on the policy's delay schedule
// while the first attempt is still pending.
func (h *queryHandler) speculate(ctx context.Context, plan policy.SpeculativeExecutionPlan) {
	for {
		d := plan.NextDelay()
		if d < 0 {
			return
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-h.future.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		h.s.metrics.IncSpeculative()
		h.active.Add(1)
		go h.attempt(ctx)
	}
}

func (h *queryHandler) isDone() bool {
	select {
	case <-h.future.Done():
		return true
	default:
		return false
	}
}

func (h *queryHandler) nextHost() *cluster.Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.plan.Next()
}

func (h *queryHandler) currentConsistency() wire.Consistency {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consistency
}

func (h *queryHandler) applyDecision(d policy.RetryDecision) {
	if d.Consistency != 0 {
		h.mu.Lock()
		h.consistency = d.Consistency
		h.mu.Unlock()
	}
}

func (h *queryHandler) recordErr(host string, err error) {
	h.s.metrics.IncError(errorKind(err))
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, HostError{Host: host, Err: err})
}

func (h *queryHandler) snapshotErrs() []HostError {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HostError, len(h.errs))
	copy(out, h.errs)
	return out
}

// attempt walks the shared host plan until it commits an outcome or the
// plan runs dry. The last active attempt to run dry commits
// NoHostAvailable with the accumulated per-host errors.
func (h *queryHandler) attempt(ctx context.Context) {
	defer h.finishAttempt()
	for {
		if h.isDone() || h.future.Cancelled() {
			return
		}
		if ctx.Err() != nil {
			h.onCtxError(ctx)
			return
		}
		host := h.nextHost()
		if host == nil {
			return
		}
		if h.executeOnHost(ctx, host) {
			return
		}
	}
}

func (h *queryHandler) finishAttempt() {
	if h.active.Add(-1) == 0 && !h.isDone() {
		h.future.complete(nil, &NoHostAvailableError{Errors: h.snapshotErrs()})
	}
}

// onCtxError handles expiry of the absolute deadline (or an outer
// cancellation). A committed future means this is just sibling teardown.
func (h *queryHandler) onCtxError(ctx context.Context) {
	if h.isDone() {
		return
	}
	d := h.s.retry.OnRequestError(ctx.Err(), int(h.retries.Load()))
	if d.Type == policy.Ignore {
		h.future.complete(&Result{registry: h.s.registry, version: h.s.cluster.Version()}, nil)
		return
	}
	h.future.complete(nil, fmt.Errorf("request aborted: %w", ctx.Err()))
}

// makeRequest assembles the frame body for the current attempt: a BATCH,
// a typed EXECUTE when a prepared form is cached, or a QUERY.
func (h *queryHandler) makeRequest() (wire.Request, error) {
	if h.batch != nil {
		children := make([]wire.BatchChild, len(h.batch.Entries))
		for i, e := range h.batch.Entries {
			values, err := h.s.serializeBatchEntry(e)
			if err != nil {
				return nil, fmt.Errorf("batch entry %d: %w", i, err)
			}
			children[i] = wire.BatchChild{Statement: e.Query, Values: values}
		}
		return &wire.Batch{
			Type:              h.batch.Type,
			Children:          children,
			Consistency:       h.currentConsistency(),
			SerialConsistency: h.batch.SerialConsistency,
		}, nil
	}
	prep := h.s.preparedFor(h.stmt.Query)
	values, err := h.s.serializeValues(&h.stmt, prep)
	if err != nil {
		return nil, err
	}
	return h.buildRequest(prep, values), nil
}

func (h *queryHandler) buildRequest(prep *preparedStatement, values [][]byte) wire.Request {
	params := wire.QueryParams{
		Consistency:       h.currentConsistency(),
		Values:            values,
		PageSize:          h.stmt.PageSize,
		PagingState:       h.stmt.PagingState,
		SerialConsistency: h.stmt.SerialConsistency,
	}
	if prep != nil {
		return &wire.Execute{ID: prep.id, Params: params}
	}
	return &wire.Query{Statement: h.stmt.Query, Params: params}
}

// executeOnHost runs the borrow/write/await/classify cycle against one
// host. True means a terminal outcome was committed (or observed); false
// advances the host plan.
func (h *queryHandler) executeOnHost(ctx context.Context, host *cluster.Host) bool {
	addr := host.Address()
	pool, err := h.s.pool(ctx, host)
	if err != nil {
		h.recordErr(addr, err)
		return false
	}

	reprepared := false
	for {
		if h.isDone() || h.future.Cancelled() {
			return true
		}
		c, err := pool.Borrow(ctx)
		if err != nil {
			if errors.Is(err, conn.ErrBusyPool) {
				h.s.metrics.IncBorrowTimeout()
			}
			if ctx.Err() != nil {
				h.onCtxError(ctx)
				return true
			}
			h.recordErr(addr, err)
			return false
		}

		req, serr := h.makeRequest()
		if serr != nil {
			// A value the registry cannot encode will not improve on
			// another host. The borrow never reaches Send, so its
			// reservation is returned here.
			c.ReleaseBorrow()
			h.future.complete(nil, serr)
			return true
		}

		inf, err := c.Send(req)
		if err != nil {
			h.recordErr(addr, err)
			return false
		}

		resp, err := inf.Await(ctx)
		if err == nil {
			h.completeSuccess(resp)
			return true
		}
		if ctx.Err() != nil {
			h.onCtxError(ctx)
			return true
		}

		again, terminal := h.classify(ctx, c, addr, err, &reprepared)
		if terminal {
			return true
		}
		if !again {
			return false
		}
	}
}

// classify routes one failed attempt: (again=true) retries the same host,
// (terminal=true) commits an outcome, otherwise the plan advances.
func (h *queryHandler) classify(ctx context.Context, c *conn.Conn, addr string, err error, reprepared *bool) (again, terminal bool) {
	retries := int(h.retries.Load())

	var unprepared *wire.UnpreparedError
	if errors.As(err, &unprepared) {
		// The server evicted the prepared statement: re-prepare on this
		// host, then retry it once. Batches carry no single prepared
		// form, so they just advance.
		if h.batch == nil && !*reprepared {
			*reprepared = true
			if perr := h.s.prepareOn(ctx, c, h.stmt.Query); perr == nil {
				return true, false
			}
		}
		h.recordErr(addr, err)
		return false, false
	}

	var decision policy.RetryDecision
	switch {
	case isFatal(err):
		h.future.complete(nil, err)
		return false, true

	case isHostOverwhelmed(err):
		// Overloaded or bootstrapping: advance immediately.
		h.recordErr(addr, err)
		return false, false

	case errors.Is(err, conn.ErrConnectionClosed):
		// The pool already tore the connection down; only the plan
		// advances.
		h.recordErr(addr, err)
		return false, false

	default:
		var (
			rte *wire.ReadTimeoutError
			wte *wire.WriteTimeoutError
			uae *wire.UnavailableError
		)
		switch {
		case errors.As(err, &rte):
			decision = h.s.retry.OnReadTimeout(rte, retries)
		case errors.As(err, &wte):
			decision = h.s.retry.OnWriteTimeout(wte, retries)
		case errors.As(err, &uae):
			decision = h.s.retry.OnUnavailable(uae, retries)
		default:
			decision = h.s.retry.OnRequestError(err, retries)
		}
	}

	switch decision.Type {
	case policy.RetrySame:
		if retries >= h.s.cfg.MaxRetries {
			h.future.complete(nil, err)
			return false, true
		}
		h.retries.Add(1)
		h.s.metrics.IncRetries()
		h.applyDecision(decision)
		return true, false
	case policy.RetryNext:
		h.retries.Add(1)
		h.s.metrics.IncRetries()
		h.applyDecision(decision)
		h.recordErr(addr, err)
		return false, false
	case policy.Ignore:
		h.future.complete(&Result{registry: h.s.registry, version: h.s.cluster.Version()}, nil)
		return false, true
	default: // Rethrow
		h.future.complete(nil, err)
		return false, true
	}
}

func (h *queryHandler) completeSuccess(resp wire.Response) {
	reg, pv := h.s.registry, h.s.cluster.Version()
	switch m := resp.(type) {
	case *wire.RowsResult:
		h.future.complete(&Result{
			registry:    reg,
			version:     pv,
			Columns:     m.Metadata.Columns,
			Rows:        m.Rows,
			PagingState: m.Metadata.PagingState,
		}, nil)
	case wire.VoidResult:
		h.future.complete(&Result{registry: reg, version: pv}, nil)
	case *wire.SetKeyspaceResult:
		h.future.complete(&Result{registry: reg, version: pv, Keyspace: m.Keyspace}, nil)
	case *wire.SchemaChange:
		h.future.complete(&Result{registry: reg, version: pv}, nil)
	default:
		h.future.complete(nil, fmt.Errorf("unexpected result %T", resp))
	}
}

// isFatal reports errors no other host can fix.
func isFatal(err error) bool {
	var (
		auth     *wire.AuthenticationError
		syntax   *wire.SyntaxError
		unauth   *wire.UnauthorizedError
		invalid  *wire.InvalidQueryError
		exists   *wire.AlreadyExistsError
		fnFailed *wire.FunctionFailureError
	)
	return errors.As(err, &auth) ||
		errors.As(err, &syntax) ||
		errors.As(err, &unauth) ||
		errors.As(err, &invalid) ||
		errors.As(err, &exists) ||
		errors.As(err, &fnFailed)
}

// isHostOverwhelmed reports transient whole-host conditions where the
// only sensible move is the next host.
func isHostOverwhelmed(err error) bool {
	var se wire.ServerError
	if !errors.As(err, &se) {
		return false
	}
	switch se.ErrorCode() {
	case wire.CodeOverloaded, wire.CodeIsBootstrapping:
		return true
	default:
		return false
	}
}

func errorKind(err error) string {
	var se wire.ServerError
	switch {
	case errors.As(err, &se):
		return "server"
	case errors.Is(err, conn.ErrConnectionClosed):
		return "connection"
	case errors.Is(err, conn.ErrBusyPool), errors.Is(err, conn.ErrBusyConnection):
		return "busy"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}
