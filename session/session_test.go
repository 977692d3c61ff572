// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/cql/cluster"
	"github.com/luxfi/cql/codec"
	"github.com/luxfi/cql/config"
	"github.com/luxfi/cql/internal/servertest"
	"github.com/luxfi/cql/policy"
	"github.com/luxfi/cql/types"
	"github.com/luxfi/cql/wire"
)

// slowReconnection keeps host reconnection out of short tests' way.
type slowReconnection struct{}

func (slowReconnection) NewSchedule() cluster.ReconnectionSchedule { return slowSchedule{} }

type slowSchedule struct{}

func (slowSchedule) NextDelay() time.Duration { return time.Hour }

// fixedPlanLB yields hosts in a fixed, deterministic order.
type fixedPlanLB struct {
	hosts []*cluster.Host
}

func (p *fixedPlanLB) Distance(*cluster.Host) cluster.HostDistance {
	return cluster.DistanceLocal
}

func (p *fixedPlanLB) NewQueryPlan() policy.QueryPlan {
	hosts := make([]*cluster.Host, len(p.hosts))
	copy(hosts, p.hosts)
	return &fixedPlan{hosts: hosts}
}

type fixedPlan struct {
	hosts []*cluster.Host
	next  int
}

func (p *fixedPlan) Next() *cluster.Host {
	if p.next >= len(p.hosts) {
		return nil
	}
	h := p.hosts[p.next]
	p.next++
	return h
}

// alwaysNextRetry advances the plan on every failure.
type alwaysNextRetry struct{}

func (alwaysNextRetry) OnReadTimeout(*wire.ReadTimeoutError, int) policy.RetryDecision {
	return policy.RetryDecision{Type: policy.RetryNext}
}

func (alwaysNextRetry) OnWriteTimeout(*wire.WriteTimeoutError, int) policy.RetryDecision {
	return policy.RetryDecision{Type: policy.RetryNext}
}

func (alwaysNextRetry) OnUnavailable(*wire.UnavailableError, int) policy.RetryDecision {
	return policy.RetryDecision{Type: policy.RetryNext}
}

func (alwaysNextRetry) OnRequestError(error, int) policy.RetryDecision {
	return policy.RetryDecision{Type: policy.RetryNext}
}

func startServer(t *testing.T) *servertest.Server {
	t.Helper()
	s, err := servertest.Start()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// testHarness wires one control server plus extra request-plane servers
// into a connected session with a deterministic host plan.
type testHarness struct {
	cluster *cluster.Cluster
	session *Session
	hosts   []*cluster.Host
}

func startHarness(t *testing.T, cfg *config.Config, servers ...*servertest.Server) *testHarness {
	t.Helper()
	require := require.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg.ContactPoints = []string{servers[0].Addr()}
	if cfg.ReconnectionPolicy == nil {
		cfg.ReconnectionPolicy = slowReconnection{}
	}
	cfg = cfg.WithDefaults()

	cl, err := cluster.Connect(ctx, cfg.ClusterOptions())
	require.NoError(err)
	t.Cleanup(cl.Close)

	hosts := make([]*cluster.Host, len(servers))
	for i, srv := range servers {
		h, _ := cl.Metadata().GetOrAddHost(srv.Addr())
		cl.Control().MarkHostUp(h)
		hosts[i] = h
	}
	cfg.LoadBalancingPolicy = &fixedPlanLB{hosts: hosts}

	sess, err := Connect(ctx, cl, cfg)
	require.NoError(err)
	t.Cleanup(sess.Close)

	return &testHarness{cluster: cl, session: sess, hosts: hosts}
}

func TestExecuteRows(t *testing.T) {
	require := require.New(t)

	s := startServer(t)
	s.OnQuery = func(stmt string) servertest.Reply {
		return servertest.Reply{Rows: &servertest.RowsSpec{
			Columns: []servertest.Column{
				{Name: "id", Type: types.Int},
				{Name: "name", Type: types.Varchar},
			},
			Rows: [][]any{{int32(7), "seven"}},
		}}
	}
	h := startHarness(t, config.New(), s)

	res, err := h.session.Execute(context.Background(), Statement{Query: "SELECT id, name FROM t"})
	require.NoError(err)
	require.Equal(1, res.RowCount())

	id, err := res.Value(0, 0)
	require.NoError(err)
	require.Equal(int32(7), id)

	name, err := res.ValueByName(0, "name")
	require.NoError(err)
	require.Equal("seven", name)
}

func TestExecuteBindsValuesByShape(t *testing.T) {
	require := require.New(t)

	s := startServer(t)
	var sawQuery atomic.Bool
	s.OnQuery = func(stmt string) servertest.Reply {
		sawQuery.Store(true)
		return servertest.Void()
	}
	h := startHarness(t, config.New(), s)

	_, err := h.session.Execute(context.Background(), Statement{
		Query:  "INSERT INTO t (id, name) VALUES (?, ?)",
		Values: []any{int32(1), "one"},
	})
	require.NoError(err)
	require.True(sawQuery.Load())
}

// TestRetryOnUnavailable: a single Unavailable response causes exactly
// one subsequent attempt, on the next host of the plan.
func TestRetryOnUnavailable(t *testing.T) {
	require := require.New(t)

	s1 := startServer(t)
	s2 := startServer(t)

	var q1, q2 atomic.Int32
	s1.OnQuery = func(stmt string) servertest.Reply {
		q1.Add(1)
		return servertest.Reply{Err: wire.NewUnavailableError("down to 1", wire.Quorum, 2, 1)}
	}
	s2.OnQuery = func(stmt string) servertest.Reply {
		q2.Add(1)
		return servertest.Void()
	}

	h := startHarness(t, config.New(), s1, s2)

	_, err := h.session.Execute(context.Background(), Statement{Query: "SELECT x FROM t"})
	require.NoError(err)
	require.Equal(int32(1), q1.Load())
	require.Equal(int32(1), q2.Load())
}

func TestFatalErrorDoesNotRetry(t *testing.T) {
	require := require.New(t)

	s1 := startServer(t)
	s2 := startServer(t)

	var q2 atomic.Int32
	s1.OnQuery = func(stmt string) servertest.Reply {
		return servertest.Reply{Err: wire.NewServerError(wire.CodeSyntaxError, "bad syntax")}
	}
	s2.OnQuery = func(stmt string) servertest.Reply {
		q2.Add(1)
		return servertest.Void()
	}

	h := startHarness(t, config.New(), s1, s2)

	_, err := h.session.Execute(context.Background(), Statement{Query: "SELEKT"})
	var se *wire.SyntaxError
	require.ErrorAs(err, &se)
	require.Zero(q2.Load())
}

// TestNoHostAvailable: an exhausted plan aggregates the per-host errors
// in plan order.
func TestNoHostAvailable(t *testing.T) {
	require := require.New(t)

	s1 := startServer(t)
	s2 := startServer(t)

	unavailable := func(string) servertest.Reply {
		return servertest.Reply{Err: wire.NewUnavailableError("nope", wire.One, 1, 0)}
	}
	s1.OnQuery = unavailable
	s2.OnQuery = unavailable

	cfg := config.New()
	cfg.RetryPolicy = alwaysNextRetry{}
	h := startHarness(t, cfg, s1, s2)

	_, err := h.session.Execute(context.Background(), Statement{Query: "SELECT x"})
	var nha *NoHostAvailableError
	require.ErrorAs(err, &nha)
	require.Len(nha.Errors, 2)
	require.Equal(s1.Addr(), nha.Errors[0].Host)
	require.Equal(s2.Addr(), nha.Errors[1].Host)
	var ue *wire.UnavailableError
	require.ErrorAs(nha.Errors[0].Err, &ue)
}

// TestUnpreparedRecovery: an UNPREPARED response re-prepares on the same
// host and retries there once.
func TestUnpreparedRecovery(t *testing.T) {
	require := require.New(t)

	s := startServer(t)
	var executes atomic.Int32
	s.OnExecute = func(id []byte) servertest.Reply {
		if executes.Add(1) == 1 {
			return servertest.Reply{Err: wire.NewUnpreparedError("evicted", id)}
		}
		return servertest.Void()
	}

	h := startHarness(t, config.New(), s)
	ctx := context.Background()

	const stmt = "SELECT x FROM t WHERE id = ?"
	require.NoError(h.session.Prepare(ctx, stmt))

	_, err := h.session.Execute(ctx, Statement{Query: stmt, Values: []any{int32(1)}})
	require.NoError(err)
	require.Equal(int32(2), executes.Load())
}

// TestSpeculativeExecution: the delayed first host loses to a speculative
// sibling on the second host; the first terminal response wins.
func TestSpeculativeExecution(t *testing.T) {
	require := require.New(t)

	s1 := startServer(t)
	s2 := startServer(t)

	var q2 atomic.Int32
	s1.OnQuery = func(stmt string) servertest.Reply {
		return servertest.Reply{Delay: 500 * time.Millisecond}
	}
	s2.OnQuery = func(stmt string) servertest.Reply {
		q2.Add(1)
		return servertest.Void()
	}

	cfg := config.New()
	cfg.SpeculativeExecutionPolicy = &policy.ConstantSpeculativePolicy{
		Delay:       20 * time.Millisecond,
		MaxAttempts: 1,
	}
	h := startHarness(t, cfg, s1, s2)

	start := time.Now()
	_, err := h.session.Execute(context.Background(), Statement{
		Query:      "SELECT x",
		Idempotent: true,
	})
	require.NoError(err)
	require.Less(time.Since(start), 400*time.Millisecond)
	require.Equal(int32(1), q2.Load())
}

func TestCancellation(t *testing.T) {
	require := require.New(t)

	s := startServer(t)
	s.OnQuery = func(stmt string) servertest.Reply {
		return servertest.Reply{Delay: 200 * time.Millisecond}
	}
	h := startHarness(t, config.New(), s)

	f := h.session.ExecuteAsync(context.Background(), Statement{Query: "SELECT x"})
	f.Cancel()
	_, err := f.Await(context.Background())
	require.ErrorIs(err, ErrQueryCancelled)

	// Cancelling after completion is a no-op.
	f.Cancel()
	_, err = f.Await(context.Background())
	require.ErrorIs(err, ErrQueryCancelled)
}

func TestRequestTimeout(t *testing.T) {
	require := require.New(t)

	s := startServer(t)
	s.OnQuery = func(stmt string) servertest.Reply {
		return servertest.Reply{Delay: time.Second}
	}
	h := startHarness(t, config.New(), s)

	start := time.Now()
	_, err := h.session.Execute(context.Background(), Statement{
		Query:   "SELECT x",
		Timeout: 50 * time.Millisecond,
	})
	require.Error(err)
	require.ErrorIs(err, context.DeadlineExceeded)
	require.Less(time.Since(start), 500*time.Millisecond)
}

// TestUnencodableValueDoesNotDegradePool: a bind value the registry
// cannot encode fails the statement before Send; the borrowed
// connection's reservation must come back, so later statements on the
// same pooled connection still execute.
func TestUnencodableValueDoesNotDegradePool(t *testing.T) {
	require := require.New(t)

	s := startServer(t)
	cfg := config.New()
	// One connection with a tiny in-flight bound: a single leaked
	// reservation per failure would exhaust it within a few statements.
	cfg.Pooling.CoreConnectionsPerHost = map[cluster.HostDistance]int{
		cluster.DistanceLocal: 1,
	}
	cfg.Pooling.MaxConnectionsPerHost = map[cluster.HostDistance]int{
		cluster.DistanceLocal: 1,
	}
	cfg.Pooling.MaxRequestsPerConnection = 4
	cfg.Pooling.MaxWaiters = 1
	h := startHarness(t, cfg, s)
	ctx := context.Background()

	type opaque struct{ x int }
	for i := 0; i < 20; i++ {
		_, err := h.session.Execute(ctx, Statement{
			Query:   "INSERT INTO t (v) VALUES (?)",
			Values:  []any{opaque{x: i}},
			Timeout: 2 * time.Second,
		})
		require.ErrorIs(err, codec.ErrCodecNotFound)
	}

	res, err := h.session.Execute(ctx, Statement{
		Query:   "SELECT x",
		Timeout: 2 * time.Second,
	})
	require.NoError(err)
	require.NotNil(res)
}

func TestExecuteBatch(t *testing.T) {
	require := require.New(t)

	s := startServer(t)
	var batches atomic.Int32
	s.OnBatch = func() servertest.Reply {
		batches.Add(1)
		return servertest.Void()
	}
	h := startHarness(t, config.New(), s)

	_, err := h.session.ExecuteBatch(context.Background(), BatchStatement{
		Type: wire.BatchLogged,
		Entries: []BatchEntry{
			{Query: "INSERT INTO t (id) VALUES (?)", Values: []any{int32(1)}},
			{Query: "INSERT INTO t (id) VALUES (?)", Values: []any{int32(2)}},
		},
	})
	require.NoError(err)
	require.Equal(int32(1), batches.Load())
}

func TestSessionClosed(t *testing.T) {
	require := require.New(t)

	s := startServer(t)
	h := startHarness(t, config.New(), s)
	h.session.Close()

	_, err := h.session.Execute(context.Background(), Statement{Query: "SELECT x"})
	require.ErrorIs(err, ErrSessionClosed)
}
