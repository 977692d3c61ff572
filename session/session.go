// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/luxfi/cql/cluster"
	"github.com/luxfi/cql/codec"
	"github.com/luxfi/cql/config"
	"github.com/luxfi/cql/conn"
	"github.com/luxfi/cql/metrics"
	"github.com/luxfi/cql/policy"
	"github.com/luxfi/cql/types"
	"github.com/luxfi/cql/wire"
)

// preparedStatement caches a server-side prepared form of a query.
type preparedStatement struct {
	id            []byte
	variableTypes []types.DataType
}

// Session executes statements against a cluster. All methods are safe for
// concurrent use from any goroutine; user completions run on the caller's
// side of the future, never on connection reader goroutines.
type Session struct {
	log      *zap.Logger
	cluster  *cluster.Cluster
	cfg      *config.Config
	lb       policy.LoadBalancingPolicy
	retry    policy.RetryPolicy
	spec     policy.SpeculativeExecutionPolicy
	registry *codec.Registry
	metrics  *metrics.Metrics

	mu    sync.Mutex
	pools map[*cluster.Host]*conn.Pool

	prepared sync.Map // query string -> *preparedStatement

	closed atomic.Bool
}

// Connect attaches a session to a connected cluster handle and opens
// request pools toward its known hosts.
func Connect(ctx context.Context, cl *cluster.Cluster, cfg *config.Config) (*Session, error) {
	cfg = cfg.WithDefaults()
	lb := cfg.LoadBalancingPolicy
	if lb == nil {
		lb = policy.NewRoundRobinPolicy(cl.Metadata())
	}
	m, err := metrics.New(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	s := &Session{
		log:      cfg.Logger,
		cluster:  cl,
		cfg:      cfg,
		lb:       lb,
		retry:    cfg.RetryPolicy,
		spec:     cfg.SpeculativeExecutionPolicy,
		registry: cfg.Registry,
		metrics:  m,
		pools:    make(map[*cluster.Host]*conn.Pool),
	}
	cl.AddStateListener(s)

	// Pools toward hosts discovered later open lazily on first borrow;
	// warm the ones already known.
	for _, h := range cl.Metadata().Hosts() {
		if h.IsUp() {
			if _, err := s.pool(ctx, h); err != nil {
				s.log.Debug("initial pool dial failed",
					zap.String("host", h.Address()), zap.Error(err))
			}
		}
	}
	return s, nil
}

// pool returns the host's pool, opening it on first use.
func (s *Session) pool(ctx context.Context, h *cluster.Host) (*conn.Pool, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	distance := s.lb.Distance(h)
	if distance == cluster.DistanceIgnored {
		return nil, fmt.Errorf("host %s is IGNORED", h.Address())
	}

	s.mu.Lock()
	if p, ok := s.pools[h]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	p, err := s.openPool(ctx, h, distance)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pools[h]; ok {
		// Lost the race; keep the first pool.
		go p.Close()
		return existing, nil
	}
	if s.closed.Load() {
		go p.Close()
		return nil, ErrSessionClosed
	}
	s.pools[h] = p
	return p, nil
}

func (s *Session) openPool(ctx context.Context, h *cluster.Host, distance cluster.HostDistance) (*conn.Pool, error) {
	pooling := s.cfg.Pooling
	p, err := conn.NewPool(ctx, h.Address(), conn.PoolConfig{
		Core:       pooling.CoreConnectionsPerHost[distance],
		Max:        pooling.MaxConnectionsPerHost[distance],
		MaxWaiters: pooling.MaxWaiters,
		ConnOptions: conn.Options{
			Version:           s.cluster.Version(),
			Compression:       s.cluster.Compression(),
			Authenticator:     s.cfg.Authenticator,
			ConnectTimeout:    s.cfg.ConnectTimeout,
			HeartbeatInterval: pooling.HeartbeatInterval,
			MaxInFlight:       pooling.MaxRequestsPerConnection,
			Logger:            s.log,
			OnClose: func(_ *conn.Conn, err error) {
				s.onConnClose(h, err)
			},
		},
	})
	if err != nil {
		return nil, err
	}
	s.metrics.SetOpenConnections(h.Address(), p.Size())
	return p, nil
}

// onConnClose is per-connection failure propagation: the pool has already
// torn the connection down and completed its pending requests; the host
// is only marked DOWN once its pool has no connections left.
func (s *Session) onConnClose(h *cluster.Host, err error) {
	if err == nil || s.closed.Load() {
		return
	}
	s.mu.Lock()
	p := s.pools[h]
	s.mu.Unlock()
	if p != nil {
		s.metrics.SetOpenConnections(h.Address(), p.Size())
		if p.Size() == 0 {
			s.cluster.Control().MarkHostDown(h)
		}
	}
}

// HostAdded implements cluster.StateListener. The pool opens lazily on
// the first borrow against the new host.
func (s *Session) HostAdded(*cluster.Host) {}

// HostRemoved implements cluster.StateListener.
func (s *Session) HostRemoved(h *cluster.Host) {
	s.mu.Lock()
	p := s.pools[h]
	delete(s.pools, h)
	s.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

// HostUp implements cluster.StateListener.
func (s *Session) HostUp(h *cluster.Host) {
	if s.closed.Load() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		defer cancel()
		if _, err := s.pool(ctx, h); err != nil {
			s.log.Debug("pool dial after UP failed",
				zap.String("host", h.Address()), zap.Error(err))
		}
	}()
}

// HostDown implements cluster.StateListener. The pool is kept: trashing it
// would drop in-flight responses, and the reconnection loop will flip the
// host back UP.
func (s *Session) HostDown(h *cluster.Host) {
	s.mu.Lock()
	p := s.pools[h]
	s.mu.Unlock()
	if p != nil {
		s.metrics.SetOpenConnections(h.Address(), p.Size())
	}
}

// Prepare prepares a statement on one host and caches the result for
// typed EXECUTE binding.
func (s *Session) Prepare(ctx context.Context, query string) error {
	plan := s.lb.NewQueryPlan()
	var errs []HostError
	for h := plan.Next(); h != nil; h = plan.Next() {
		p, err := s.pool(ctx, h)
		if err != nil {
			errs = append(errs, HostError{Host: h.Address(), Err: err})
			continue
		}
		c, err := p.Borrow(ctx)
		if err != nil {
			errs = append(errs, HostError{Host: h.Address(), Err: err})
			continue
		}
		if err := s.prepareOn(ctx, c, query); err != nil {
			errs = append(errs, HostError{Host: h.Address(), Err: err})
			continue
		}
		return nil
	}
	return &NoHostAvailableError{Errors: errs}
}

func (s *Session) prepareOn(ctx context.Context, c *conn.Conn, query string) error {
	resp, err := c.Request(ctx, &wire.Prepare{Statement: query})
	if err != nil {
		return err
	}
	prep, ok := resp.(*wire.PreparedResult)
	if !ok {
		return fmt.Errorf("unexpected PREPARE response %T", resp)
	}
	varTypes := make([]types.DataType, len(prep.Metadata.Columns))
	for i, col := range prep.Metadata.Columns {
		varTypes[i] = col.Type
	}
	s.prepared.Store(query, &preparedStatement{id: prep.ID, variableTypes: varTypes})
	return nil
}

func (s *Session) preparedFor(query string) *preparedStatement {
	if v, ok := s.prepared.Load(query); ok {
		return v.(*preparedStatement)
	}
	return nil
}

// serializeValues binds statement values: typed against prepared variable
// metadata when available, by runtime shape otherwise.
func (s *Session) serializeValues(stmt *Statement, prep *preparedStatement) ([][]byte, error) {
	if len(stmt.Values) == 0 {
		return nil, nil
	}
	pv := s.cluster.Version()
	out := make([][]byte, len(stmt.Values))
	for i, v := range stmt.Values {
		var (
			cdc codec.Codec
			err error
		)
		if prep != nil && i < len(prep.variableTypes) && prep.variableTypes[i] != nil {
			cdc, err = s.registry.CodecForTypeValue(prep.variableTypes[i], v)
		} else {
			cdc, err = s.registry.CodecForValue(v)
		}
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		if out[i], err = cdc.Serialize(v, pv); err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
	}
	return out, nil
}

// ExecuteAsync starts an execution and returns its future.
func (s *Session) ExecuteAsync(ctx context.Context, stmt Statement) *Future {
	f := newFuture()
	if s.closed.Load() {
		f.complete(nil, ErrSessionClosed)
		return f
	}
	s.metrics.IncRequests()
	h := newQueryHandler(s, stmt, f)
	go h.run(ctx)
	return f
}

// Execute is the synchronous wrapper over ExecuteAsync.
func (s *Session) Execute(ctx context.Context, stmt Statement) (*Result, error) {
	return s.ExecuteAsync(ctx, stmt).Await(ctx)
}

// Close shuts down every pool. The cluster handle (and its control
// channel) is shared and stays up; close it separately.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	pools := s.pools
	s.pools = make(map[*cluster.Host]*conn.Pool)
	s.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
}
