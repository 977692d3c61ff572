// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config is the driver's configuration surface. Zero values mean
// "use the default"; WithDefaults normalizes a user-supplied Config into a
// fully populated one.
package config

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/cql/cluster"
	"github.com/luxfi/cql/codec"
	"github.com/luxfi/cql/conn"
	"github.com/luxfi/cql/policy"
	"github.com/luxfi/cql/wire"
)

// PoolingOptions sizes per-host pools by distance class and bounds
// per-connection concurrency.
type PoolingOptions struct {
	// CoreConnectionsPerHost and MaxConnectionsPerHost are keyed by
	// distance; IGNORED hosts get no pool regardless.
	CoreConnectionsPerHost map[cluster.HostDistance]int
	MaxConnectionsPerHost  map[cluster.HostDistance]int

	// MaxRequestsPerConnection bounds in-flight requests per connection;
	// capped by the protocol's stream-id space.
	MaxRequestsPerConnection int

	// HeartbeatInterval is the idle probe period; 0 disables heartbeats.
	HeartbeatInterval time.Duration

	// MaxWaiters bounds the borrow queue per pool.
	MaxWaiters int
}

// QueryOptions tunes statement defaults and metadata refresh debouncing.
type QueryOptions struct {
	// Consistency is the default consistency level for statements that
	// do not set one.
	Consistency wire.Consistency
	// PageSize is the default result page size; 0 disables paging.
	PageSize int32

	// RefreshNodeListInterval debounces full topology refresh and
	// RefreshSchemaInterval schema refresh. RefreshNodeInterval is
	// defaulted and passed to the control channel, but no refresh reads
	// it: there is no single-node metadata refresh, and node events
	// trigger the full topology refresh instead.
	RefreshNodeInterval     time.Duration
	RefreshNodeListInterval time.Duration
	RefreshSchemaInterval   time.Duration
}

// Config is the complete configuration of a cluster handle and its
// sessions.
type Config struct {
	// ContactPoints are the host:port seeds for the control connection.
	ContactPoints []string

	// ProtocolVersion is the upper bound for negotiation.
	ProtocolVersion wire.ProtocolVersion
	// Compression is applied per frame: none, snappy or lz4.
	Compression wire.Compression

	Authenticator conn.Authenticator

	Pooling PoolingOptions
	Query   QueryOptions

	ReconnectionPolicy         cluster.ReconnectionPolicy
	RetryPolicy                policy.RetryPolicy
	LoadBalancingPolicy        policy.LoadBalancingPolicy
	SpeculativeExecutionPolicy policy.SpeculativeExecutionPolicy

	// NewNodeDelay holds back the first probe of a newly announced node.
	NewNodeDelay time.Duration

	// RequestTimeout is the default absolute per-request deadline;
	// 0 disables it.
	RequestTimeout time.Duration
	// MaxRetries bounds same-host retries per request.
	MaxRetries int

	ConnectTimeout time.Duration

	// Registry is the codec registry shared by all sessions bound to the
	// cluster handle; nil uses the process-wide default.
	Registry *codec.Registry

	Logger *zap.Logger
	// Registerer receives the driver's metrics collectors; nil disables
	// metrics registration.
	Registerer prometheus.Registerer
}

// New returns a Config seeded with contact points; everything else
// defaults.
func New(contactPoints ...string) *Config {
	return &Config{ContactPoints: contactPoints}
}

// WithDefaults returns a copy with every unset field populated.
func (c *Config) WithDefaults() *Config {
	out := *c
	if out.ProtocolVersion == 0 {
		out.ProtocolVersion = wire.MaxSupported
	}
	if out.Pooling.CoreConnectionsPerHost == nil {
		out.Pooling.CoreConnectionsPerHost = map[cluster.HostDistance]int{
			cluster.DistanceLocal:  2,
			cluster.DistanceRemote: 1,
		}
	}
	if out.Pooling.MaxConnectionsPerHost == nil {
		out.Pooling.MaxConnectionsPerHost = map[cluster.HostDistance]int{
			cluster.DistanceLocal:  8,
			cluster.DistanceRemote: 2,
		}
	}
	if out.Pooling.MaxRequestsPerConnection == 0 {
		out.Pooling.MaxRequestsPerConnection = 1024
	}
	if out.Pooling.HeartbeatInterval == 0 {
		out.Pooling.HeartbeatInterval = 30 * time.Second
	}
	if out.Query.Consistency == 0 {
		out.Query.Consistency = wire.Quorum
	}
	if out.Query.RefreshNodeInterval == 0 {
		out.Query.RefreshNodeInterval = time.Second
	}
	if out.Query.RefreshNodeListInterval == 0 {
		out.Query.RefreshNodeListInterval = time.Second
	}
	if out.Query.RefreshSchemaInterval == 0 {
		out.Query.RefreshSchemaInterval = 2 * time.Second
	}
	if out.ReconnectionPolicy == nil {
		out.ReconnectionPolicy = policy.NewExponentialReconnectionPolicy(
			time.Second, 10*time.Minute)
	}
	if out.RetryPolicy == nil {
		out.RetryPolicy = policy.DefaultRetryPolicy{}
	}
	if out.SpeculativeExecutionPolicy == nil {
		out.SpeculativeExecutionPolicy = policy.NoSpeculativeExecutionPolicy{}
	}
	if out.NewNodeDelay == 0 {
		out.NewNodeDelay = time.Second
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = 1
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = 5 * time.Second
	}
	if out.Registry == nil {
		out.Registry = codec.DefaultRegistry()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return &out
}

// ClusterOptions projects the Config onto the cluster runtime's options.
func (c *Config) ClusterOptions() cluster.Options {
	return cluster.Options{
		ContactPoints:           c.ContactPoints,
		Version:                 c.ProtocolVersion,
		Compression:             c.Compression,
		Authenticator:           c.Authenticator,
		ReconnectionPolicy:      c.ReconnectionPolicy,
		NewNodeDelay:            c.NewNodeDelay,
		RefreshNodeInterval:     c.Query.RefreshNodeInterval,
		RefreshNodeListInterval: c.Query.RefreshNodeListInterval,
		RefreshSchemaInterval:   c.Query.RefreshSchemaInterval,
		ConnectTimeout:          c.ConnectTimeout,
		Registry:                c.Registry,
		Logger:                  c.Logger,
	}
}
