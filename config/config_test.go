// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/cql/cluster"
	"github.com/luxfi/cql/wire"
)

func TestWithDefaults(t *testing.T) {
	require := require.New(t)

	c := New("10.0.0.1:9042").WithDefaults()
	require.Equal([]string{"10.0.0.1:9042"}, c.ContactPoints)
	require.Equal(wire.MaxSupported, c.ProtocolVersion)
	require.Equal(wire.Quorum, c.Query.Consistency)
	require.Equal(2, c.Pooling.CoreConnectionsPerHost[cluster.DistanceLocal])
	require.Equal(8, c.Pooling.MaxConnectionsPerHost[cluster.DistanceLocal])
	require.Equal(1024, c.Pooling.MaxRequestsPerConnection)
	require.Equal(30*time.Second, c.Pooling.HeartbeatInterval)
	require.NotNil(c.ReconnectionPolicy)
	require.NotNil(c.RetryPolicy)
	require.NotNil(c.SpeculativeExecutionPolicy)
	require.NotNil(c.Registry)
	require.NotNil(c.Logger)
	require.Equal(1, c.MaxRetries)
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	require := require.New(t)

	in := New("h:1")
	in.ProtocolVersion = wire.V2
	in.Compression = wire.CompressionSnappy
	in.Query.Consistency = wire.One
	in.MaxRetries = 3
	out := in.WithDefaults()

	require.Equal(wire.V2, out.ProtocolVersion)
	require.Equal(wire.CompressionSnappy, out.Compression)
	require.Equal(wire.One, out.Query.Consistency)
	require.Equal(3, out.MaxRetries)

	// The input is not mutated.
	require.Nil(in.RetryPolicy)
}

func TestClusterOptionsProjection(t *testing.T) {
	require := require.New(t)

	c := New("h:1").WithDefaults()
	opts := c.ClusterOptions()
	require.Equal(c.ContactPoints, opts.ContactPoints)
	require.Equal(c.ProtocolVersion, opts.Version)
	require.Equal(c.Query.RefreshSchemaInterval, opts.RefreshSchemaInterval)
	require.NotNil(opts.Registry)
}
