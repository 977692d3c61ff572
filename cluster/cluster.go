// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"context"

	"go.uber.org/zap"

	"github.com/luxfi/cql/codec"
	"github.com/luxfi/cql/wire"
)

// Cluster is the shared handle on one database cluster: the identity-
// stable metadata registry, the codec registry, and the control channel.
// Sessions attach to it; the control channel is a singleton per cluster.
type Cluster struct {
	log      *zap.Logger
	opts     Options
	metadata *Metadata
	control  *Control
}

// Connect establishes the control connection against the configured
// contact points and performs the initial topology and schema refresh.
func Connect(ctx context.Context, opts Options) (*Cluster, error) {
	opts = opts.withDefaults()
	metadata := NewMetadata()
	control := newControl(metadata, opts)
	if err := control.start(ctx); err != nil {
		return nil, err
	}
	return &Cluster{
		log:      opts.Logger,
		opts:     opts,
		metadata: metadata,
		control:  control,
	}, nil
}

func (cl *Cluster) Metadata() *Metadata       { return cl.metadata }
func (cl *Cluster) Registry() *codec.Registry { return cl.opts.Registry }
func (cl *Cluster) Control() *Control         { return cl.control }

// Version is the protocol version negotiated by the control connection.
func (cl *Cluster) Version() wire.ProtocolVersion { return cl.control.Version() }

// Compression is the configured per-frame compression.
func (cl *Cluster) Compression() wire.Compression { return cl.opts.Compression }

// AddStateListener subscribes to host lifecycle transitions.
func (cl *Cluster) AddStateListener(l StateListener) { cl.control.addListener(l) }

// Close tears down the control channel and cancels every pending host
// reconnection.
func (cl *Cluster) Close() { cl.control.close() }
