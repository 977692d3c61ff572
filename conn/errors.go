// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package conn

import "errors"

var (
	// ErrConnectionClosed completes every request that was pending on a
	// connection when it closed. The request handler treats it as a cue
	// to advance the host plan.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrBusyConnection is returned when a connection has no free stream
	// id or has reached its in-flight bound.
	ErrBusyConnection = errors.New("connection busy: no stream available")

	// ErrBusyPool is returned when every connection is saturated and the
	// waiter queue is full.
	ErrBusyPool = errors.New("pool busy: waiter queue full")

	// ErrPoolClosed is returned by borrows against a closed pool.
	ErrPoolClosed = errors.New("pool closed")

	// ErrAuthenticationRequired is returned when the server demands
	// authentication and no authenticator is configured.
	ErrAuthenticationRequired = errors.New("server requires authentication but no authenticator is configured")
)
