// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"errors"
	"fmt"
	"strings"
)

// ErrQueryCancelled completes a future whose Cancel won the race against
// the response.
var ErrQueryCancelled = errors.New("query cancelled")

// ErrSessionClosed is returned by executions against a closed session.
var ErrSessionClosed = errors.New("session closed")

// HostError is one host's contribution to a failed plan.
type HostError struct {
	Host string
	Err  error
}

func (e HostError) Error() string {
	return fmt.Sprintf("%s: %v", e.Host, e.Err)
}

func (e HostError) Unwrap() error { return e.Err }

// NoHostAvailableError reports an exhausted host plan, preserving the
// per-host error observed on each attempted host in plan order.
type NoHostAvailableError struct {
	Errors []HostError
}

func (e *NoHostAvailableError) Error() string {
	if len(e.Errors) == 0 {
		return "no host available to execute the query"
	}
	parts := make([]string, len(e.Errors))
	for i, he := range e.Errors {
		parts[i] = he.Error()
	}
	return "no host available to execute the query (tried: " + strings.Join(parts, "; ") + ")"
}
