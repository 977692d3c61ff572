// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package policy holds the pluggable strategies the cluster runtime
// consults: host plans, retry classification, reconnection schedules and
// speculative-execution delays. The request handler and topology tracker
// only depend on the interfaces; everything here is a default.
package policy

import (
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/luxfi/cql/cluster"
	"github.com/luxfi/cql/wire"
)

// byAddress keeps plan order stable: metadata snapshots iterate a map.
func byAddress(hosts []*cluster.Host) {
	slices.SortFunc(hosts, func(a, b *cluster.Host) int {
		return strings.Compare(a.Address(), b.Address())
	})
}

// QueryPlan is a lazy, finite, non-restartable sequence of hosts for one
// query. Next returns nil when the plan is exhausted.
type QueryPlan interface {
	Next() *cluster.Host
}

// LoadBalancingPolicy produces host plans and classifies host distance
// for pool sizing.
type LoadBalancingPolicy interface {
	// Distance classifies the host; IGNORED hosts get no pool.
	Distance(h *cluster.Host) cluster.HostDistance
	// NewQueryPlan returns the ordered hosts to try for one query.
	NewQueryPlan() QueryPlan
}

// RetryDecisionType selects how the request handler proceeds after a
// retryable error.
type RetryDecisionType int

const (
	// RetrySame reuses the current host, bounded by the handler's
	// max-retries counter.
	RetrySame RetryDecisionType = iota
	// RetryNext advances the host plan.
	RetryNext
	// Rethrow surfaces the error to the caller.
	Rethrow
	// Ignore completes the request successfully with an empty result.
	Ignore
)

// RetryDecision pairs the decision with an optional consistency override
// for the retried attempt.
type RetryDecision struct {
	Type        RetryDecisionType
	Consistency wire.Consistency // zero means keep the current level
}

// RetryPolicy classifies server errors and client-side timeouts.
type RetryPolicy interface {
	OnReadTimeout(err *wire.ReadTimeoutError, retries int) RetryDecision
	OnWriteTimeout(err *wire.WriteTimeoutError, retries int) RetryDecision
	OnUnavailable(err *wire.UnavailableError, retries int) RetryDecision
	// OnRequestError covers server errors and client-side deadline
	// expiry not covered above.
	OnRequestError(err error, retries int) RetryDecision
}

// SpeculativeExecutionPolicy schedules redundant attempts on further
// hosts while the first attempt is still pending. A read-oriented
// optimization: at-most-once side effects are not guaranteed, callers opt
// in per statement.
type SpeculativeExecutionPolicy interface {
	// Plan returns the delay schedule; a nil schedule disables
	// speculative execution for the statement.
	Plan() SpeculativeExecutionPlan
}

// SpeculativeExecutionPlan yields the delay before each next speculative
// attempt; a negative delay stops the plan.
type SpeculativeExecutionPlan interface {
	NextDelay() time.Duration
}

// RoundRobinPolicy cycles through the up hosts of the metadata registry,
// starting at a rotating offset. All hosts are LOCAL.
type RoundRobinPolicy struct {
	metadata *cluster.Metadata
	offset   atomic.Uint64
}

func NewRoundRobinPolicy(metadata *cluster.Metadata) *RoundRobinPolicy {
	return &RoundRobinPolicy{metadata: metadata}
}

func (p *RoundRobinPolicy) Distance(*cluster.Host) cluster.HostDistance {
	return cluster.DistanceLocal
}

func (p *RoundRobinPolicy) NewQueryPlan() QueryPlan {
	hosts := p.metadata.Hosts()
	// Freshly added hosts participate; only hosts known DOWN are
	// skipped.
	up := make([]*cluster.Host, 0, len(hosts))
	for _, h := range hosts {
		if h.State() != cluster.HostDown {
			up = append(up, h)
		}
	}
	byAddress(up)
	start := int(p.offset.Add(1))
	return &sliceQueryPlan{hosts: up, start: start}
}

type sliceQueryPlan struct {
	hosts []*cluster.Host
	start int
	next  int
}

func (p *sliceQueryPlan) Next() *cluster.Host {
	if p.next >= len(p.hosts) {
		return nil
	}
	h := p.hosts[(p.start+p.next)%len(p.hosts)]
	p.next++
	return h
}

// DCAwarePolicy prefers hosts of the local datacenter, then falls back to
// remote ones; remote hosts are REMOTE distance.
type DCAwarePolicy struct {
	metadata *cluster.Metadata
	localDC  string
	offset   atomic.Uint64
}

func NewDCAwarePolicy(metadata *cluster.Metadata, localDC string) *DCAwarePolicy {
	return &DCAwarePolicy{metadata: metadata, localDC: localDC}
}

func (p *DCAwarePolicy) Distance(h *cluster.Host) cluster.HostDistance {
	if h.Datacenter() == "" || h.Datacenter() == p.localDC {
		return cluster.DistanceLocal
	}
	return cluster.DistanceRemote
}

func (p *DCAwarePolicy) NewQueryPlan() QueryPlan {
	var local, remote []*cluster.Host
	for _, h := range p.metadata.Hosts() {
		if h.State() == cluster.HostDown {
			continue
		}
		if p.Distance(h) == cluster.DistanceLocal {
			local = append(local, h)
		} else {
			remote = append(remote, h)
		}
	}
	byAddress(local)
	byAddress(remote)
	start := int(p.offset.Add(1))
	if len(local) > 0 {
		rot := make([]*cluster.Host, 0, len(local)+len(remote))
		for i := range local {
			rot = append(rot, local[(start+i)%len(local)])
		}
		rot = append(rot, remote...)
		return &sliceQueryPlan{hosts: rot}
	}
	return &sliceQueryPlan{hosts: remote, start: start}
}

// DefaultRetryPolicy retries once on the next host for unavailability;
// retries a read timeout once on the same host when enough replicas
// answered but no data was returned; retries a BATCH_LOG write timeout
// once on the same host; rethrows other timeouts; and moves to the next
// host on any other request error.
type DefaultRetryPolicy struct{}

func (DefaultRetryPolicy) OnReadTimeout(err *wire.ReadTimeoutError, retries int) RetryDecision {
	if retries == 0 && err.Received >= err.BlockFor && !err.DataPresent {
		return RetryDecision{Type: RetrySame}
	}
	return RetryDecision{Type: Rethrow}
}

func (DefaultRetryPolicy) OnWriteTimeout(err *wire.WriteTimeoutError, retries int) RetryDecision {
	if retries == 0 && err.WriteType == "BATCH_LOG" {
		return RetryDecision{Type: RetrySame}
	}
	return RetryDecision{Type: Rethrow}
}

func (DefaultRetryPolicy) OnUnavailable(_ *wire.UnavailableError, retries int) RetryDecision {
	if retries == 0 {
		return RetryDecision{Type: RetryNext}
	}
	return RetryDecision{Type: Rethrow}
}

func (DefaultRetryPolicy) OnRequestError(_ error, _ int) RetryDecision {
	return RetryDecision{Type: RetryNext}
}

// DowngradingRetryPolicy retries once at a lower consistency on
// unavailability; otherwise behaves like DefaultRetryPolicy.
type DowngradingRetryPolicy struct {
	DefaultRetryPolicy
}

func (DowngradingRetryPolicy) OnUnavailable(err *wire.UnavailableError, retries int) RetryDecision {
	if retries > 0 {
		return RetryDecision{Type: Rethrow}
	}
	if err.Alive > 0 {
		return RetryDecision{Type: RetryNext, Consistency: downgradeTo(err.Alive)}
	}
	return RetryDecision{Type: Rethrow}
}

func downgradeTo(alive int32) wire.Consistency {
	switch {
	case alive >= 3:
		return wire.Three
	case alive == 2:
		return wire.Two
	default:
		return wire.One
	}
}

// ExponentialReconnectionPolicy backs off exponentially between attempts.
// The interval stops growing at MaxDelay, but each delay is randomized
// by ±50% around the interval, so one delay can reach 1.5×MaxDelay.
type ExponentialReconnectionPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func NewExponentialReconnectionPolicy(base, max time.Duration) *ExponentialReconnectionPolicy {
	return &ExponentialReconnectionPolicy{BaseDelay: base, MaxDelay: max}
}

func (p *ExponentialReconnectionPolicy) NewSchedule() cluster.ReconnectionSchedule {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	// The schedule never gives up; the reconnection loop decides when to
	// stop.
	b.MaxElapsedTime = 0
	b.Reset()
	return &backoffSchedule{b: b}
}

type backoffSchedule struct {
	b *backoff.ExponentialBackOff
}

func (s *backoffSchedule) NextDelay() time.Duration {
	d := s.b.NextBackOff()
	if d == backoff.Stop {
		return s.b.MaxInterval
	}
	return d
}

// ConstantReconnectionPolicy retries on a fixed period.
type ConstantReconnectionPolicy struct {
	Delay time.Duration
}

func (p *ConstantReconnectionPolicy) NewSchedule() cluster.ReconnectionSchedule {
	return constantSchedule(p.Delay)
}

type constantSchedule time.Duration

func (s constantSchedule) NextDelay() time.Duration { return time.Duration(s) }

// ConstantSpeculativePolicy launches up to MaxAttempts extra attempts,
// Delay apart.
type ConstantSpeculativePolicy struct {
	Delay       time.Duration
	MaxAttempts int
}

func (p *ConstantSpeculativePolicy) Plan() SpeculativeExecutionPlan {
	return &constantSpeculativePlan{delay: p.Delay, remaining: p.MaxAttempts}
}

type constantSpeculativePlan struct {
	delay     time.Duration
	remaining int
}

func (p *constantSpeculativePlan) NextDelay() time.Duration {
	if p.remaining <= 0 {
		return -1
	}
	p.remaining--
	return p.delay
}

// NoSpeculativeExecutionPolicy disables speculative attempts.
type NoSpeculativeExecutionPolicy struct{}

func (NoSpeculativeExecutionPolicy) Plan() SpeculativeExecutionPlan { return nil }
