// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package conn

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/cql/wire"
)

const (
	defaultMaxWaiters      = 256
	defaultGrowThreshold   = 0.8
	defaultShrinkThreshold = 0.25
	maintainInterval       = time.Second
)

// PoolConfig sizes and tunes one host's pool.
type PoolConfig struct {
	// Core and Max bound the pool size for the host's distance class.
	Core int
	Max  int

	// MaxWaiters bounds the borrow queue; overflow fails fast with
	// ErrBusyPool.
	MaxWaiters int

	// GrowThreshold is the saturation fraction of total stream capacity
	// above which an extra connection is added; ShrinkThreshold is the
	// fraction of core capacity below which a surplus connection is
	// trashed.
	GrowThreshold   float64
	ShrinkThreshold float64

	ConnOptions Options
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Core <= 0 {
		c.Core = 1
	}
	if c.Max < c.Core {
		c.Max = c.Core
	}
	if c.MaxWaiters == 0 {
		c.MaxWaiters = defaultMaxWaiters
	}
	if c.GrowThreshold == 0 {
		c.GrowThreshold = defaultGrowThreshold
	}
	if c.ShrinkThreshold == 0 {
		c.ShrinkThreshold = defaultShrinkThreshold
	}
	c.ConnOptions = c.ConnOptions.withDefaults()
	return c
}

// Pool multiplexes one host's traffic over between Core and Max
// connections. Borrowing picks the least-loaded connection (ties broken by
// insertion order) and reserves a slot before the stream id is allocated,
// so concurrent borrows cannot oversubscribe a connection.
type Pool struct {
	addr string
	cfg  PoolConfig
	log  *zap.Logger

	mu      sync.Mutex
	conns   []*Conn
	waiters []chan *Conn
	growing bool
	closed  bool

	done chan struct{}
}

// NewPool dials the first core connection synchronously (surfacing
// unreachable hosts immediately) and fills the rest of the core in the
// background.
func NewPool(ctx context.Context, addr string, cfg PoolConfig) (*Pool, error) {
	cfg = cfg.withDefaults()
	p := &Pool{
		addr: addr,
		cfg:  cfg,
		log:  cfg.ConnOptions.Logger,
		done: make(chan struct{}),
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}

	first, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.conns = []*Conn{first}

	for i := 1; i < cfg.Core; i++ {
		go p.addConn()
	}
	go p.maintainLoop()
	return p, nil
}

func (p *Pool) Addr() string { return p.addr }

// Size is the number of connections in rotation (trashed ones excluded).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// InFlight sums in-flight requests across the rotation.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, c := range p.conns {
		total += c.InFlightCount()
	}
	return total
}

// Conns snapshots the rotation; used by tests and metrics.
func (p *Pool) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Conn, len(p.conns))
	copy(out, p.conns)
	return out
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	opts := p.cfg.ConnOptions
	userOnClose := opts.OnClose
	opts.OnClose = func(c *Conn, err error) {
		p.removeConn(c)
		if userOnClose != nil {
			userOnClose(c, err)
		}
	}
	userOnRelease := opts.OnRelease
	opts.OnRelease = func(c *Conn) {
		p.onRelease(c)
		if userOnRelease != nil {
			userOnRelease(c)
		}
	}
	return Dial(ctx, p.addr, opts)
}

// Borrow returns a connection with a reserved slot, parking on the waiter
// queue when every connection is saturated. The reservation converts into
// a stream id at the next Send.
func (p *Pool) Borrow(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if c := p.pickLocked(); c != nil {
			c.reserve()
			p.mu.Unlock()
			return c, nil
		}
		if len(p.conns) < p.cfg.Max && !p.growing {
			p.growing = true
			go p.grow()
		}
		if len(p.waiters) >= p.cfg.MaxWaiters {
			p.mu.Unlock()
			return nil, ErrBusyPool
		}
		w := make(chan *Conn, 1)
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case c := <-w:
			if c != nil {
				return c, nil
			}
			// Retry: state changed but no connection was handed over.
		case <-ctx.Done():
			if !p.removeWaiter(w) {
				// A notifier already popped this waiter under the lock
				// and is committed to sending exactly once; the send may
				// not have landed yet. Take it and return the
				// reservation it carries.
				if c := <-w; c != nil {
					c.ReleaseBorrow()
				}
			}
			return nil, ctx.Err()
		}
	}
}

// pickLocked is the least-loaded selection; ties break toward the oldest
// connection.
func (p *Pool) pickLocked() *Conn {
	var best *Conn
	bestLoad := 0
	for _, c := range p.conns {
		if c.State() != StateOpen {
			continue
		}
		load := c.load()
		if load >= c.maxInFlight {
			continue
		}
		if best == nil || load < bestLoad {
			best, bestLoad = c, load
		}
	}
	return best
}

// removeWaiter unlinks w from the queue; false means a notifier already
// popped it, in which case a send to w is guaranteed to follow.
func (p *Pool) removeWaiter(w chan *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, o := range p.waiters {
		if o == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// onRelease runs on every stream release: the freed capacity is offered to
// the oldest waiter.
func (p *Pool) onRelease(c *Conn) {
	p.mu.Lock()
	if p.closed || len(p.waiters) == 0 {
		p.mu.Unlock()
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	usable := c.State() == StateOpen && c.load() < c.maxInFlight
	if usable {
		c.reserve()
	}
	p.mu.Unlock()
	if usable {
		w <- c
	} else {
		w <- nil
	}
}

func (p *Pool) removeConn(c *Conn) {
	p.mu.Lock()
	for i, o := range p.conns {
		if o == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	// Closed connection: parked borrowers re-evaluate (and trigger a
	// grow) rather than wait for capacity that no longer exists.
	for _, w := range waiters {
		w <- nil
	}
}

func (p *Pool) addConn() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnOptions.ConnectTimeout)
	defer cancel()
	c, err := p.dial(ctx)
	if err != nil {
		p.log.Debug("pool connection dial failed",
			zap.String("addr", p.addr), zap.Error(err))
		return
	}
	p.mu.Lock()
	if p.closed || len(p.conns) >= p.cfg.Max {
		p.mu.Unlock()
		c.Close()
		return
	}
	p.conns = append(p.conns, c)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	for _, w := range waiters {
		w <- nil
	}
}

func (p *Pool) grow() {
	p.addConn()
	p.mu.Lock()
	p.growing = false
	p.mu.Unlock()
}

// maintainLoop drives resize: grow when average in-flight saturates the
// rotation, trash the newest surplus connection when load has fallen back
// below the core threshold.
func (p *Pool) maintainLoop() {
	ticker := time.NewTicker(maintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.maintain()
		}
	}
}

func (p *Pool) maintain() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	size := len(p.conns)
	total := 0
	for _, c := range p.conns {
		total += c.InFlightCount()
	}
	maxReq := p.maxRequestsLocked()

	var trashable *Conn
	needGrow := false
	switch {
	case size < p.cfg.Core:
		needGrow = !p.growing
		p.growing = p.growing || needGrow
	case size < p.cfg.Max &&
		float64(total) > float64(maxReq*size)*p.cfg.GrowThreshold:
		needGrow = !p.growing
		p.growing = p.growing || needGrow
	case size > p.cfg.Core &&
		float64(total) < float64(maxReq*p.cfg.Core)*p.cfg.ShrinkThreshold:
		trashable = p.conns[len(p.conns)-1]
		p.conns = p.conns[:len(p.conns)-1]
	}
	p.mu.Unlock()

	if needGrow {
		go p.grow()
	}
	if trashable != nil {
		p.log.Debug("trashing surplus pool connection",
			zap.String("addr", p.addr))
		trashable.trash()
	}
}

func (p *Pool) maxRequestsLocked() int {
	if len(p.conns) > 0 {
		return p.conns[0].maxInFlight
	}
	if p.cfg.ConnOptions.MaxInFlight > 0 {
		return p.cfg.ConnOptions.MaxInFlight
	}
	return wire.MaxSupported.MaxStreams()
}

// Close tears the pool down, completing every pending request on every
// connection with ErrConnectionClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.done)
	for _, w := range waiters {
		w <- nil
	}
	for _, c := range conns {
		c.Close()
	}
}
