// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package conn owns the transport: framed TCP connections multiplexing
// concurrent requests over stream ids, and per-host pools that size
// themselves between a core and a max, borrow by least load, and drain
// surplus connections without dropping in-flight responses.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/cql/wire"
)

// State is the connection lifecycle state.
type State int32

const (
	StateInit State = iota
	StateOpen
	// StateTrashed marks a connection removed from pool rotation but kept
	// alive until its last in-flight response drains.
	StateTrashed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateOpen:
		return "OPEN"
	case StateTrashed:
		return "TRASHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const defaultConnectTimeout = 5 * time.Second

// Options configures a single connection.
type Options struct {
	// Version is the highest protocol version to negotiate. On a
	// ProtocolError the dial downgrades and retries; below MinSupported
	// the dial fails.
	Version       wire.ProtocolVersion
	Compression   wire.Compression
	Authenticator Authenticator

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration

	// MaxInFlight bounds concurrent requests per connection. Capped by
	// the negotiated version's stream-id space.
	MaxInFlight int

	Logger *zap.Logger

	// EventHandler receives server-push responses arriving on the
	// reserved event stream.
	EventHandler func(wire.Response)
	// OnClose runs once when the connection closes; err is nil for a
	// deliberate close.
	OnClose func(c *Conn, err error)
	// OnRelease runs after every stream-id release; pools use it to wake
	// parked borrowers.
	OnRelease func(c *Conn)
}

func (o Options) withDefaults() Options {
	if o.Version == 0 {
		o.Version = wire.MaxSupported
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type result struct {
	resp wire.Response
	err  error
}

// InFlight is one pending request on a connection: a one-shot completion
// sink keyed by the stream id the request went out on.
type InFlight struct {
	c         *Conn
	stream    int16
	ch        chan result
	cancelled atomic.Bool
}

// Stream returns the stream id the request occupies.
func (f *InFlight) Stream() int16 { return f.stream }

// Await blocks until the response arrives, the connection dies, or ctx is
// done. A ctx expiry cancels the attempt.
func (f *InFlight) Await(ctx context.Context) (wire.Response, error) {
	select {
	case r := <-f.ch:
		return r.resp, r.err
	case <-ctx.Done():
		f.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel races response arrival. If the response has already been
// committed, Cancel is a no-op; if Cancel wins, the response is dropped on
// arrival and the stream id reclaimed without invoking the sink. Either
// way the in-flight slot is released exactly once.
func (f *InFlight) Cancel() {
	f.cancelled.Store(true)
}

func (f *InFlight) complete(resp wire.Response, err error) {
	select {
	case f.ch <- result{resp: resp, err: err}:
	default:
	}
}

// Conn is one framed TCP connection. Reads are owned by a single reader
// goroutine; writes are serialized by a write lock; responses are
// delivered to their stream's sink in arrival order.
type Conn struct {
	addr        string
	opts        Options
	log         *zap.Logger
	nc          net.Conn
	version     wire.ProtocolVersion
	fc          *wire.FrameCodec
	maxInFlight int

	writeMu   sync.Mutex
	lastWrite atomic.Int64

	mu      sync.Mutex
	pending map[int16]*InFlight
	streams *streamSet

	state    atomic.Int32
	reserved atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens, handshakes and starts a connection, negotiating the
// protocol version downward from opts.Version as needed.
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	version := opts.Version
	if !version.Valid() {
		return nil, fmt.Errorf("%w: %d", wire.ErrInvalidProtocolVersion, byte(version))
	}
	for {
		c, err := dialVersion(ctx, addr, version, opts)
		if err == nil {
			return c, nil
		}
		var pv *wire.ProtocolViolationError
		if errors.As(err, &pv) && version > wire.MinSupported {
			opts.Logger.Debug("protocol rejected, downgrading",
				zap.String("addr", addr),
				zap.Stringer("from", version),
				zap.Stringer("to", version-1),
			)
			version--
			continue
		}
		return nil, err
	}
}

func dialVersion(ctx context.Context, addr string, version wire.ProtocolVersion, opts Options) (*Conn, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	nc, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Conn{
		addr:        addr,
		opts:        opts,
		log:         opts.Logger,
		nc:          nc,
		version:     version,
		fc:          wire.NewFrameCodec(wire.CompressionNone),
		maxInFlight: version.MaxStreams(),
		pending:     make(map[int16]*InFlight),
		streams:     newStreamSet(version.MaxStreams()),
		closed:      make(chan struct{}),
	}
	if opts.MaxInFlight > 0 && opts.MaxInFlight < c.maxInFlight {
		c.maxInFlight = opts.MaxInFlight
	}

	if err := c.handshake(); err != nil {
		nc.Close()
		return nil, err
	}

	// The STARTUP exchange itself travels uncompressed.
	c.fc.SetCompression(opts.Compression)
	c.state.Store(int32(StateOpen))
	c.lastWrite.Store(time.Now().UnixNano())

	go c.readLoop()
	if opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop()
	}
	return c, nil
}

// handshake runs STARTUP and the optional authentication exchange
// synchronously, before the reader goroutine exists.
func (c *Conn) handshake() error {
	deadline := time.Now().Add(c.opts.ConnectTimeout)
	if err := c.nc.SetDeadline(deadline); err != nil {
		return err
	}
	defer c.nc.SetDeadline(time.Time{})

	resp, err := c.roundTrip(&wire.Startup{Compression: c.opts.Compression})
	if err != nil {
		return err
	}
	for {
		switch m := resp.(type) {
		case wire.Ready:
			return nil
		case *wire.AuthSuccess:
			if c.opts.Authenticator != nil {
				return c.opts.Authenticator.Success(m.Token)
			}
			return nil
		case *wire.Authenticate:
			if c.opts.Authenticator == nil {
				return ErrAuthenticationRequired
			}
			token, err := c.opts.Authenticator.InitialResponse(m.Class)
			if err != nil {
				return err
			}
			if resp, err = c.roundTrip(&wire.AuthResponse{Token: token}); err != nil {
				return err
			}
		case *wire.AuthChallenge:
			token, err := c.opts.Authenticator.EvaluateChallenge(m.Token)
			if err != nil {
				return err
			}
			if resp, err = c.roundTrip(&wire.AuthResponse{Token: token}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected handshake response %s", resp.Op())
		}
	}
}

// roundTrip writes a request on stream 0 and reads the next frame.
// Handshake only: assumes exclusive ownership of the socket.
func (c *Conn) roundTrip(req wire.Request) (wire.Response, error) {
	f, err := wire.EncodeRequest(req, c.version, 0)
	if err != nil {
		return nil, err
	}
	if err := c.fc.WriteFrame(c.nc, f); err != nil {
		return nil, err
	}
	rf, err := c.fc.ReadFrame(c.nc)
	if err != nil {
		return nil, err
	}
	resp, err := wire.DecodeResponse(rf)
	if err != nil {
		return nil, err
	}
	if se, ok := resp.(wire.ServerError); ok {
		return nil, se
	}
	return resp, nil
}

func (c *Conn) Addr() string                  { return c.addr }
func (c *Conn) Version() wire.ProtocolVersion { return c.version }
func (c *Conn) State() State                  { return State(c.state.Load()) }
func (c *Conn) Closed() <-chan struct{}       { return c.closed }

// InFlightCount is the number of requests currently occupying a stream.
func (c *Conn) InFlightCount() int { return c.streams.count() }

// AllocatedStreams is the popcount of the stream bitset; equals
// InFlightCount at quiescence.
func (c *Conn) AllocatedStreams() int { return c.streams.popcount() }

// load is in-flight plus borrow reservations; the pool's least-loaded
// selection runs on it to avoid over-subscription races.
func (c *Conn) load() int {
	return c.streams.count() + int(c.reserved.Load())
}

func (c *Conn) reserve() { c.reserved.Add(1) }

// ReleaseBorrow returns an unused borrow reservation. A caller that
// borrowed a connection from its pool but will never Send on it must
// release the reservation exactly once, or the connection's load stays
// inflated and the pool eventually stops handing it out.
func (c *Conn) ReleaseBorrow() { c.unreserve() }

func (c *Conn) unreserve() {
	for {
		r := c.reserved.Load()
		if r <= 0 {
			return
		}
		if c.reserved.CompareAndSwap(r, r-1) {
			return
		}
	}
}

// Send writes a request and returns its in-flight handle. The caller's
// borrow reservation, if any, converts into the allocated stream.
func (c *Conn) Send(req wire.Request) (*InFlight, error) {
	defer c.unreserve()

	if State(c.state.Load()) != StateOpen {
		return nil, ErrConnectionClosed
	}
	if c.streams.count() >= c.maxInFlight {
		return nil, ErrBusyConnection
	}
	id, ok := c.streams.acquire()
	if !ok {
		return nil, ErrBusyConnection
	}

	inf := &InFlight{c: c, stream: id, ch: make(chan result, 1)}
	c.mu.Lock()
	if State(c.state.Load()) == StateClosed {
		c.mu.Unlock()
		c.streams.release(id)
		return nil, ErrConnectionClosed
	}
	c.pending[id] = inf
	c.mu.Unlock()

	f, err := wire.EncodeRequest(req, c.version, id)
	if err != nil {
		c.abandon(id)
		return nil, err
	}
	if err := c.writeFrame(f); err != nil {
		c.closeWithError(err)
		return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return inf, nil
}

// Request is the synchronous form of Send.
func (c *Conn) Request(ctx context.Context, req wire.Request) (wire.Response, error) {
	inf, err := c.Send(req)
	if err != nil {
		return nil, err
	}
	return inf.Await(ctx)
}

func (c *Conn) abandon(id int16) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	c.streams.release(id)
}

func (c *Conn) writeFrame(f *wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.lastWrite.Store(time.Now().UnixNano())
	return c.fc.WriteFrame(c.nc, f)
}

func (c *Conn) readLoop() {
	for {
		f, err := c.fc.ReadFrame(c.nc)
		if err != nil {
			c.closeWithError(err)
			return
		}
		if f.Header.Stream < 0 {
			// Server push: route to the event handler, never to a
			// request sink.
			resp, err := wire.DecodeResponse(f)
			if err != nil {
				c.log.Warn("dropping undecodable event frame", zap.Error(err))
				continue
			}
			if c.opts.EventHandler != nil {
				c.opts.EventHandler(resp)
			}
			continue
		}
		c.deliver(f)
	}
}

func (c *Conn) deliver(f *wire.Frame) {
	c.mu.Lock()
	inf := c.pending[f.Header.Stream]
	delete(c.pending, f.Header.Stream)
	c.mu.Unlock()
	c.streams.release(f.Header.Stream)
	defer c.afterRelease()

	if inf == nil || inf.cancelled.Load() {
		// Stray or cancelled: reclaim silently.
		return
	}
	resp, err := wire.DecodeResponse(f)
	switch {
	case err != nil:
		inf.complete(nil, err)
	default:
		if se, ok := resp.(wire.ServerError); ok {
			inf.complete(nil, se)
		} else {
			inf.complete(resp, nil)
		}
	}
}

func (c *Conn) afterRelease() {
	if State(c.state.Load()) == StateTrashed && c.streams.count() == 0 {
		c.closeWithError(nil)
	}
	if c.opts.OnRelease != nil {
		c.opts.OnRelease(c)
	}
}

// trash removes the connection from rotation. It closes once the last
// in-flight response has drained; it never accepts new sends from pool
// borrowers (the pool stops handing it out).
func (c *Conn) trash() {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateTrashed)) {
		return
	}
	if c.streams.count() == 0 {
		c.closeWithError(nil)
	}
}

func (c *Conn) heartbeatLoop() {
	interval := c.opts.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastWrite.Load()))
			if idle < interval {
				continue
			}
			if err := c.heartbeat(interval); err != nil {
				c.log.Debug("heartbeat failed, closing connection",
					zap.String("addr", c.addr), zap.Error(err))
				c.closeWithError(fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

func (c *Conn) heartbeat(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp, err := c.Request(ctx, wire.Options{})
	if err != nil {
		return err
	}
	if _, ok := resp.(*wire.Supported); !ok {
		return fmt.Errorf("unexpected heartbeat response %s", resp.Op())
	}
	return nil
}

// Close shuts the connection down, completing every pending request with
// ErrConnectionClosed.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.closed)
		_ = c.nc.Close()

		c.mu.Lock()
		pending := c.pending
		c.pending = make(map[int16]*InFlight)
		c.mu.Unlock()

		for id, inf := range pending {
			c.streams.release(id)
			if !inf.cancelled.Load() {
				if err != nil {
					inf.complete(nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err))
				} else {
					inf.complete(nil, ErrConnectionClosed)
				}
			}
		}
		if c.opts.OnClose != nil {
			c.opts.OnClose(c, err)
		}
	})
}
