// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/cql/codec"
	"github.com/luxfi/cql/conn"
	"github.com/luxfi/cql/wire"
)

// ControlState is the control connection's lifecycle state.
type ControlState int32

const (
	ControlDisconnected ControlState = iota
	ControlConnecting
	ControlReady
)

func (s ControlState) String() string {
	switch s {
	case ControlDisconnected:
		return "DISCONNECTED"
	case ControlConnecting:
		return "CONNECTING"
	case ControlReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultNewNodeDelay        = time.Second
	defaultRefreshNodeDebounce = time.Second
	defaultRefreshListDebounce = time.Second
	defaultRefreshSchemaWindow = 2 * time.Second
	defaultProbeTimeout        = 5 * time.Second
)

// Options configures the cluster runtime.
type Options struct {
	// ContactPoints are host:port seeds for the first control
	// connection.
	ContactPoints []string

	// Version caps protocol negotiation.
	Version     wire.ProtocolVersion
	Compression wire.Compression

	Authenticator      conn.Authenticator
	ReconnectionPolicy ReconnectionPolicy

	// NewNodeDelay holds back the metadata probe of a freshly announced
	// node, giving it time to finish joining.
	NewNodeDelay time.Duration

	// Debounce windows for event-triggered refreshes. Only
	// RefreshNodeListInterval and RefreshSchemaInterval drive a
	// debouncer; RefreshNodeInterval is defaulted but not read.
	RefreshNodeInterval     time.Duration
	RefreshNodeListInterval time.Duration
	RefreshSchemaInterval   time.Duration

	ConnectTimeout time.Duration

	// RefreshPeriod is the cadence of the background full refresh that
	// runs regardless of events.
	RefreshPeriod time.Duration

	Registry *codec.Registry
	Logger   *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Version == 0 {
		o.Version = wire.MaxSupported
	}
	if o.NewNodeDelay == 0 {
		o.NewNodeDelay = defaultNewNodeDelay
	}
	if o.RefreshNodeInterval == 0 {
		o.RefreshNodeInterval = defaultRefreshNodeDebounce
	}
	if o.RefreshNodeListInterval == 0 {
		o.RefreshNodeListInterval = defaultRefreshListDebounce
	}
	if o.RefreshSchemaInterval == 0 {
		o.RefreshSchemaInterval = defaultRefreshSchemaWindow
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = defaultProbeTimeout
	}
	if o.RefreshPeriod == 0 {
		o.RefreshPeriod = time.Minute
	}
	if o.Registry == nil {
		o.Registry = codec.DefaultRegistry()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Control owns the cluster's single control connection: it subscribes to
// server-push events, keeps the host registry and schema snapshot fresh,
// and coordinates reconnection of the channel itself and of downed hosts.
type Control struct {
	opts     Options
	log      *zap.Logger
	metadata *Metadata

	state   atomic.Int32
	version atomic.Int32 // negotiated protocol version

	mu        sync.Mutex
	c         *conn.Conn
	listeners []StateListener

	schemaRefresh *debouncer
	topoRefresh   *debouncer

	closeOnce sync.Once
	closed    chan struct{}
}

func newControl(metadata *Metadata, opts Options) *Control {
	ct := &Control{
		opts:     opts,
		log:      opts.Logger,
		metadata: metadata,
		closed:   make(chan struct{}),
	}
	ct.schemaRefresh = newDebouncer(opts.RefreshSchemaInterval, ct.refreshSchemaNow)
	ct.topoRefresh = newDebouncer(opts.RefreshNodeListInterval, ct.refreshTopologyNow)
	go ct.refreshLoop()
	return ct
}

// refreshLoop is the periodic complement of event-triggered refresh.
func (ct *Control) refreshLoop() {
	ticker := time.NewTicker(ct.opts.RefreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ct.closed:
			return
		case <-ticker.C:
			if ct.State() == ControlReady {
				ct.topoRefresh.trigger()
				ct.schemaRefresh.trigger()
			}
		}
	}
}

func (ct *Control) State() ControlState {
	return ControlState(ct.state.Load())
}

// Version is the protocol version negotiated by the control connection;
// request pools reuse it instead of re-negotiating per connection.
func (ct *Control) Version() wire.ProtocolVersion {
	return wire.ProtocolVersion(ct.version.Load())
}

func (ct *Control) addListener(l StateListener) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.listeners = append(ct.listeners, l)
}

func (ct *Control) snapshotListeners() []StateListener {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	out := make([]StateListener, len(ct.listeners))
	copy(out, ct.listeners)
	return out
}

// start establishes the first control connection, trying each contact
// point in turn.
func (ct *Control) start(ctx context.Context) error {
	var errs []error
	for _, addr := range ct.opts.ContactPoints {
		if err := ct.connectTo(ctx, addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return errors.New("no contact points")
	}
	return fmt.Errorf("control connection failed: %w", errors.Join(errs...))
}

func (ct *Control) connectTo(ctx context.Context, addr string) error {
	ct.state.Store(int32(ControlConnecting))
	c, err := conn.Dial(ctx, addr, conn.Options{
		Version:        ct.opts.Version,
		Compression:    ct.opts.Compression,
		Authenticator:  ct.opts.Authenticator,
		ConnectTimeout: ct.opts.ConnectTimeout,
		Logger:         ct.log,
		EventHandler:   ct.handleEvent,
		OnClose:        ct.onControlClose,
	})
	if err != nil {
		ct.state.Store(int32(ControlDisconnected))
		return err
	}

	if err := ct.register(ctx, c); err != nil {
		c.Close()
		ct.state.Store(int32(ControlDisconnected))
		return err
	}

	ct.mu.Lock()
	ct.c = c
	ct.mu.Unlock()
	ct.version.Store(int32(c.Version()))

	host, _ := ct.metadata.GetOrAddHost(addr)
	ct.markUp(host)

	if err := ct.refreshTopology(ctx, c); err != nil {
		ct.log.Warn("initial topology refresh failed", zap.Error(err))
	}
	if err := ct.refreshSchema(ctx, c); err != nil {
		ct.log.Warn("initial schema refresh failed", zap.Error(err))
	}

	ct.state.Store(int32(ControlReady))
	ct.log.Info("control connection ready",
		zap.String("addr", addr),
		zap.Stringer("version", c.Version()),
	)
	return nil
}

func (ct *Control) register(ctx context.Context, c *conn.Conn) error {
	resp, err := c.Request(ctx, &wire.Register{EventTypes: []string{
		wire.EventTopologyChange,
		wire.EventStatusChange,
		wire.EventSchemaChange,
	}})
	if err != nil {
		return fmt.Errorf("REGISTER: %w", err)
	}
	if _, ok := resp.(wire.Ready); !ok {
		return fmt.Errorf("REGISTER: unexpected response %s", resp.Op())
	}
	return nil
}

// onControlClose fires when the control connection dies; the channel is
// re-established against any reachable host using the reconnection
// policy's delay schedule.
func (ct *Control) onControlClose(_ *conn.Conn, err error) {
	select {
	case <-ct.closed:
		return
	default:
	}
	ct.state.Store(int32(ControlDisconnected))
	if err != nil {
		ct.log.Warn("control connection lost", zap.Error(err))
	}
	go ct.reconnectControl()
}

func (ct *Control) reconnectControl() {
	var schedule ReconnectionSchedule
	if ct.opts.ReconnectionPolicy != nil {
		schedule = ct.opts.ReconnectionPolicy.NewSchedule()
	}
	for {
		var delay time.Duration
		if schedule != nil {
			delay = schedule.NextDelay()
		} else {
			delay = time.Second
		}
		timer := time.NewTimer(delay)
		select {
		case <-ct.closed:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), ct.opts.ConnectTimeout)
		err := ct.connectAny(ctx)
		cancel()
		if err == nil {
			return
		}
		ct.log.Debug("control reconnection attempt failed", zap.Error(err))
	}
}

func (ct *Control) connectAny(ctx context.Context) error {
	// Prefer hosts believed up, then fall back to the original seeds.
	var candidates []string
	for _, h := range ct.metadata.Hosts() {
		if h.IsUp() {
			candidates = append(candidates, h.Address())
		}
	}
	candidates = append(candidates, ct.opts.ContactPoints...)

	var errs []error
	for _, addr := range candidates {
		if err := ct.connectTo(ctx, addr); err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

// handleEvent demultiplexes server-push frames off the event stream.
func (ct *Control) handleEvent(resp wire.Response) {
	switch ev := resp.(type) {
	case *wire.TopologyChangeEvent:
		addr := ev.Address.String()
		switch ev.Change {
		case "NEW_NODE":
			// Hold back: freshly announced nodes are often not yet
			// ready to answer metadata queries.
			time.AfterFunc(ct.opts.NewNodeDelay, func() {
				ct.addHost(addr)
				ct.topoRefresh.trigger()
			})
		case "REMOVED_NODE":
			ct.removeHost(addr)
		case "MOVED_NODE":
			ct.topoRefresh.trigger()
		default:
			ct.log.Debug("unknown topology change", zap.String("change", ev.Change))
		}
	case *wire.StatusChangeEvent:
		h, _ := ct.metadata.GetOrAddHost(ev.Address.String())
		switch ev.Change {
		case "UP":
			ct.markUp(h)
		case "DOWN":
			ct.markDown(h)
		default:
			ct.log.Debug("unknown status change", zap.String("change", ev.Change))
		}
	case *wire.SchemaChangeEvent:
		ct.log.Debug("schema change",
			zap.String("change", ev.Change),
			zap.String("target", ev.Target),
			zap.String("keyspace", ev.Keyspace),
			zap.String("name", ev.Name),
		)
		ct.schemaRefresh.trigger()
	default:
		ct.log.Debug("ignoring unexpected event", zap.Stringer("op", resp.Op()))
	}
}

func (ct *Control) addHost(addr string) {
	h, added := ct.metadata.GetOrAddHost(addr)
	if !added {
		return
	}
	h.notifyMu.lock()
	defer h.notifyMu.unlock()
	for _, l := range ct.snapshotListeners() {
		l.HostAdded(h)
	}
}

func (ct *Control) removeHost(addr string) {
	h := ct.metadata.RemoveHost(addr)
	if h == nil {
		return
	}
	h.notifyMu.lock()
	defer h.notifyMu.unlock()
	if r := h.PendingReconnection(); r != nil {
		r.Cancel()
	}
	for _, l := range ct.snapshotListeners() {
		l.HostRemoved(h)
	}
}

// markUp transitions a host to UP. Idempotent notifications are
// suppressed; a pending reconnection is cancelled and its slot cleared.
func (ct *Control) markUp(h *Host) {
	h.notifyMu.lock()
	defer h.notifyMu.unlock()
	if h.State() == HostUp {
		return
	}
	if r := h.PendingReconnection(); r != nil {
		r.Cancel()
		h.clearPendingReconnection(r)
	}
	h.state.Store(int32(HostUp))
	for _, l := range ct.snapshotListeners() {
		l.HostUp(h)
	}
}

// markDown transitions a host to DOWN and schedules reconnection.
func (ct *Control) markDown(h *Host) {
	h.notifyMu.lock()
	defer h.notifyMu.unlock()
	if h.State() == HostDown {
		return
	}
	h.state.Store(int32(HostDown))
	for _, l := range ct.snapshotListeners() {
		l.HostDown(h)
	}
	ct.scheduleReconnection(h)
}

// MarkHostDown is the entry point for request-plane failure detection:
// pools report hosts whose connections died.
func (ct *Control) MarkHostDown(h *Host) { ct.markDown(h) }

// MarkHostUp is exposed for request-plane recovery detection.
func (ct *Control) MarkHostUp(h *Host) { ct.markUp(h) }

// scheduleReconnection claims the host's single reconnection slot and
// starts the attempt loop. A second call while one is pending is a no-op.
func (ct *Control) scheduleReconnection(h *Host) {
	r := newReconnection(h)
	if !h.setPendingReconnection(r) {
		return
	}
	go ct.reconnectionLoop(h, r)
}

func (ct *Control) reconnectionLoop(h *Host, r *Reconnection) {
	defer close(r.done)
	var schedule ReconnectionSchedule
	if ct.opts.ReconnectionPolicy != nil {
		schedule = ct.opts.ReconnectionPolicy.NewSchedule()
	}
	for {
		delay := time.Second
		if schedule != nil {
			delay = schedule.NextDelay()
		}
		timer := time.NewTimer(delay)
		select {
		case <-r.stop:
			// Cancelled: no further attempts until an external UP event
			// or TryReconnectOnce.
			timer.Stop()
			h.clearPendingReconnection(r)
			return
		case <-ct.closed:
			timer.Stop()
			h.clearPendingReconnection(r)
			return
		case <-timer.C:
		}

		if err := ct.probe(h.Address()); err != nil {
			ct.log.Debug("reconnection probe failed",
				zap.String("host", h.Address()), zap.Error(err))
			continue
		}
		h.clearPendingReconnection(r)
		ct.markUp(h)
		return
	}
}

// TryReconnectOnce attempts exactly one probe of the host, outside any
// schedule. This is the manual path for IGNORED-distance hosts and for
// hosts whose reconnection future was cancelled.
func (ct *Control) TryReconnectOnce(h *Host) error {
	if err := ct.probe(h.Address()); err != nil {
		return err
	}
	ct.markUp(h)
	return nil
}

// probe dials and handshakes, then discards the connection.
func (ct *Control) probe(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ct.opts.ConnectTimeout)
	defer cancel()
	c, err := conn.Dial(ctx, addr, conn.Options{
		Version:        ct.opts.Version,
		Compression:    ct.opts.Compression,
		Authenticator:  ct.opts.Authenticator,
		ConnectTimeout: ct.opts.ConnectTimeout,
		Logger:         ct.log,
	})
	if err != nil {
		return err
	}
	return c.Close()
}

func (ct *Control) refreshTopologyNow() {
	ct.mu.Lock()
	c := ct.c
	ct.mu.Unlock()
	if c == nil || c.State() != conn.StateOpen {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ct.opts.ConnectTimeout)
	defer cancel()
	if err := ct.refreshTopology(ctx, c); err != nil {
		ct.log.Warn("topology refresh failed", zap.Error(err))
	}
}

func (ct *Control) refreshSchemaNow() {
	ct.mu.Lock()
	c := ct.c
	ct.mu.Unlock()
	if c == nil || c.State() != conn.StateOpen {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ct.opts.ConnectTimeout)
	defer cancel()
	if err := ct.refreshSchema(ctx, c); err != nil {
		ct.log.Warn("schema refresh failed", zap.Error(err))
	}
}

func (ct *Control) close() {
	ct.closeOnce.Do(func() {
		close(ct.closed)
		ct.schemaRefresh.stop()
		ct.topoRefresh.stop()
		ct.mu.Lock()
		c := ct.c
		ct.c = nil
		ct.mu.Unlock()
		if c != nil {
			c.Close()
		}
		for _, h := range ct.metadata.Hosts() {
			if r := h.PendingReconnection(); r != nil {
				r.Cancel()
			}
		}
		ct.state.Store(int32(ControlDisconnected))
	})
}
