// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Discipline selects how calls share physical connections.
type Discipline int

const (
	// Pooled connections carry one send at a time and go back to the pool
	// once the request is flushed. Calls are correlated client-wide.
	Pooled Discipline = iota
	// Multiplexed connections carry many concurrent calls, correlated by a
	// store owned by the connection.
	Multiplexed
)

func (d Discipline) String() string {
	if d == Multiplexed {
		return "multiplexed"
	}
	return "pooled"
}

// PoolConfig bounds the connections of one group.
type PoolConfig struct {
	MaxConnections     int
	MinIdleConnections int
	MaxWait            time.Duration
	ConnectTimeout     time.Duration
	LatencyWindowSize  int
	// CapacityCeiling caps how far DoubleCapacity may grow MaxConnections.
	CapacityCeiling int
	Discipline      Discipline
	// StoreCapacity sizes per-connection stores under Multiplexed.
	StoreCapacity int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MinIdleConnections < 0 {
		c.MinIdleConnections = 0
	}
	if c.MinIdleConnections > c.MaxConnections {
		c.MinIdleConnections = c.MaxConnections
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.LatencyWindowSize <= 0 {
		c.LatencyWindowSize = DefaultLatencyWindowSize
	}
	if c.CapacityCeiling < c.MaxConnections {
		c.CapacityCeiling = max(DefaultCapacityCeiling, c.MaxConnections)
	}
	if c.StoreCapacity <= 0 {
		c.StoreCapacity = DefaultStoreCapacity
	}
	return c
}

// PooledConn is a physical connection owned by a ConnectionGroup.
type PooledConn struct {
	conn   Connection
	group  *ConnectionGroup
	leased atomic.Bool
	store  *CorrelationStore
}

// Conn returns the underlying transport connection.
func (pc *PooledConn) Conn() Connection { return pc.conn }

// Group returns the owning group.
func (pc *PooledConn) Group() *ConnectionGroup { return pc.group }

// IsOpen reports whether the transport connection can still carry requests.
func (pc *PooledConn) IsOpen() bool { return pc.conn != nil && pc.conn.IsOpen() }

// GroupStats is a point-in-time view of a group.
type GroupStats struct {
	Endpoint    Endpoint
	Capacity    int
	Idle        int
	Open        int
	Failures    int64
	MeanLatency time.Duration
}

// ConnectionGroup owns the bounded pool of connections to one endpoint and
// its health signals. It is the only component that closes them.
//
// Capacity is enforced by a semaphore sized to CapacityCeiling of which
// CapacityCeiling-capacity units are held back; doubling the capacity
// releases held-back units.
type ConnectionGroup struct {
	ep     Endpoint
	cfg    PoolConfig
	dialer Dialer
	sink   func(pc *PooledConn) ConnSink

	sem *semaphore.Weighted

	mu       sync.Mutex
	idle     []*PooledConn
	conns    map[*PooledConn]struct{}
	capacity int
	reserved int64
	closed   atomic.Bool

	failed  atomic.Int64
	latency *latencyWindow
}

// NewConnectionGroup returns an empty pool for ep. sink, when non-nil,
// builds the callbacks each new connection reports responses to.
func NewConnectionGroup(ep Endpoint, dialer Dialer, cfg PoolConfig, sink func(pc *PooledConn) ConnSink) *ConnectionGroup {
	cfg = cfg.withDefaults()
	g := &ConnectionGroup{
		ep:       ep,
		cfg:      cfg,
		dialer:   dialer,
		sink:     sink,
		sem:      semaphore.NewWeighted(int64(cfg.CapacityCeiling)),
		conns:    make(map[*PooledConn]struct{}),
		capacity: cfg.MaxConnections,
		reserved: int64(cfg.CapacityCeiling - cfg.MaxConnections),
		latency:  newLatencyWindow(cfg.LatencyWindowSize),
	}
	if g.reserved > 0 {
		g.sem.TryAcquire(g.reserved)
	}
	return g
}

// Endpoint returns the endpoint this group connects to.
func (g *ConnectionGroup) Endpoint() Endpoint { return g.ep }

// Lease returns an exclusive connection, waiting at most MaxWait for one
// to become available.
func (g *ConnectionGroup) Lease(ctx context.Context) (*PooledConn, error) {
	if g.closed.Load() {
		return nil, ErrPoolClosed
	}
	wctx, cancel := context.WithTimeout(ctx, g.cfg.MaxWait)
	err := g.sem.Acquire(wctx, 1)
	cancel()
	if err != nil {
		switch {
		case g.closed.Load():
			return nil, ErrPoolClosed
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		default:
			return nil, fmt.Errorf("%w: %s after %s", ErrPoolExhausted, g.ep, g.cfg.MaxWait)
		}
	}

	g.mu.Lock()
	if g.closed.Load() {
		g.mu.Unlock()
		g.sem.Release(1)
		return nil, ErrPoolClosed
	}
	if n := len(g.idle); n > 0 {
		pc := g.idle[n-1]
		g.idle = g.idle[:n-1]
		pc.leased.Store(true)
		g.mu.Unlock()
		return pc, nil
	}
	g.mu.Unlock()

	pc, err := g.dial(ctx)
	if err != nil {
		g.sem.Release(1)
		return nil, err
	}
	pc.leased.Store(true)
	return pc, nil
}

func (g *ConnectionGroup) dial(ctx context.Context) (*PooledConn, error) {
	pc := &PooledConn{group: g}
	if g.cfg.Discipline == Multiplexed {
		pc.store = NewCorrelationStore(g.cfg.StoreCapacity)
	}
	var sink ConnSink = discardSink{}
	if g.sink != nil {
		sink = g.sink(pc)
	}
	dctx, cancel := context.WithTimeout(ctx, g.cfg.ConnectTimeout)
	defer cancel()
	conn, err := g.dialer.Dial(dctx, g.ep, sink)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %s: %w", ErrNetwork, ErrConnectFailed, g.ep, err)
	}

	// The transport may already be reporting through sink; pc.conn is only
	// published under g.mu.
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed.Load() {
		_ = conn.Close()
		return nil, ErrPoolClosed
	}
	pc.conn = conn
	g.conns[pc] = struct{}{}
	return pc, nil
}

// Release returns a leased connection to the pool. Connections that are no
// longer open are dropped instead. It is a no-op after Close.
func (g *ConnectionGroup) Release(pc *PooledConn) {
	if pc == nil || !pc.leased.CompareAndSwap(true, false) {
		return
	}
	g.mu.Lock()
	if g.closed.Load() {
		g.mu.Unlock()
		return
	}
	if _, ok := g.conns[pc]; !ok {
		g.mu.Unlock()
		g.sem.Release(1)
		return
	}
	if !pc.IsOpen() {
		delete(g.conns, pc)
		g.mu.Unlock()
		g.sem.Release(1)
		_ = pc.conn.Close()
		return
	}
	g.idle = append(g.idle, pc)
	g.mu.Unlock()
	g.sem.Release(1)
}

// Evict removes and closes a connection believed to be broken, whether
// leased or idle. It reports whether the connection was still owned.
func (g *ConnectionGroup) Evict(pc *PooledConn) bool {
	if pc == nil {
		return false
	}
	g.mu.Lock()
	_, owned := g.conns[pc]
	conn := pc.conn
	delete(g.conns, pc)
	for i, idle := range g.idle {
		if idle == pc {
			g.idle = append(g.idle[:i], g.idle[i+1:]...)
			break
		}
	}
	closed := g.closed.Load()
	g.mu.Unlock()

	if pc.leased.CompareAndSwap(true, false) && !closed {
		g.sem.Release(1)
	}
	if owned && conn != nil {
		_ = conn.Close()
	}
	return owned
}

// DoubleCapacity doubles the number of concurrent leases allowed, up to
// CapacityCeiling, and returns the new capacity.
func (g *ConnectionGroup) DoubleCapacity() int {
	g.mu.Lock()
	delta := int64(g.capacity)
	if delta > g.reserved {
		delta = g.reserved
	}
	g.reserved -= delta
	g.capacity += int(delta)
	capacity := g.capacity
	g.mu.Unlock()
	if delta > 0 {
		g.sem.Release(delta)
	}
	return capacity
}

// Capacity returns the current maximum number of concurrent leases.
func (g *ConnectionGroup) Capacity() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity
}

// Prewarm dials connections until MinIdleConnections are idle.
func (g *ConnectionGroup) Prewarm(ctx context.Context) error {
	for {
		g.mu.Lock()
		need := g.cfg.MinIdleConnections - len(g.idle)
		g.mu.Unlock()
		if need <= 0 {
			return nil
		}
		if !g.sem.TryAcquire(1) {
			return nil
		}
		pc, err := g.dial(ctx)
		if err != nil {
			g.sem.Release(1)
			return err
		}
		pc.leased.Store(true)
		g.Release(pc)
	}
}

// RecordLatency adds a round-trip sample to the latency window.
func (g *ConnectionGroup) RecordLatency(d time.Duration) { g.latency.add(d) }

// RecordFailure bumps the lifetime failure counter.
func (g *ConnectionGroup) RecordFailure() { g.failed.Add(1) }

// Failures returns the lifetime failure count. It is never reset.
func (g *ConnectionGroup) Failures() int64 { return g.failed.Load() }

// LatencySamples returns the window contents, oldest first.
func (g *ConnectionGroup) LatencySamples() []time.Duration { return g.latency.samples() }

// MeanLatency returns the mean of the window, zero when empty.
func (g *ConnectionGroup) MeanLatency() time.Duration { return g.latency.mean() }

// Closed reports whether Close has been called.
func (g *ConnectionGroup) Closed() bool { return g.closed.Load() }

// Stats returns a snapshot of the group.
func (g *ConnectionGroup) Stats() GroupStats {
	g.mu.Lock()
	s := GroupStats{
		Endpoint: g.ep,
		Capacity: g.capacity,
		Idle:     len(g.idle),
		Open:     len(g.conns),
	}
	g.mu.Unlock()
	s.Failures = g.Failures()
	s.MeanLatency = g.MeanLatency()
	return s
}

func (g *ConnectionGroup) forEachConn(fn func(pc *PooledConn)) {
	g.mu.Lock()
	conns := make([]*PooledConn, 0, len(g.conns))
	for pc := range g.conns {
		conns = append(conns, pc)
	}
	g.mu.Unlock()
	for _, pc := range conns {
		fn(pc)
	}
}

// Close closes every connection of the group. Outstanding leases see later
// Release and Evict calls as no-ops. Close is idempotent.
func (g *ConnectionGroup) Close() error {
	g.mu.Lock()
	if g.closed.Swap(true) {
		g.mu.Unlock()
		return nil
	}
	conns := g.conns
	g.conns = make(map[*PooledConn]struct{})
	g.idle = nil
	g.mu.Unlock()

	var errs []error
	for pc := range conns {
		if err := pc.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// latencyWindow keeps the most recent samples in arrival order.
type latencyWindow struct {
	mu   sync.Mutex
	buf  []time.Duration
	next int
	full bool
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{buf: make([]time.Duration, size)}
}

func (w *latencyWindow) add(d time.Duration) {
	w.mu.Lock()
	w.buf[w.next] = d
	w.next = (w.next + 1) % len(w.buf)
	if w.next == 0 {
		w.full = true
	}
	w.mu.Unlock()
}

func (w *latencyWindow) samples() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.full {
		return append([]time.Duration(nil), w.buf[:w.next]...)
	}
	out := make([]time.Duration, 0, len(w.buf))
	out = append(out, w.buf[w.next:]...)
	return append(out, w.buf[:w.next]...)
}

func (w *latencyWindow) mean() time.Duration {
	s := w.samples()
	if len(s) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range s {
		sum += d
	}
	return sum / time.Duration(len(s))
}
