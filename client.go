// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Client turns logical calls into correlated, timeout-bounded exchanges
// over pooled connections, and routes responses back to waiting callers.
//
// A call is completed by exactly one of: its response, its timeout, or a
// send failure. Each of those paths must first Take the call's future from
// its correlation store; the loser of that race does nothing.
type Client struct {
	cfg      config
	dialer   Dialer
	selector Selector
	store    *CorrelationStore
	timers   *TimerService
	exec     *callbackExecutor
	dir      *Directory
	health   *HealthFeedback
	log      *slog.Logger
	closing  atomic.Bool
}

var _ io.Closer = (*Client)(nil)

// NewClient returns a client with no endpoints. Populate it through
// Directory or WithResolver.
func NewClient(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.pool.StoreCapacity <= 0 {
		cfg.pool.StoreCapacity = cfg.storeCapacity
	}
	dialer := cfg.dialer
	if dialer == nil {
		d, err := lookupTransport(cfg.transport)
		if err != nil {
			return nil, err
		}
		dialer = d
	}
	selector := cfg.selector
	if selector == nil {
		selector = &RoundRobinSelector{}
	}
	log := cfg.logger.With("component", "rpcclient")

	c := &Client{
		cfg:      cfg,
		dialer:   dialer,
		selector: selector,
		store:    NewCorrelationStore(cfg.storeCapacity),
		timers:   NewTimerService(),
		exec:     newCallbackExecutor(cfg.callbackWorkers, log),
		health:   NewHealthFeedback(log),
		log:      log,
	}
	c.dir = newDirectory(c.newGroup, cfg.resolver, cfg.resolveTTL, log)
	return c, nil
}

func (c *Client) newGroup(ep Endpoint) *ConnectionGroup {
	return NewConnectionGroup(ep, c.dialer, c.cfg.pool, func(pc *PooledConn) ConnSink {
		return &clientSink{c: c, pc: pc}
	})
}

// Directory returns the routing table.
func (c *Client) Directory() *Directory { return c.dir }

// Health returns the feedback sink shared by all groups.
func (c *Client) Health() *HealthFeedback { return c.health }

func (c *Client) storeFor(pc *PooledConn) *CorrelationStore {
	if pc != nil && pc.store != nil {
		return pc.store
	}
	return c.store
}

// Invoke sends req and returns its future. req is stamped with the
// effective timeouts and its correlation id. Failures before the request
// reaches the wire are returned directly.
func (c *Client) Invoke(ctx context.Context, req *Request, opts ...CallOption) (*CallFuture, error) {
	if c.closing.Load() {
		return nil, ErrShutdown
	}
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	cands, err := c.dir.Candidates(ctx, req.Service)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoAvailableInstance, req.Service, err)
	}
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAvailableInstance, req.Service)
	}
	g := c.selector.Select(cands, o.tried)
	if g == nil {
		return nil, fmt.Errorf("%w: %s: all candidates tried", ErrNoAvailableInstance, req.Service)
	}
	if o.tried != nil {
		o.tried[g.Endpoint()] = struct{}{}
	}

	pc, err := g.Lease(ctx)
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			capacity := g.DoubleCapacity()
			c.log.Warn("pool exhausted", "endpoint", g.Endpoint().String(), "capacity", capacity)
			return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		if errors.Is(err, ErrConnectFailed) {
			c.health.RecordFailure(g, nil)
		}
		return nil, err
	}
	if !pc.IsOpen() {
		c.health.RecordFailure(g, pc)
		return nil, fmt.Errorf("%w: connection to %s is not open", ErrNetwork, g.Endpoint())
	}

	if req.ReadTimeout <= 0 {
		req.ReadTimeout = c.cfg.readTimeout
	}
	if req.WriteTimeout <= 0 {
		req.WriteTimeout = c.cfg.writeTimeout
	}
	if req.Oneway {
		return c.notify(ctx, pc, req)
	}

	f := newCallFuture(req, req.ReadTimeout)
	f.group = g
	f.conn = pc
	f.exec = c.exec
	f.callback = o.callback
	f.listeners = c.cfg.listeners
	f.onAbandon = c.abandoned
	store := c.storeFor(pc)
	f.store = store
	id := store.Register(f)
	req.ID = id

	h, err := c.timers.Schedule(req.ReadTimeout, func() { c.expire(store, id) })
	if err != nil {
		if store.Take(id) == f {
			f.complete(nil, ErrShutdown, Completed)
		}
		g.Release(pc)
		return nil, err
	}
	f.setTimer(h)

	wctx, cancel := context.WithTimeout(ctx, req.WriteTimeout)
	err = pc.conn.Send(wctx, req)
	cancel()
	if err != nil {
		return nil, c.OnWriteResult(pc, id, err)
	}
	// The connection no longer holds per-call state once the bytes are out;
	// under Multiplexed the future keeps its reference for demultiplexing.
	g.Release(pc)
	return f, nil
}

func (c *Client) notify(ctx context.Context, pc *PooledConn, req *Request) (*CallFuture, error) {
	wctx, cancel := context.WithTimeout(ctx, req.WriteTimeout)
	err := pc.conn.Send(wctx, req)
	cancel()
	if err != nil {
		err = classifySendError(err)
		c.health.RecordFailure(pc.group, pc)
		return nil, err
	}
	pc.group.Release(pc)
	f := newCallFuture(req, req.ReadTimeout)
	f.group = pc.group
	f.complete(&Response{}, nil, Completed)
	return f, nil
}

// Call invokes req and waits for its outcome.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	f, err := c.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	return f.Get(ctx)
}

// CallTyped encodes args with the client codec, calls service.method and
// decodes the reply into reply.
func (c *Client) CallTyped(ctx context.Context, service, method string, args, reply interface{}) error {
	req, err := NewRequest(service, method, args, c.cfg.codec)
	if err != nil {
		return err
	}
	resp, err := c.Call(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(c.cfg.codec, reply)
}

// Notify sends a one-way message (no response expected)
func (c *Client) Notify(ctx context.Context, service, method string, args interface{}) error {
	req, err := NewRequest(service, method, args, c.cfg.codec)
	if err != nil {
		return err
	}
	req.Oneway = true
	_, err = c.Invoke(ctx, req)
	return err
}

// OnResponse is the receive hook: it completes the call req.ID belongs to.
// Responses for unknown ids lost a race with a timeout or cancellation and
// are dropped.
func (c *Client) OnResponse(pc *PooledConn, resp *Response) {
	f := c.storeFor(pc).Take(resp.ID)
	if f == nil {
		c.log.Debug("discarding response", "id", resp.ID)
		return
	}
	var err error
	if resp.Error != "" {
		err = &ServiceError{Service: f.req.Service, Method: f.req.Method, Message: resp.Error}
	}
	c.health.RecordSuccess(f.group, time.Since(f.start))
	f.complete(resp, err, Completed)
}

// OnWriteResult handles the outcome of writing call id on pc. A failed
// write evicts pc and fails the call; the classified error is returned.
func (c *Client) OnWriteResult(pc *PooledConn, id uint64, cause error) error {
	if cause == nil {
		return nil
	}
	err := classifySendError(cause)
	c.health.RecordFailure(pc.group, pc)
	if f := c.storeFor(pc).Take(id); f != nil {
		f.complete(nil, err, Completed)
	}
	c.log.Debug("send failed", "id", id, "endpoint", pc.group.Endpoint().String(), "error", err)
	return err
}

// OnClosed evicts a connection that stopped reading and fails the calls
// still waiting on it.
func (c *Client) OnClosed(pc *PooledConn, cause error) {
	pc.group.Evict(pc)
	err := fmt.Errorf("%w: connection to %s closed", ErrNetwork, pc.group.Endpoint())
	if cause != nil && !errors.Is(cause, errConnClosed) {
		err = fmt.Errorf("%w: connection to %s closed: %w", ErrNetwork, pc.group.Endpoint(), cause)
	}
	fail := func(f *CallFuture) { f.complete(nil, err, Completed) }
	var n int
	if pc.store != nil {
		n = pc.store.Sweep(func(*CallFuture) bool { return true }, fail)
	} else {
		n = c.store.Sweep(func(f *CallFuture) bool { return f.conn == pc }, fail)
	}
	if n > 0 {
		c.log.Debug("connection closed with calls in flight", "endpoint", pc.group.Endpoint().String(), "failed", n)
	}
}

func (c *Client) expire(store *CorrelationStore, id uint64) {
	f := store.Take(id)
	if f == nil {
		return
	}
	c.health.RecordFailure(f.group, nil)
	f.complete(nil, fmt.Errorf("%w: %s.%s after %s", ErrTimeout, f.req.Service, f.req.Method, f.readTimeout), TimedOut)
}

func (c *Client) abandoned(f *CallFuture, state FutureState) {
	if state == TimedOut {
		c.health.RecordFailure(f.group, nil)
	}
}

// Pending returns the number of calls awaiting completion.
func (c *Client) Pending() int {
	n := c.store.Len()
	for _, g := range c.dir.Groups() {
		g.forEachConn(func(pc *PooledConn) {
			if pc.store != nil {
				n += pc.store.Len()
			}
		})
	}
	return n
}

// Shutdown stops accepting calls, waits up to the quiet period for
// in-flight calls, fails the rest with ErrShutdown and closes every group.
func (c *Client) Shutdown(ctx context.Context) error {
	if c.closing.Swap(true) {
		return nil
	}

	quiet := time.NewTimer(c.cfg.quietPeriod)
	defer quiet.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
wait:
	for c.Pending() > 0 {
		select {
		case <-ctx.Done():
			break wait
		case <-quiet.C:
			break wait
		case <-tick.C:
		}
	}

	fail := func(f *CallFuture) { f.complete(nil, ErrShutdown, Completed) }
	all := func(*CallFuture) bool { return true }
	drained := c.store.Sweep(all, fail)
	groups := c.dir.close()
	for _, g := range groups {
		g.forEachConn(func(pc *PooledConn) {
			if pc.store != nil {
				drained += pc.store.Sweep(all, fail)
			}
		})
	}

	var eg errgroup.Group
	for _, g := range groups {
		eg.Go(g.Close)
	}
	err := eg.Wait()
	c.timers.Close()
	c.exec.Wait()
	c.log.Info("client shut down", "groups", len(groups), "failed", drained)
	return err
}

// Close shuts the client down without waiting for in-flight calls.
func (c *Client) Close() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return c.Shutdown(ctx)
}

// clientSink binds a connection's callbacks to its PooledConn.
type clientSink struct {
	c  *Client
	pc *PooledConn
}

func (s *clientSink) OnResponse(resp *Response) { s.c.OnResponse(s.pc, resp) }

func (s *clientSink) OnWriteResult(id uint64, err error) { _ = s.c.OnWriteResult(s.pc, id, err) }

func (s *clientSink) OnClosed(err error) { s.c.OnClosed(s.pc, err) }
