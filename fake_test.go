// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Connection. onSend decides how the "server"
// answers each request.
type fakeConn struct {
	ep      Endpoint
	sink    ConnSink
	open    atomic.Bool
	sendErr error
	onSend  func(c *fakeConn, req *Request)

	mu   sync.Mutex
	sent []*Request
}

func (c *fakeConn) Send(_ context.Context, req *Request) error {
	if !c.open.Load() {
		return errConnClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	c.sent = append(c.sent, req)
	c.mu.Unlock()
	if c.onSend != nil {
		c.onSend(c, req)
	}
	return nil
}

func (c *fakeConn) IsOpen() bool { return c.open.Load() }

func (c *fakeConn) Close() error {
	c.open.Store(false)
	return nil
}

func (c *fakeConn) lastSent() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

type fakeDialer struct {
	dialErr error
	sendErr error
	onSend  func(c *fakeConn, req *Request)

	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, ep Endpoint, sink ConnSink) (Connection, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := &fakeConn{ep: ep, sink: sink, sendErr: d.sendErr, onSend: d.onSend}
	c.open.Store(true)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dialed() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

func echo(c *fakeConn, req *Request) {
	go c.sink.OnResponse(&Response{ID: req.ID, Payload: req.Payload})
}

func silent(*fakeConn, *Request) {}

func delayedEcho(d time.Duration) func(*fakeConn, *Request) {
	return func(c *fakeConn, req *Request) {
		time.AfterFunc(d, func() { c.sink.OnResponse(&Response{ID: req.ID, Payload: req.Payload}) })
	}
}

var (
	testEndpoint  = NewEndpoint("10.0.0.1", 8080)
	testEndpoint2 = NewEndpoint("10.0.0.2", 8080)
)

const testService = "Echo"

func newTestClient(t *testing.T, d Dialer, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithDialer(d), WithQuietPeriod(10 * time.Millisecond), WithLogger(testLogger())}, opts...)
	c, err := NewClient(opts...)
	require.NoError(t, err)
	c.Directory().Update(testService, []Endpoint{testEndpoint})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newEchoRequest(payload string) *Request {
	return &Request{Service: testService, Method: "Echo", Payload: []byte(payload)}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
