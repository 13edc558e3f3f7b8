// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const zapReadChunk = 32 * 1024

var errConnClosed = fmt.Errorf("%w: connection closed", ErrNetwork)

// ZAPDialer opens framed TCP connections. Many calls may share one
// connection; responses are matched by id.
type ZAPDialer struct{}

func (ZAPDialer) Dial(ctx context.Context, ep Endpoint, sink ConnSink) (Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return nil, fmt.Errorf("zap dial: %w", err)
	}
	zc := &zapConn{
		conn:     conn,
		sink:     sink,
		readDone: make(chan struct{}),
	}
	go zc.readLoop()
	return zc, nil
}

// zapConn is a client-side ZAP connection.
type zapConn struct {
	conn     net.Conn
	sink     ConnSink
	codec    FrameCodec
	writeMu  sync.Mutex
	closed   atomic.Bool
	readDone chan struct{}
}

func (z *zapConn) Send(ctx context.Context, req *Request) error {
	if z.closed.Load() {
		return errConnClosed
	}
	frame, err := z.codec.EncodeRequest(req)
	if err != nil {
		return err
	}

	z.writeMu.Lock()
	deadline, _ := ctx.Deadline()
	_ = z.conn.SetWriteDeadline(deadline)
	_, err = z.conn.Write(frame)
	z.writeMu.Unlock()
	if err != nil {
		// A partial frame leaves the stream unusable.
		_ = z.Close()
		return fmt.Errorf("%w: zap write: %w", ErrNetwork, err)
	}
	return nil
}

func (z *zapConn) IsOpen() bool {
	return !z.closed.Load()
}

func (z *zapConn) readLoop() {
	var cause error
	defer func() {
		z.closed.Store(true)
		_ = z.conn.Close()
		close(z.readDone)
		z.sink.OnClosed(cause)
	}()

	var buf []byte
	chunk := make([]byte, zapReadChunk)
	for {
		n, err := z.conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		for len(buf) > 0 {
			resp, used, derr := z.codec.DecodeResponse(buf)
			if errors.Is(derr, ErrNeedMoreData) {
				break
			}
			if derr != nil {
				cause = derr
				return
			}
			buf = buf[used:]
			z.sink.OnResponse(resp)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !z.closed.Load() {
				cause = fmt.Errorf("%w: zap read: %w", ErrNetwork, err)
			} else {
				cause = errConnClosed
			}
			return
		}
	}
}

// Close closes the connection
func (z *zapConn) Close() error {
	if z.closed.Swap(true) {
		return nil
	}
	return z.conn.Close()
}

// RawHandler handles raw byte RPC calls (for zero-copy)
type RawHandler func(ctx context.Context, payload []byte) ([]byte, error)

// ZAPServer serves ZAP requests. It is the peer of ZAPDialer and is mostly
// used for loopback testing and small services.
type ZAPServer struct {
	listener net.Listener
	codec    FrameCodec
	log      *slog.Logger

	mu       sync.RWMutex
	handlers map[string]RawHandler

	conns  sync.Map
	closed atomic.Bool
}

// ListenZAP creates a ZAP server listening on addr.
func ListenZAP(addr string) (*ZAPServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &ZAPServer{
		listener: listener,
		log:      slog.Default(),
		handlers: make(map[string]RawHandler),
	}, nil
}

// Handle registers a handler for service.method.
func (s *ZAPServer) Handle(service, method string, h RawHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[service+"."+method] = h
}

func (s *ZAPServer) handler(service, method string) (RawHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[service+"."+method]
	return h, ok
}

// Serve accepts connections until Close.
func (s *ZAPServer) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *ZAPServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.conns.Store(conn, struct{}{})
	defer s.conns.Delete(conn)

	var writeMu sync.Mutex
	var buf []byte
	chunk := make([]byte, zapReadChunk)
	for {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		for len(buf) > 0 {
			req, used, derr := s.codec.DecodeRequest(buf)
			if errors.Is(derr, ErrNeedMoreData) {
				break
			}
			if derr != nil {
				s.log.Warn("zap server: dropping connection", "remote", conn.RemoteAddr().String(), "error", derr)
				return
			}
			buf = buf[used:]
			go s.dispatch(ctx, conn, &writeMu, req)
		}
		if err != nil {
			return
		}
	}
}

func (s *ZAPServer) dispatch(ctx context.Context, conn net.Conn, writeMu *sync.Mutex, req *Request) {
	h, ok := s.handler(req.Service, req.Method)
	var data []byte
	var err error
	if !ok {
		err = fmt.Errorf("unknown method: %s.%s", req.Service, req.Method)
	} else {
		data, err = h(ctx, req.Payload)
	}
	if req.Oneway {
		return
	}
	resp := &Response{ID: req.ID, Payload: data}
	if err != nil {
		resp.Error = err.Error()
	}
	frame, err := s.codec.EncodeResponse(resp)
	if err != nil {
		s.log.Warn("zap server: encode response", "id", req.ID, "error", err)
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	_, _ = conn.Write(frame)
}

// Close closes the server
func (s *ZAPServer) Close() error {
	s.closed.Store(true)
	s.conns.Range(func(key, _ interface{}) bool {
		key.(net.Conn).Close()
		return true
	})
	return s.listener.Close()
}

// Addr returns the listen address.
func (s *ZAPServer) Addr() string {
	return s.listener.Addr().String()
}
