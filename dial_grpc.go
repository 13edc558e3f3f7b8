// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// GRPCDialer carries calls as unary gRPC invocations of
// "/<service>/<method>" with raw byte payloads.
type GRPCDialer struct {
	// Options are appended to the dialer defaults.
	Options []grpc.DialOption
}

func (d *GRPCDialer) Dial(ctx context.Context, ep Endpoint, sink ConnSink) (Connection, error) {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(RawGRPCCodec{})),
	}, d.Options...)
	cc, err := grpc.NewClient(ep.String(), opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	cc.Connect()
	return &grpcConn{cc: cc, sink: sink}, nil
}

type grpcConn struct {
	cc     *grpc.ClientConn
	sink   ConnSink
	closed atomic.Bool
}

// Send starts the unary exchange and returns; the outcome is reported to
// the sink.
func (c *grpcConn) Send(ctx context.Context, req *Request) error {
	if !c.IsOpen() {
		return fmt.Errorf("%w: grpc: connection %s", ErrNetwork, c.cc.GetState())
	}
	if req.Oneway {
		return c.invoke(ctx, req)
	}
	go func() { _ = c.invoke(context.Background(), req) }()
	return nil
}

func (c *grpcConn) invoke(parent context.Context, req *Request) error {
	timeout := req.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	if len(req.Attachments) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(req.Attachments))
	}

	var out []byte
	var header metadata.MD
	err := c.cc.Invoke(ctx, "/"+req.Service+"/"+req.Method, req.Payload, &out, grpc.Header(&header))
	if req.Oneway {
		if err != nil {
			return fmt.Errorf("%w: grpc: %w", ErrNetwork, err)
		}
		return nil
	}
	if err == nil {
		c.sink.OnResponse(&Response{ID: req.ID, Payload: out, Attachments: flattenMetadata(header)})
		return nil
	}
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unavailable, codes.Canceled:
		c.sink.OnWriteResult(req.ID, fmt.Errorf("%w: grpc: %s", ErrNetwork, st.Message()))
	case codes.DeadlineExceeded:
		// The call's own timer reports the timeout.
	default:
		c.sink.OnResponse(&Response{ID: req.ID, Error: st.Code().String() + ": " + st.Message()})
	}
	return nil
}

func (c *grpcConn) IsOpen() bool {
	if c.closed.Load() {
		return false
	}
	switch c.cc.GetState() {
	case connectivity.Shutdown, connectivity.TransientFailure:
		return false
	default:
		return true
	}
}

func (c *grpcConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.cc.Close()
	c.sink.OnClosed(errConnClosed)
	return err
}

func flattenMetadata(md metadata.MD) map[string]string {
	if len(md) == 0 {
		return nil
	}
	m := make(map[string]string, len(md))
	for k, v := range md {
		m[k] = strings.Join(v, ",")
	}
	return m
}

// RawGRPCCodec marshals []byte payloads unchanged. Servers talking to
// GRPCDialer register it with grpc.ForceServerCodec.
type RawGRPCCodec struct{}

func (RawGRPCCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, fmt.Errorf("%w: raw codec cannot marshal %T", ErrSerialization, v)
	}
}

func (RawGRPCCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("%w: raw codec cannot unmarshal into %T", ErrSerialization, v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (RawGRPCCodec) Name() string { return "raw" }
