// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Transport types
const (
	TransportZAP     = "zap"     // Framed TCP, multiplexed by id
	TransportGRPC    = "grpc"    // gRPC with a raw byte codec
	TransportJSONRPC = "jsonrpc" // JSON-RPC 2.0 over HTTP
)

// DefaultTransport is the default transport type (ZAP)
const DefaultTransport = TransportZAP

// Connection is one physical connection to an endpoint.
type Connection interface {
	// Send writes req. It returns once the request is flushed or ctx ends;
	// the response arrives later through the connection's ConnSink.
	Send(ctx context.Context, req *Request) error
	// IsOpen reports whether the connection can carry requests.
	IsOpen() bool
	Close() error
}

// ConnSink receives what a connection reads or learns asynchronously.
type ConnSink interface {
	// OnResponse delivers a decoded response.
	OnResponse(resp *Response)
	// OnWriteResult reports a failed asynchronous write for id.
	OnWriteResult(id uint64, err error)
	// OnClosed reports that the connection stopped reading.
	OnClosed(err error)
}

// Dialer opens connections whose responses are reported to sink.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint, sink ConnSink) (Connection, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ep Endpoint, sink ConnSink) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, ep Endpoint, sink ConnSink) (Connection, error) {
	return f(ctx, ep, sink)
}

type discardSink struct{}

func (discardSink) OnResponse(*Response)         {}
func (discardSink) OnWriteResult(uint64, error) {}
func (discardSink) OnClosed(error)              {}

var (
	transportsMu sync.RWMutex
	transports   = map[string]Dialer{
		TransportZAP:     ZAPDialer{},
		TransportGRPC:    &GRPCDialer{},
		TransportJSONRPC: &JSONRPCDialer{},
	}
)

// RegisterTransport makes a dialer available under name.
func RegisterTransport(name string, d Dialer) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = d
}

func lookupTransport(name string) (Dialer, error) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	d, ok := transports[name]
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", name)
	}
	return d, nil
}

// AvailableTransports returns list of available transport types
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[name]
	return ok
}
