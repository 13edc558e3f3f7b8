// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpcclient is an RPC client engine. It turns a logical call into a
// correlated, timeout-bounded exchange over a pooled connection and turns
// the response that arrives later back into the result the caller waits on.
//
// # Usage
//
//	client, err := rpcclient.Dial(ctx, "Arith", []string{"10.0.0.1:9000", "10.0.0.2:9000"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	var sum struct{ Sum int }
//	err = client.CallTyped(ctx, "Arith", "Add", struct{ A, B int }{2, 3}, &sum)
//
//	// Asynchronous
//	req, _ := rpcclient.NewRequest("Arith", "Add", args, nil)
//	f, err := client.Invoke(ctx, req, rpcclient.WithCallback(func(resp *rpcclient.Response, err error) {
//	    ...
//	}))
//
// # Transport Selection
//
// ZAP (framed TCP) is the default transport. gRPC and JSON-RPC over HTTP
// are selected with WithTransport:
//
//	rpcclient.NewClient(rpcclient.WithTransport(rpcclient.TransportGRPC))
//
// # Architecture
//
//   - endpoint.go: Endpoint, the (host, port) identity of a server
//   - group.go: ConnectionGroup, the bounded connection pool of one endpoint and its health signals
//   - correlation.go: CorrelationStore, the id -> CallFuture table
//   - future.go: CallFuture, the completion handle of one call
//   - timer.go: TimerService, shared per-call timeouts
//   - client.go: Client, the invocation coordinator and receive hook
//   - health.go: HealthFeedback, latency and failure feedback into groups
//   - balance.go: selection strategies
//   - directory.go: service -> endpoint routing table and resolvers
//   - retry.go: caller-visible retry across endpoints
//   - codec.go, zap.go, dial_grpc.go, json.go: wire codec and transports
//
// Every call leaves the pending state exactly once. The response path, the
// timeout and a failed send each race to take the call's future out of its
// CorrelationStore, and only the winner completes it.
package rpcclient
