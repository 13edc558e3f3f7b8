// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"context"
	"fmt"
)

// Dial returns a client serving service from the given "host:port"
// addresses, with each group prewarmed to its minimum idle size.
func Dial(ctx context.Context, service string, addrs []string, opts ...Option) (*Client, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s: no addresses", ErrNoAvailableInstance, service)
	}
	eps := make([]Endpoint, 0, len(addrs))
	for _, addr := range addrs {
		ep, err := ParseEndpoint(addr)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}

	c, err := NewClient(opts...)
	if err != nil {
		return nil, err
	}
	c.dir.Update(service, eps)
	for _, ep := range eps {
		if err := c.dir.Group(ep).Prewarm(ctx); err != nil {
			c.log.Warn("prewarm failed", "endpoint", ep.String(), "error", err)
		}
	}
	return c, nil
}
