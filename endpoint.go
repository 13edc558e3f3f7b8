// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint is the network identity of one remote server instance.
type Endpoint struct {
	Host string
	Port int
}

// NewEndpoint returns the endpoint for host:port.
func NewEndpoint(host string, port int) Endpoint {
	return Endpoint{Host: host, Port: port}
}

// ParseEndpoint parses "host:port".
func ParseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: invalid port", addr)
	}
	return Endpoint{Host: host, Port: port}, nil
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}
