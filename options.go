// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"log/slog"
	"time"
)

// Defaults used when an option is left unset.
const (
	DefaultReadTimeout       = 5 * time.Second
	DefaultWriteTimeout      = time.Second
	DefaultConnectTimeout    = 3 * time.Second
	DefaultMaxConnections    = 8
	DefaultMaxWait           = 100 * time.Millisecond
	DefaultCapacityCeiling   = 1024
	DefaultLatencyWindowSize = 32
	DefaultCallbackWorkers   = 64
	DefaultQuietPeriod       = time.Second
	DefaultResolveTTL        = 10 * time.Second
)

// Option configures a Client
type Option func(*config)

type config struct {
	transport       string
	dialer          Dialer
	selector        Selector
	resolver        Resolver
	resolveTTL      time.Duration
	pool            PoolConfig
	storeCapacity   int
	readTimeout     time.Duration
	writeTimeout    time.Duration
	callbackWorkers int
	quietPeriod     time.Duration
	codec           Codec
	logger          *slog.Logger
	listeners       []ResponseListener
}

func defaultConfig() config {
	return config{
		transport:       DefaultTransport,
		resolveTTL:      DefaultResolveTTL,
		storeCapacity:   DefaultStoreCapacity,
		readTimeout:     DefaultReadTimeout,
		writeTimeout:    DefaultWriteTimeout,
		callbackWorkers: DefaultCallbackWorkers,
		quietPeriod:     DefaultQuietPeriod,
		codec:           defaultCodec,
	}
}

// WithTransport selects a registered transport by name
func WithTransport(t string) Option {
	return func(c *config) { c.transport = t }
}

// WithDialer sets the dialer directly, bypassing the transport registry
func WithDialer(d Dialer) Option {
	return func(c *config) { c.dialer = d }
}

// WithSelector sets the connection group selection strategy
func WithSelector(s Selector) Option {
	return func(c *config) { c.selector = s }
}

// WithResolver refreshes service endpoints from r once they are older than ttl
func WithResolver(r Resolver, ttl time.Duration) Option {
	return func(c *config) {
		c.resolver = r
		if ttl > 0 {
			c.resolveTTL = ttl
		}
	}
}

// WithPoolConfig replaces the per-endpoint pool configuration, Discipline
// included. Options apply in order, so a later WithDiscipline overrides
// p.Discipline and an earlier one is overridden by it.
func WithPoolConfig(p PoolConfig) Option {
	return func(c *config) { c.pool = p }
}

// WithDiscipline selects pooled or multiplexed connection use. It overrides
// the Discipline of an earlier WithPoolConfig.
func WithDiscipline(d Discipline) Option {
	return func(c *config) { c.pool.Discipline = d }
}

// WithStoreCapacity sizes the array tier of correlation stores
func WithStoreCapacity(n int) Option {
	return func(c *config) {
		c.storeCapacity = n
		c.pool.StoreCapacity = n
	}
}

// WithTimeouts sets the client-wide read and write timeouts
func WithTimeouts(read, write time.Duration) Option {
	return func(c *config) {
		if read > 0 {
			c.readTimeout = read
		}
		if write > 0 {
			c.writeTimeout = write
		}
	}
}

// WithCallbackWorkers bounds concurrently running callbacks
func WithCallbackWorkers(n int) Option {
	return func(c *config) { c.callbackWorkers = n }
}

// WithQuietPeriod bounds how long Shutdown waits for in-flight calls
func WithQuietPeriod(d time.Duration) Option {
	return func(c *config) { c.quietPeriod = d }
}

// WithCodec sets the payload codec used by CallTyped and Notify
func WithCodec(codec Codec) Option {
	return func(c *config) { c.codec = codec }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithListener appends a response listener
func WithListener(l ResponseListener) Option {
	return func(c *config) { c.listeners = append(c.listeners, l) }
}

// CallOption configures one invocation
type CallOption func(*callOptions)

type callOptions struct {
	callback Callback
	tried    map[Endpoint]struct{}
}

// WithCallback runs cb on the callback executor once the call completes
func WithCallback(cb Callback) CallOption {
	return func(o *callOptions) { o.callback = cb }
}

// WithTried excludes the endpoints in tried from selection and records the
// endpoint chosen for this call into it.
func WithTried(tried map[Endpoint]struct{}) CallOption {
	return func(o *callOptions) { o.tried = tried }
}
