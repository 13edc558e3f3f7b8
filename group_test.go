// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGroup(d Dialer, cfg PoolConfig) *ConnectionGroup {
	return NewConnectionGroup(testEndpoint, d, cfg, nil)
}

func TestGroupExhaustionAndDoubling(t *testing.T) {
	ctx := context.Background()
	const maxWait = 50 * time.Millisecond
	g := newTestGroup(&fakeDialer{}, PoolConfig{MaxConnections: 2, MaxWait: maxWait})
	defer g.Close()

	a, err := g.Lease(ctx)
	require.NoError(t, err)
	b, err := g.Lease(ctx)
	require.NoError(t, err)
	require.NotSame(t, a, b)

	start := time.Now()
	_, err = g.Lease(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), maxWait)

	assert.Equal(t, 4, g.DoubleCapacity())
	assert.Equal(t, 4, g.Capacity())

	start = time.Now()
	c, err := g.Lease(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), maxWait)
	assert.NotNil(t, c)
}

func TestGroupDoubleCapacityStopsAtCeiling(t *testing.T) {
	g := newTestGroup(&fakeDialer{}, PoolConfig{MaxConnections: 2, CapacityCeiling: 3})
	defer g.Close()

	assert.Equal(t, 3, g.DoubleCapacity())
	assert.Equal(t, 3, g.DoubleCapacity())
}

func TestGroupReleaseReusesConnection(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{}
	g := newTestGroup(d, PoolConfig{MaxConnections: 1})
	defer g.Close()

	pc, err := g.Lease(ctx)
	require.NoError(t, err)
	g.Release(pc)
	g.Release(pc) // second release is ignored

	again, err := g.Lease(ctx)
	require.NoError(t, err)
	assert.Same(t, pc, again)
	assert.Len(t, d.dialed(), 1)
}

func TestGroupReleaseDropsClosedConnection(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{}
	g := newTestGroup(d, PoolConfig{MaxConnections: 1})
	defer g.Close()

	pc, err := g.Lease(ctx)
	require.NoError(t, err)
	_ = pc.Conn().Close()
	g.Release(pc)
	assert.Equal(t, 0, g.Stats().Open)

	fresh, err := g.Lease(ctx)
	require.NoError(t, err)
	assert.NotSame(t, pc, fresh)
	assert.Len(t, d.dialed(), 2)
}

func TestGroupEvict(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{}
	g := newTestGroup(d, PoolConfig{MaxConnections: 1, MaxWait: 10 * time.Millisecond})
	defer g.Close()

	pc, err := g.Lease(ctx)
	require.NoError(t, err)
	assert.True(t, g.Evict(pc))
	assert.False(t, pc.IsOpen())
	assert.False(t, g.Evict(pc))

	// The evicted lease gave its slot back.
	_, err = g.Lease(ctx)
	require.NoError(t, err)
}

func TestGroupConnectFailed(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(&fakeDialer{dialErr: errors.New("refused")}, PoolConfig{MaxConnections: 1})
	defer g.Close()

	for i := 0; i < 3; i++ {
		_, err := g.Lease(ctx)
		assert.ErrorIs(t, err, ErrConnectFailed)
		assert.ErrorIs(t, err, ErrNetwork)
		assert.NotErrorIs(t, err, ErrPoolExhausted)
	}
}

func TestGroupCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{}
	g := newTestGroup(d, PoolConfig{MaxConnections: 2})

	leased, err := g.Lease(ctx)
	require.NoError(t, err)

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	assert.False(t, leased.IsOpen())

	g.Release(leased)
	assert.False(t, g.Evict(leased))

	_, err = g.Lease(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestGroupPrewarm(t *testing.T) {
	d := &fakeDialer{}
	g := newTestGroup(d, PoolConfig{MaxConnections: 4, MinIdleConnections: 2})
	defer g.Close()

	require.NoError(t, g.Prewarm(context.Background()))
	stats := g.Stats()
	assert.Equal(t, 2, stats.Idle)
	assert.Equal(t, 2, stats.Open)
	assert.Len(t, d.dialed(), 2)
}

func TestGroupLatencyWindowKeepsMostRecent(t *testing.T) {
	g := newTestGroup(&fakeDialer{}, PoolConfig{LatencyWindowSize: 3})
	defer g.Close()

	for i := 1; i <= 5; i++ {
		g.RecordLatency(time.Duration(i) * time.Millisecond)
	}
	assert.Equal(t, []time.Duration{3 * time.Millisecond, 4 * time.Millisecond, 5 * time.Millisecond}, g.LatencySamples())
	assert.Equal(t, 4*time.Millisecond, g.MeanLatency())
}

func TestGroupFailureCounterIsCumulative(t *testing.T) {
	g := newTestGroup(&fakeDialer{}, PoolConfig{})
	defer g.Close()
	h := NewHealthFeedback(nil)

	h.RecordFailure(g, nil)
	h.RecordSuccess(g, time.Millisecond)
	h.RecordFailure(g, nil)

	assert.Equal(t, int64(2), g.Failures())
	assert.Len(t, g.LatencySamples(), 1)
}
