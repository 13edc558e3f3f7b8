// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFuture() *CallFuture {
	return newCallFuture(&Request{Service: testService, Method: "Echo"}, 0)
}

func TestCorrelationStoreRegisterTake(t *testing.T) {
	s := NewCorrelationStore(16)
	f := newTestFuture()

	id := s.Register(f)
	assert.NotZero(t, id)
	assert.Equal(t, id, f.ID())
	assert.Equal(t, 1, s.Len())
	assert.Same(t, f, s.Peek(id))

	assert.Same(t, f, s.Take(id))
	assert.Nil(t, s.Take(id))
	assert.Nil(t, s.Peek(id))
	assert.Equal(t, 0, s.Len())
}

func TestCorrelationStoreConcurrentTakeExactlyOnce(t *testing.T) {
	s := NewCorrelationStore(64)
	for i := 0; i < 1000; i++ {
		id := s.Register(newTestFuture())

		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if s.Take(id) != nil {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		require.Equal(t, int32(1), wins.Load(), "iteration %d", i)
	}
}

func TestCorrelationStoreSaturationUsesFallback(t *testing.T) {
	const capacity = 4
	s := NewCorrelationStore(capacity)

	futures := make([]*CallFuture, capacity+6)
	seen := make(map[uint64]bool)
	fallback := 0
	for i := range futures {
		futures[i] = newTestFuture()
		id := s.Register(futures[i])
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
		if id&fallbackBit != 0 {
			fallback++
		}
	}
	assert.Equal(t, 6, fallback)
	assert.Equal(t, len(futures), s.Len())

	for _, f := range futures {
		assert.Same(t, f, s.Peek(f.ID()))
		assert.Same(t, f, s.Take(f.ID()))
	}
	assert.Equal(t, 0, s.Len())
}

func TestCorrelationStoreConcurrentRegisterBeyondCapacity(t *testing.T) {
	const capacity, extra = 64, 64
	s := NewCorrelationStore(capacity)

	futures := make([]*CallFuture, capacity+extra)
	var wg sync.WaitGroup
	for i := range futures {
		futures[i] = newTestFuture()
		wg.Add(1)
		go func(f *CallFuture) {
			defer wg.Done()
			s.Register(f)
		}(futures[i])
	}
	wg.Wait()

	ids := make(map[uint64]bool)
	for _, f := range futures {
		require.False(t, ids[f.ID()], "duplicate id %d", f.ID())
		ids[f.ID()] = true
		require.Same(t, f, s.Peek(f.ID()))
	}
	assert.Equal(t, len(futures), s.Len())
}

func TestCorrelationStoreStaleIDAfterSlotReuse(t *testing.T) {
	s := NewCorrelationStore(2)
	a := newTestFuture()
	staleID := s.Register(a)
	require.Same(t, a, s.Take(staleID))

	b, c := newTestFuture(), newTestFuture()
	s.Register(b)
	s.Register(c)

	assert.Nil(t, s.Take(staleID))
	assert.Nil(t, s.Peek(staleID))
	assert.Equal(t, 2, s.Len())
}

func TestCorrelationStoreCounterWrapsBelowFallbackBit(t *testing.T) {
	s := NewCorrelationStore(8)
	s.counter.Store(fallbackBit - 2)

	last := s.Register(newTestFuture())
	assert.Equal(t, fallbackBit-1, last)

	wrapped := s.Register(newTestFuture())
	assert.Zero(t, wrapped&fallbackBit)
	assert.Equal(t, uint64(1), wrapped)
}

func TestCorrelationStoreSweep(t *testing.T) {
	s := NewCorrelationStore(2)
	var futures []*CallFuture
	for i := 0; i < 5; i++ {
		f := newTestFuture()
		s.Register(f)
		futures = append(futures, f)
	}

	var reacted []*CallFuture
	n := s.Sweep(func(f *CallFuture) bool {
		return f == futures[0] || f == futures[4]
	}, func(f *CallFuture) {
		reacted = append(reacted, f)
	})

	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []*CallFuture{futures[0], futures[4]}, reacted)
	assert.Equal(t, 3, s.Len())
	assert.Nil(t, s.Take(futures[0].ID()))
	assert.Same(t, futures[2], s.Take(futures[2].ID()))
}
