// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"sync"
	"sync/atomic"
)

// DefaultStoreCapacity is the default number of array-tier slots.
const DefaultStoreCapacity = 10000

// fallbackBit marks ids that live in the overflow map rather than the slot array.
const fallbackBit uint64 = 1 << 63

// CorrelationStore maps call ids to pending futures so responses can be
// matched out of order. Ids come from one counter; counter value c lives in
// slot c mod N. When N consecutive slots are occupied the entry goes to an
// overflow map under c with fallbackBit set.
//
// Take is the only way an entry leaves the store and succeeds for exactly
// one caller per id.
type CorrelationStore struct {
	slots    []atomic.Pointer[CallFuture]
	overflow sync.Map // uint64 -> *CallFuture
	counter  atomic.Uint64
	live     atomic.Int64
}

// NewCorrelationStore returns a store with capacity array slots.
func NewCorrelationStore(capacity int) *CorrelationStore {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	return &CorrelationStore{slots: make([]atomic.Pointer[CallFuture], capacity)}
}

func (s *CorrelationStore) nextID() uint64 {
	for {
		c := s.counter.Add(1)
		if c&fallbackBit != 0 {
			// Keep array-tier ids below the discriminator bit.
			s.counter.CompareAndSwap(c, 0)
			continue
		}
		if c == 0 {
			continue
		}
		return c
	}
}

// Register stores f under a freshly issued id and returns it.
func (s *CorrelationStore) Register(f *CallFuture) uint64 {
	n := uint64(len(s.slots))
	for i := 0; i < len(s.slots); i++ {
		c := s.nextID()
		f.id = c
		if s.slots[c%n].CompareAndSwap(nil, f) {
			s.live.Add(1)
			return c
		}
	}
	for {
		c := s.nextID() | fallbackBit
		f.id = c
		if _, loaded := s.overflow.LoadOrStore(c, f); !loaded {
			s.live.Add(1)
			return c
		}
	}
}

// Peek returns the future registered under id without removing it.
func (s *CorrelationStore) Peek(id uint64) *CallFuture {
	if id&fallbackBit != 0 {
		if v, ok := s.overflow.Load(id); ok {
			return v.(*CallFuture)
		}
		return nil
	}
	f := s.slots[id%uint64(len(s.slots))].Load()
	if f == nil || f.id != id {
		return nil
	}
	return f
}

// Take removes and returns the future registered under id, or nil when it
// is unknown or another caller already took it.
func (s *CorrelationStore) Take(id uint64) *CallFuture {
	if id == 0 {
		return nil
	}
	if id&fallbackBit != 0 {
		v, ok := s.overflow.LoadAndDelete(id)
		if !ok {
			return nil
		}
		s.live.Add(-1)
		return v.(*CallFuture)
	}
	slot := &s.slots[id%uint64(len(s.slots))]
	f := slot.Load()
	if f == nil || f.id != id {
		return nil
	}
	if !slot.CompareAndSwap(f, nil) {
		return nil
	}
	s.live.Add(-1)
	return f
}

// Sweep visits every live entry in both tiers. Entries for which evict
// returns true are taken with the same semantics as Take and handed to
// react. It returns the number of entries taken.
func (s *CorrelationStore) Sweep(evict func(*CallFuture) bool, react func(*CallFuture)) int {
	taken := 0
	visit := func(f *CallFuture) {
		if !evict(f) {
			return
		}
		if got := s.Take(f.id); got == f {
			taken++
			if react != nil {
				react(f)
			}
		}
	}
	for i := range s.slots {
		if f := s.slots[i].Load(); f != nil {
			visit(f)
		}
	}
	s.overflow.Range(func(_, v any) bool {
		visit(v.(*CallFuture))
		return true
	})
	return taken
}

// Len returns the number of live entries.
func (s *CorrelationStore) Len() int {
	return int(s.live.Load())
}

// Capacity returns the number of array-tier slots.
func (s *CorrelationStore) Capacity() int {
	return len(s.slots)
}
