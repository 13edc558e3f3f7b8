// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimerService schedules per-call timeout tasks on the runtime timer heap.
// No goroutine exists for a task until it fires.
type TimerService struct {
	mu      sync.Mutex
	closed  bool
	pending atomic.Int64
}

// TimerHandle refers to one scheduled task.
type TimerHandle struct {
	t     *time.Timer
	owner *TimerService
	done  atomic.Bool
}

// NewTimerService returns a ready timer service.
func NewTimerService() *TimerService {
	return &TimerService{}
}

// Schedule runs task once after delay. It returns ErrShutdown after Close.
func (s *TimerService) Schedule(delay time.Duration, task func()) (*TimerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrShutdown
	}
	h := &TimerHandle{owner: s}
	s.pending.Add(1)
	h.t = time.AfterFunc(delay, func() {
		if h.done.CompareAndSwap(false, true) {
			s.pending.Add(-1)
		}
		task()
	})
	return h, nil
}

// Cancel reports true iff the task had not fired and now never will.
func (h *TimerHandle) Cancel() bool {
	if h == nil {
		return false
	}
	if !h.t.Stop() {
		return false
	}
	if h.done.CompareAndSwap(false, true) {
		h.owner.pending.Add(-1)
	}
	return true
}

// Pending returns the number of tasks neither fired nor cancelled.
func (s *TimerService) Pending() int {
	return int(s.pending.Load())
}

// Close stops accepting new tasks. Already scheduled tasks still fire
// unless cancelled.
func (s *TimerService) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
