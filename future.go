// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// FutureState is the lifecycle state of a CallFuture.
type FutureState int32

const (
	Pending FutureState = iota
	Completed
	TimedOut
)

func (s FutureState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case TimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("FutureState(%d)", int32(s))
	}
}

// Callback receives the outcome of an asynchronous call.
type Callback func(resp *Response, err error)

// ResponseListener observes every completed call. Listeners run on the
// callback executor in reverse registration order, before the call's own
// callback.
type ResponseListener interface {
	OnResponse(req *Request, resp *Response)
	OnError(req *Request, err error)
}

// CallFuture is the completion handle of one outstanding call. It leaves
// Pending exactly once; later completion attempts are no-ops.
type CallFuture struct {
	id    uint64
	req   *Request
	state atomic.Int32
	done  chan struct{}
	resp  *Response
	err   error

	timer       atomic.Pointer[TimerHandle]
	callback    Callback
	listeners   []ResponseListener
	exec        *callbackExecutor
	start       time.Time
	readTimeout time.Duration

	group *ConnectionGroup
	conn  *PooledConn
	store *CorrelationStore

	// onAbandon runs after a waiter or Cancel takes the future itself.
	onAbandon func(f *CallFuture, state FutureState)
}

func newCallFuture(req *Request, readTimeout time.Duration) *CallFuture {
	return &CallFuture{
		req:         req,
		done:        make(chan struct{}),
		start:       time.Now(),
		readTimeout: readTimeout,
	}
}

// ID returns the correlation id, zero for calls never registered.
func (f *CallFuture) ID() uint64 { return f.id }

// Request returns the request this future belongs to.
func (f *CallFuture) Request() *Request { return f.req }

// Attachments returns the request-scoped attachments carried by the call.
func (f *CallFuture) Attachments() map[string]string { return f.req.Attachments }

// State returns the current state.
func (f *CallFuture) State() FutureState { return FutureState(f.state.Load()) }

// Done is closed once the call has completed.
func (f *CallFuture) Done() <-chan struct{} { return f.done }

// Endpoint returns the endpoint the call was sent to.
func (f *CallFuture) Endpoint() Endpoint {
	if f.group == nil {
		return Endpoint{}
	}
	return f.group.Endpoint()
}

// Result returns the outcome without blocking. ok is false while pending.
func (f *CallFuture) Result() (resp *Response, err error, ok bool) {
	select {
	case <-f.done:
		return f.resp, f.err, true
	default:
		return nil, nil, false
	}
}

// Get blocks until the call completes, ctx ends, or the read timeout
// elapses. The latter two complete the call themselves when they win the
// race for its id, so Get and any callback always observe the same outcome.
// A ctx deadline ends the call with ErrTimeout, any other ctx end with
// ErrCancelled.
func (f *CallFuture) Get(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	default:
	}
	wait := f.readTimeout
	if wait <= 0 {
		wait = DefaultReadTimeout
	}
	t := time.NewTimer(wait)
	defer t.Stop()

	select {
	case <-f.done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			f.abandon(fmt.Errorf("%w: %w", ErrTimeout, ctx.Err()), TimedOut)
		} else {
			f.abandon(fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()), Completed)
		}
	case <-t.C:
		f.abandon(fmt.Errorf("%w: no response within %s", ErrTimeout, wait), TimedOut)
	}
	<-f.done
	return f.resp, f.err
}

// Cancel abandons the call. It reports false when another path already
// completed it.
func (f *CallFuture) Cancel() bool {
	return f.abandon(ErrCancelled, Completed)
}

func (f *CallFuture) abandon(err error, state FutureState) bool {
	if f.store == nil || f.store.Take(f.id) != f {
		return false
	}
	f.complete(nil, err, state)
	if f.onAbandon != nil {
		f.onAbandon(f, state)
	}
	return true
}

// setTimer attaches the timeout task. A timer attached after completion is
// cancelled right away.
func (f *CallFuture) setTimer(h *TimerHandle) {
	f.timer.Store(h)
	if f.State() != Pending {
		h.Cancel()
	}
}

// complete moves the future out of Pending. Only the goroutine that took
// the future from its store may call it.
func (f *CallFuture) complete(resp *Response, err error, state FutureState) bool {
	if !f.state.CompareAndSwap(int32(Pending), int32(state)) {
		return false
	}
	if h := f.timer.Load(); h != nil {
		h.Cancel()
	}
	f.resp, f.err = resp, err
	close(f.done)
	f.notify()
	return true
}

func (f *CallFuture) notify() {
	if f.callback == nil && len(f.listeners) == 0 {
		return
	}
	run := func() {
		for i := len(f.listeners) - 1; i >= 0; i-- {
			if f.err != nil {
				f.listeners[i].OnError(f.req, f.err)
			} else {
				f.listeners[i].OnResponse(f.req, f.resp)
			}
		}
		if f.callback != nil {
			f.callback(f.resp, f.err)
		}
	}
	if f.exec == nil {
		go run()
		return
	}
	f.exec.Submit(run)
}
