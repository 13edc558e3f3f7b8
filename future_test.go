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

func TestFutureCompletesOnce(t *testing.T) {
	f := newTestFuture()
	first := &Response{Payload: []byte("first")}

	assert.True(t, f.complete(first, nil, Completed))
	assert.False(t, f.complete(nil, errors.New("late"), TimedOut))

	resp, err, ok := f.Result()
	require.True(t, ok)
	assert.NoError(t, err)
	assert.Same(t, first, resp)
	assert.Equal(t, Completed, f.State())
}

func TestFutureResultWhilePending(t *testing.T) {
	f := newTestFuture()
	_, _, ok := f.Result()
	assert.False(t, ok)
	assert.Equal(t, Pending, f.State())
}

func TestFutureGetSafetyNetTimesOut(t *testing.T) {
	s := NewCorrelationStore(8)
	f := newCallFuture(&Request{Service: testService, Method: "Echo"}, 20*time.Millisecond)
	f.store = s
	s.Register(f)

	_, err := f.Get(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, TimedOut, f.State())
	assert.Equal(t, 0, s.Len())
}

func TestFutureGetContextCancelled(t *testing.T) {
	s := NewCorrelationStore(8)
	f := newCallFuture(&Request{Service: testService, Method: "Echo"}, time.Minute)
	f.store = s
	s.Register(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Get(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFutureGetDeadlineIsTimeout(t *testing.T) {
	s := NewCorrelationStore(8)
	f := newCallFuture(&Request{Service: testService, Method: "Echo"}, time.Minute)
	f.store = s
	s.Register(f)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Get(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, TimedOut, f.State())
	assert.Equal(t, 0, s.Len())
}

func TestFutureCancelLosesToCompletion(t *testing.T) {
	s := NewCorrelationStore(8)
	f := newTestFuture()
	f.store = s
	id := s.Register(f)

	require.Same(t, f, s.Take(id))
	f.complete(&Response{ID: id}, nil, Completed)

	assert.False(t, f.Cancel())
	_, err, _ := f.Result()
	assert.NoError(t, err)
}

type orderListener struct {
	name  string
	order chan<- string
}

func (l orderListener) OnResponse(*Request, *Response) { l.order <- l.name }
func (l orderListener) OnError(*Request, error)        { l.order <- l.name + "-error" }

func TestFutureNotifiesListenersInReverseOrder(t *testing.T) {
	order := make(chan string, 3)
	f := newTestFuture()
	f.listeners = []ResponseListener{orderListener{"first", order}, orderListener{"second", order}}
	f.callback = func(*Response, error) { order <- "callback" }
	f.exec = newCallbackExecutor(2, testLogger())

	f.complete(&Response{}, nil, Completed)
	f.exec.Wait()
	close(order)

	var got []string
	for s := range order {
		got = append(got, s)
	}
	assert.Equal(t, []string{"second", "first", "callback"}, got)
}
