// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// callbackExecutor runs user callbacks off the IO path with bounded
// concurrency.
type callbackExecutor struct {
	g       errgroup.Group
	pending sync.WaitGroup
	log     *slog.Logger
}

func newCallbackExecutor(workers int, log *slog.Logger) *callbackExecutor {
	e := &callbackExecutor{log: log}
	if workers > 0 {
		e.g.SetLimit(workers)
	}
	return e
}

// Submit never blocks the caller. When every worker is busy the task waits
// for a free slot on its own goroutine.
func (e *callbackExecutor) Submit(fn func()) {
	e.pending.Add(1)
	task := func() error {
		defer e.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("callback panicked", "panic", fmt.Sprint(r))
			}
		}()
		fn()
		return nil
	}
	if e.g.TryGo(task) {
		return
	}
	go e.g.Go(task)
}

// Wait blocks until every submitted callback has returned.
func (e *callbackExecutor) Wait() {
	e.pending.Wait()
}
