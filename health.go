// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"log/slog"
	"time"
)

// HealthFeedback turns call outcomes into the group health signals that
// selectors read. It never removes an endpoint from rotation.
type HealthFeedback struct {
	log *slog.Logger
}

// NewHealthFeedback returns a feedback sink logging to log.
func NewHealthFeedback(log *slog.Logger) *HealthFeedback {
	if log == nil {
		log = slog.Default()
	}
	return &HealthFeedback{log: log}
}

// RecordSuccess adds a latency sample. The failure counter is lifetime and
// is not reset.
func (h *HealthFeedback) RecordSuccess(g *ConnectionGroup, latency time.Duration) {
	if g == nil {
		return
	}
	g.RecordLatency(latency)
}

// RecordFailure bumps the failure counter and, when the failure happened on
// a specific connection, evicts it.
func (h *HealthFeedback) RecordFailure(g *ConnectionGroup, pc *PooledConn) {
	if g == nil {
		return
	}
	g.RecordFailure()
	if pc != nil && g.Evict(pc) {
		h.log.Debug("evicted connection", "endpoint", g.Endpoint().String(), "failures", g.Failures())
	}
}
