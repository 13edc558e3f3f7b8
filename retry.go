// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy controls CallWithRetry.
type RetryPolicy struct {
	MaxAttempts int
	// BaseBackoff doubles after every failed attempt.
	BaseBackoff time.Duration
}

// DefaultRetryPolicy tries up to three endpoints.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseBackoff: 50 * time.Millisecond}

// CallWithRetry calls req, re-issuing it against endpoints not yet tried
// when an attempt fails with a retryable error. Every attempt is a new call
// with its own id and future; req itself is not sent.
func (c *Client) CallWithRetry(ctx context.Context, req *Request, policy RetryPolicy) (*Response, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	tried := make(map[Endpoint]struct{})
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 && policy.BaseBackoff > 0 {
			wait := policy.BaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		resp, err := c.attempt(ctx, req.clone(), tried)
		if err == nil || !IsRetryable(err) {
			return resp, err
		}
		lastErr = err
		c.log.Debug("call attempt failed", "service", req.Service, "method", req.Method, "attempt", attempt+1, "error", err)

		if errors.Is(err, ErrNoAvailableInstance) && len(tried) > 0 {
			// Every candidate has been tried once; start another round.
			clear(tried)
		}
	}
	return nil, fmt.Errorf("failed to call %s.%s after %d attempts: %w", req.Service, req.Method, policy.MaxAttempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, req *Request, tried map[Endpoint]struct{}) (*Response, error) {
	f, err := c.Invoke(ctx, req, WithTried(tried))
	if err != nil {
		return nil, err
	}
	return f.Get(ctx)
}
