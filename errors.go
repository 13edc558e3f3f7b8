// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNoAvailableInstance = errors.New("rpcclient: no available instance")
	ErrNetwork             = errors.New("rpcclient: network error")
	ErrPoolExhausted       = errors.New("rpcclient: connection pool exhausted")
	ErrPoolClosed          = errors.New("rpcclient: connection pool closed")
	ErrConnectFailed       = errors.New("rpcclient: connect failed")
	ErrTimeout             = errors.New("rpcclient: request timeout")
	ErrSerialization       = errors.New("rpcclient: serialization error")
	ErrNeedMoreData        = errors.New("rpcclient: need more data")
	ErrShutdown            = errors.New("rpcclient: client shut down")
	ErrCancelled           = errors.New("rpcclient: call cancelled")
)

// ServiceError is a failure reported by the remote service. It is passed
// to the caller unchanged.
type ServiceError struct {
	Service string
	Method  string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("rpcclient: %s.%s: %s", e.Service, e.Method, e.Message)
}

// IsRetryable reports whether err belongs to a class a retry wrapper may
// re-issue against another connection group.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return false
	}
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNoAvailableInstance) || isTransientNetError(err)
}

// classifySendError maps a failed write onto the error taxonomy.
func classifySendError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSerialization), errors.Is(err, ErrNetwork), errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: write timed out: %w", ErrNetwork, err)
	default:
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
}
