package dbclient

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxRetries is the retry budget for transient query failures.
const DefaultMaxRetries = 2

// QueryWithRetry runs Query, retrying transient failures up to maxRetries
// additional attempts with a linear-growth backoff of 2·(attempt+1) seconds.
// Non-transient errors and context cancellation short-circuit.
func QueryWithRetry(ctx context.Context, c Client, query string, timeout time.Duration, maxRetries int, logger *zap.Logger) (*Result, error) {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := c.Query(ctx, query, timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == maxRetries {
			break
		}

		backoff := time.Duration(2*(attempt+1)) * time.Second
		logger.Warn("transient query failure, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}
