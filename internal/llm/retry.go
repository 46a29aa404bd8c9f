package llm

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// retryTurn runs attempt up to maxRetries+1 times with exponential
// backoff and ±25% jitter. Only classed-retriable errors are retried,
// and never after the stream has started delivering events.
func retryTurn(ctx context.Context, maxRetries int, base time.Duration, attempt func(started *bool) error) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			delay := base * time.Duration(1<<(i-1))
			jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		started := false
		err := attempt(&started)
		if err == nil {
			return nil
		}
		lastErr = err
		if started || !Retriable(err) || ctx.Err() != nil {
			return err
		}
		slog.Warn("llm request failed, retrying",
			"attempt", i+1,
			"class", string(Classify(err)),
			"error", err)
	}
	return lastErr
}
