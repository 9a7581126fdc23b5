package pipeline

import (
	"context"
	"math/rand"
	"time"
)

// retryDelay computes a full-jitter exponential backoff for the given attempt
// number (1-based): a uniformly random duration in [0, base*2^(attempt-1)],
// capped at max. Full jitter spreads resumed documents apart so a batch that
// failed together does not hammer the same dependency together.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := base << uint(attempt-1)
	if ceiling > max || ceiling <= 0 {
		ceiling = max
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
