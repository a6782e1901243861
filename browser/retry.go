package browser

import (
	"context"
	"time"
)

// Backoff computes exponential retry delays capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given retry attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		return 0
	}
	delay := base * time.Duration(1<<(attempt-1))
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}

// Retry calls fn up to attempts times, sleeping b.Delay between failures.
// onRetry, when non-nil, is called before each retry with the failed attempt's error.
func Retry(ctx context.Context, attempts int, b Backoff, fn func(attempt int) error, onRetry func(attempt int, err error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if serr := Sleep(ctx, b.Delay(attempt)); serr != nil {
			return serr
		}
	}
	return err
}
