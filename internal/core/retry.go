package core

import (
	"context"
	"time"

	"sitebot.dev/chatbot/internal/llm"
)

// RetryPolicy retries transient upstream failures with exponential backoff.
// Attempts counts the first call.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func withRetry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var (
		res T
		err error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		res, err = fn(ctx)
		if err == nil || !llm.IsTransient(err) || attempt == attempts-1 {
			return res, err
		}
		if sleepErr := sleep(ctx, p.delay(attempt)); sleepErr != nil {
			return res, err
		}
	}
	return res, err
}
