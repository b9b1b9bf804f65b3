package infra

import (
	"context"
	"time"
)

const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 60 * time.Second
)

// CalculateBackoff returns the reconnect delay for retryCount: 1s, 2s, 4s ... capped at 60s.
func CalculateBackoff(retryCount int) time.Duration {
	return ExponentialDelay(baseBackoff, retryCount, maxBackoff)
}

// ExponentialDelay returns base * 2^attempt, capped at max when max > 0.
func ExponentialDelay(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base << uint(attempt)
	if max > 0 && (delay > max || delay <= 0) {
		delay = max
	}
	return delay
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
