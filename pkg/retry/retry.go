package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how to retry an operation. Backoff before attempt n+1 is
// InitialBackoff * 2^(n-1), capped by MaxBackoff when set.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter adds random(0, 50% of backoff) to each wait
	Jitter bool
}

// DefaultPolicy is the protective-order update policy: 3 attempts, 1s, 2s
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: time.Second,
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Always retries every error
func Always(error) bool { return true }

// Do executes fn with retries according to the policy. fn receives the
// 1-based attempt number. The error of the last attempt is returned.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func(attempt int) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if isTransient == nil {
		isTransient = Always
	}

	var err error
	backoff := policy.InitialBackoff

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts {
			break
		}

		sleepTime := backoff
		if policy.Jitter && backoff > 1 {
			sleepTime += time.Duration(rand.Int63n(int64(backoff / 2)))
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(sleepTime):
			backoff *= 2
			if policy.MaxBackoff > 0 {
				backoff = minDuration(backoff, policy.MaxBackoff)
			}
		}
	}

	return err
}

// Backoff returns the wait that precedes attempt+1 for the given base
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return base * time.Duration(1<<uint(attempt-1))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
