package resilience

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"
)

// Policy is a declarative retry configuration. Policies are immutable once
// constructed; the named constructors below cover the operation classes the
// service performs against the upstream wallet.
type Policy struct {
	Name        string
	MaxAttempts int           // Total attempts including the first
	BaseDelay   time.Duration // Delay before the second attempt
	Multiplier  float64       // Backoff multiplier applied per attempt
	MaxDelay    time.Duration // Upper bound on the computed delay
	Jitter      time.Duration // Random addition in [0, Jitter)

	// WarnBeforeRetry logs a warning before every retry. Set on the
	// payment-send policy: a retried send risks a duplicate payment when the
	// first attempt succeeded upstream but the response was lost, so the
	// caller must verify independently.
	WarnBeforeRetry bool
}

// RequestPolicy guards generic query/mutation calls.
func RequestPolicy() Policy {
	return Policy{
		Name:        "request",
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Second,
		Jitter:      250 * time.Millisecond,
	}
}

// PaymentSendPolicy guards payment-send mutations. Deliberately more
// conservative than read policies: fewer attempts, longer spacing.
func PaymentSendPolicy() Policy {
	return Policy{
		Name:            "payment-send",
		MaxAttempts:     2,
		BaseDelay:       2 * time.Second,
		Multiplier:      2.0,
		MaxDelay:        10 * time.Second,
		Jitter:          0,
		WarnBeforeRetry: true,
	}
}

// StatusPollPolicy guards the frequent read-only polling calls.
func StatusPollPolicy() Policy {
	return Policy{
		Name:        "status-poll",
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    2 * time.Second,
		Jitter:      100 * time.Millisecond,
	}
}

// Delay computes the wait before retry number attempt (0-based), following
// delay = min(maxDelay, base × multiplier^attempt) + random(0, jitter).
func (p Policy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// Do runs fn, retrying retryable failures per the policy. The last error is
// returned when attempts exhaust; fatal failures short-circuit immediately.
// Every wait observes ctx and returns promptly on cancellation.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if p.WarnBeforeRetry {
				log.Printf("warning: retrying %s (attempt %d/%d): the previous attempt may have succeeded upstream, verify before trusting a duplicate result: %v",
					op, attempt+1, p.MaxAttempts, lastErr)
			}
			select {
			case <-time.After(p.Delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		kind := Classify(lastErr)
		if !kind.Retryable() {
			return lastErr
		}
		log.Printf("%s failed (%s), attempt %d/%d: %v", op, kind, attempt+1, p.MaxAttempts, lastErr)
	}
	return lastErr
}
