package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryPolicy bounds external submission attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		MaxJitter:   100 * time.Millisecond,
	}
}

// Backoff returns the delay after a failed attempt: base * 2^attempt capped
// at MaxDelay, plus jitter derived from the anchor id so retries of
// different anchors spread out while each schedule stays reproducible.
func (p RetryPolicy) Backoff(anchorID string, attempt int) time.Duration {
	factor := int64(1) << min(max(attempt, 0), 30)
	delay := time.Duration(int64(p.BaseDelay) * factor)
	if delay > p.MaxDelay || delay < 0 {
		delay = p.MaxDelay
	}
	return delay + p.jitter(anchorID, attempt)
}

func (p RetryPolicy) jitter(anchorID string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", anchorID, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
