package rate

import (
	"context"
	"time"
)

// Limiter is a fixed-window rate limiter keyed by caller identity. Allow
// reports whether the call may proceed and, when it may not, how long to
// wait before retrying.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}
