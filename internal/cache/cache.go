package cache

import (
	"context"
	"time"
)

// DailyCounter is a fast path for per-campaign, tenant-local-day sent
// counts. The store remains the source of truth; implementations are
// best-effort.
type DailyCounter interface {
	// Get returns the cached count for the day. ok is false on a miss.
	Get(ctx context.Context, campaignID int64, day string) (count int, ok bool, err error)
	// Set seeds the counter with an expiry at the next local midnight.
	Set(ctx context.Context, campaignID int64, day string, count int, ttl time.Duration) error
	// Incr bumps the counter if present.
	Incr(ctx context.Context, campaignID int64, day string) error
}
