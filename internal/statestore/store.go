// Package statestore persists the two pieces of state that survive between
// crawl runs: the per-source crawl record (item fingerprints with last-seen
// times) and the rate limiter's budget accounting. The crawler treats the
// backend as a plain key-value collaborator; everything goes through the
// Store interface so the engine never touches files or SQL directly.
package statestore

import (
	"context"
	"time"
)

// Record is what the crawler remembers about one previously processed item.
type Record struct {
	Fingerprint string
	LastSeen    time.Time
}

// RateState is the persisted rate-limiter accounting. It is written after
// every acquire and throttle event so a crash mid-crawl does not lose budget
// already spent.
type RateState struct {
	WindowStart    time.Time `json:"window_start"`
	WindowRequests int       `json:"window_requests"`
	DailyRequests  int       `json:"daily_requests"`
	DailyResetAt   time.Time `json:"daily_reset_at"`
	ThrottleStreak int       `json:"throttle_streak"`
}

// Store is the durable record store shared by the orchestrator and the rate
// limiter. Entries are only ever added or overwritten; retention pruning is
// an external concern.
type Store interface {
	// Record returns the stored record for an item, with ok=false when the
	// item has never been recorded.
	Record(ctx context.Context, source, itemID string) (Record, bool, error)
	// PutRecord adds or overwrites a single item record.
	PutRecord(ctx context.Context, source, itemID string, rec Record) error
	// PutRecords upserts a batch of item records for one source in a single
	// transaction.
	PutRecords(ctx context.Context, source string, recs map[string]Record) error

	// RateState returns the persisted limiter state, ok=false on first run.
	RateState(ctx context.Context) (RateState, bool, error)
	// SaveRateState overwrites the persisted limiter state.
	SaveRateState(ctx context.Context, st RateState) error

	// LastCrawl reports when a source last completed, ok=false if never.
	LastCrawl(ctx context.Context, source string) (time.Time, bool, error)
	// SetLastCrawl stamps a source's completion time.
	SetLastCrawl(ctx context.Context, source string, at time.Time) error

	Close() error
}
