package ratelimit

import (
	"context"
	"time"
)

// Store is the minimal protocol every backing store provides: a key/value
// interface holding a list of record scores with an explicit TTL on write.
type Store interface {
	// Timestamps returns the scores stored under key. A missing key yields an empty list.
	Timestamps(ctx context.Context, key string) ([]float64, error)
	// SaveTimestamps replaces the list under key and expires it after ttl.
	SaveTimestamps(ctx context.Context, key string, timestamps []float64, ttl time.Duration) error
}

// WindowStore is implemented by stores that keep records in a score-ordered set.
type WindowStore interface {
	// PruneOlderThan removes every record with score <= cutoff.
	PruneOlderThan(ctx context.Context, key string, cutoff float64) error
	// Count returns the number of records under key.
	Count(ctx context.Context, key string) (int64, error)
	// Insert adds one record and expires the key after ttl without writes.
	Insert(ctx context.Context, key string, score float64, member string, ttl time.Duration) error
}

// ScriptRunner is implemented by stores that can execute a script as one
// indivisible unit against a WindowStore.
type ScriptRunner interface {
	// SupportsScripts probes whether scripting is enabled. A nil error with false
	// means the store answered and refused; a non-nil error means the probe itself failed.
	SupportsScripts(ctx context.Context) (bool, error)
	RunAtomic(ctx context.Context, script string, keys []string, args ...any) (any, error)
}
