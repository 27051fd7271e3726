package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// The fallback admissions emulate the atomic script with separate reads and
// writes. Every window is read and decided before any window is written, so a
// single caller gets the same decisions as the atomic path. Concurrent callers
// can all read the same pre-update state and all be admitted: with k callers
// racing on one window the window can exceed its capacity by at most k-1.

// listAdmission works against the plain key/value list protocol.
type listAdmission struct {
	store     Store
	retention time.Duration
}

func (l *listAdmission) admit(
	ctx context.Context, now float64, _ string, windows []Window,
) (bool, *LimitExceeded, error) {
	kept := make([][]float64, len(windows))

	for i, w := range windows {
		timestamps, err := l.store.Timestamps(ctx, w.Key)
		if err != nil {
			return false, nil, fmt.Errorf("%w: read %s: %w", ErrStoreUnavailable, w.Key, err)
		}

		live := pruneScores(timestamps, w.cutoff(now))
		if int64(len(live)) >= w.Capacity {
			return false, &LimitExceeded{Window: w, Count: int64(len(live))}, nil
		}

		kept[i] = live
	}

	for i, w := range windows {
		if err := l.store.SaveTimestamps(ctx, w.Key, append(kept[i], now), l.ttl(w)); err != nil {
			return false, nil, fmt.Errorf("%w: write %s: %w", ErrStoreUnavailable, w.Key, err)
		}
	}

	return true, nil, nil
}

func (l *listAdmission) usage(ctx context.Context, now float64, windows []Window) ([]Usage, error) {
	out := make([]Usage, 0, len(windows))

	for _, w := range windows {
		timestamps, err := l.store.Timestamps(ctx, w.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrStoreUnavailable, w.Key, err)
		}

		out = append(out, newUsage(w, int64(len(pruneScores(timestamps, w.cutoff(now))))))
	}

	return out, nil
}

// ttl never expires a list before its newest record leaves the window.
func (l *listAdmission) ttl(w Window) time.Duration {
	return max(l.retention, w.Duration)
}

// primitiveAdmission composes prune, count and insert without a script.
type primitiveAdmission struct {
	store WindowStore
}

func (p *primitiveAdmission) admit(
	ctx context.Context, now float64, member string, windows []Window,
) (bool, *LimitExceeded, error) {
	for _, w := range windows {
		count, err := pruneAndCount(ctx, p.store, w, now)
		if err != nil {
			return false, nil, err
		}

		if count >= w.Capacity {
			return false, &LimitExceeded{Window: w, Count: count}, nil
		}
	}

	for _, w := range windows {
		if err := p.store.Insert(ctx, w.Key, now, member, w.Duration); err != nil {
			return false, nil, fmt.Errorf("%w: insert %s: %w", ErrStoreUnavailable, w.Key, err)
		}
	}

	return true, nil, nil
}

func (p *primitiveAdmission) usage(ctx context.Context, now float64, windows []Window) ([]Usage, error) {
	return primitiveUsage(ctx, p.store, now, windows)
}

func primitiveUsage(ctx context.Context, store WindowStore, now float64, windows []Window) ([]Usage, error) {
	out := make([]Usage, 0, len(windows))

	for _, w := range windows {
		count, err := pruneAndCount(ctx, store, w, now)
		if err != nil {
			return nil, err
		}

		out = append(out, newUsage(w, count))
	}

	return out, nil
}

func pruneAndCount(ctx context.Context, store WindowStore, w Window, now float64) (int64, error) {
	if err := store.PruneOlderThan(ctx, w.Key, w.cutoff(now)); err != nil {
		return 0, fmt.Errorf("%w: prune %s: %w", ErrStoreUnavailable, w.Key, err)
	}

	count, err := store.Count(ctx, w.Key)
	if err != nil {
		return 0, fmt.Errorf("%w: count %s: %w", ErrStoreUnavailable, w.Key, err)
	}

	return count, nil
}

// pruneScores returns the scores strictly newer than cutoff, preserving order.
func pruneScores(scores []float64, cutoff float64) []float64 {
	live := make([]float64, 0, len(scores)+1)

	for _, s := range scores {
		if s > cutoff {
			live = append(live, s)
		}
	}

	return live
}

func newUsage(w Window, count int64) Usage {
	return Usage{Window: w, Count: count, Remaining: max(w.Capacity-count, 0)}
}
