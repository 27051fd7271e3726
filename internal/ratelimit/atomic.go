package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"
)

//go:embed admit.lua
var admitScript string

// admission is one way of evaluating a set of windows against the store.
type admission interface {
	admit(ctx context.Context, now float64, member string, windows []Window) (bool, *LimitExceeded, error)
	usage(ctx context.Context, now float64, windows []Window) ([]Usage, error)
}

// atomicAdmission runs prune, count and insert for every window inside one script.
type atomicAdmission struct {
	store  WindowStore
	runner ScriptRunner
}

func (a *atomicAdmission) admit(
	ctx context.Context, now float64, member string, windows []Window,
) (bool, *LimitExceeded, error) {
	keys := make([]string, len(windows))
	args := make([]any, 0, 2+3*len(windows))
	args = append(args, formatScore(now), member)

	for i, w := range windows {
		keys[i] = w.Key
		args = append(args, formatScore(w.cutoff(now)), w.Capacity, ttlMillis(w.Duration))
	}

	reply, err := a.runner.RunAtomic(ctx, admitScript, keys, args...)
	if err != nil {
		return false, nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	values, ok := reply.([]any)
	if !ok || len(values) != 3 {
		return false, nil, fmt.Errorf("%w: unexpected script reply %v", ErrStoreUnavailable, reply)
	}

	if toInt64(values[0]) == 1 {
		return true, nil, nil
	}

	idx := toInt64(values[1])
	if idx < 1 || idx > int64(len(windows)) {
		return false, nil, fmt.Errorf("%w: script reported unknown window %d", ErrStoreUnavailable, idx)
	}

	return false, &LimitExceeded{Window: windows[idx-1], Count: toInt64(values[2])}, nil
}

func (a *atomicAdmission) usage(ctx context.Context, now float64, windows []Window) ([]Usage, error) {
	return primitiveUsage(ctx, a.store, now, windows)
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func ttlMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		return 1
	}

	return ms
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)

		return i
	default:
		return 0
	}
}
