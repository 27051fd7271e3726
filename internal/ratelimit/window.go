// Package ratelimit implements a distributed sliding-window admission gate.
//
// Admitted requests are recorded as timestamps in a shared store, one entry per
// admission per window. A request is admitted only when every configured window
// still has room, and admission inserts a record into every window at once.
package ratelimit

import (
	"fmt"
	"time"
)

const (
	// DefaultPerSecond is the default burst capacity.
	DefaultPerSecond int64 = 100
	// DefaultPerDay is the default daily quota.
	DefaultPerDay int64 = 250_000
	// DefaultKeyPrefix groups the default window keys under one Redis Cluster hash slot.
	DefaultKeyPrefix = "quota:{default}"
)

// Window is a sliding window with a fixed capacity.
type Window struct {
	// Key identifies the window in the shared store. It must be stable across every
	// process sharing the store and unique among windows.
	Key string
	// Capacity is the maximum number of admissions inside any interval of Duration.
	Capacity int64
	// Duration is the length of the sliding interval.
	Duration time.Duration
}

// Validate reports whether the window can be evaluated.
func (w Window) Validate() error {
	if w.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidWindow)
	}

	if w.Capacity < 1 {
		return fmt.Errorf("%w: %s: capacity must be at least 1, got %d", ErrInvalidWindow, w.Key, w.Capacity)
	}

	if w.Duration <= 0 {
		return fmt.Errorf("%w: %s: duration must be positive, got %s", ErrInvalidWindow, w.Key, w.Duration)
	}

	return nil
}

// cutoff returns the score at or below which records are expired.
func (w Window) cutoff(now float64) float64 {
	return now - w.Duration.Seconds()
}

// DefaultWindows returns the per-second and per-day windows under prefix.
func DefaultWindows(prefix string, perSecond, perDay int64) []Window {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return []Window{
		{Key: prefix + ":second", Capacity: perSecond, Duration: time.Second},
		{Key: prefix + ":day", Capacity: perDay, Duration: 24 * time.Hour},
	}
}

// ValidateWindows checks every window and rejects empty sets and duplicate keys.
func ValidateWindows(windows []Window) error {
	if len(windows) == 0 {
		return fmt.Errorf("%w: no windows configured", ErrInvalidWindow)
	}

	seen := make(map[string]struct{}, len(windows))

	for _, w := range windows {
		if err := w.Validate(); err != nil {
			return err
		}

		if _, dup := seen[w.Key]; dup {
			return fmt.Errorf("%w: duplicate key %q", ErrInvalidWindow, w.Key)
		}

		seen[w.Key] = struct{}{}
	}

	return nil
}

// LimitExceeded describes the window that denied an admission.
type LimitExceeded struct {
	Window Window
	Count  int64
}

// Usage is the occupancy of a window at a point in time.
type Usage struct {
	Window    Window
	Count     int64
	Remaining int64
}

// Score converts t to the float seconds representation stored as record scores.
// Microsecond precision keeps requests within the same second apart.
func Score(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
