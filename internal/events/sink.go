package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LogSink logs throttle events and keeps per-outcome totals in memory.
// Nothing is persisted.
type LogSink struct {
	logger *zap.Logger
	mu     sync.Mutex
	totals map[Outcome]int64
}

// NewLogSink creates a new logging sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{
		logger: logger,
		totals: make(map[Outcome]int64),
	}
}

func (s *LogSink) HandleThrottled(_ context.Context, event *Throttled) error {
	s.mu.Lock()
	s.totals[event.Outcome]++
	total := s.totals[event.Outcome]
	s.mu.Unlock()

	s.logger.Info("throttle event received",
		zap.String("id", event.ID),
		zap.String("instance", event.Instance),
		zap.String("outcome", string(event.Outcome)),
		zap.Int("attempts", event.Attempts),
		zap.Duration("waited", event.Waited),
		zap.String("window", event.Window),
		zap.Int64("count", event.Count),
		zap.Int64("capacity", event.Capacity),
		zap.Int64("outcomeTotal", total),
	)

	return nil
}

// Totals returns a snapshot of events seen per outcome.
func (s *LogSink) Totals() map[Outcome]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Outcome]int64, len(s.totals))
	for k, v := range s.totals {
		out[k] = v
	}

	return out
}
