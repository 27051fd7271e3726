package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/serroba/quota-gate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("missing key is empty", func(t *testing.T) {
		s := store.NewMemoryStore()

		got, err := s.Timestamps(ctx, "missing")

		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("save replaces the list", func(t *testing.T) {
		s := store.NewMemoryStore()

		require.NoError(t, s.SaveTimestamps(ctx, "k", []float64{1, 2}, time.Minute))
		require.NoError(t, s.SaveTimestamps(ctx, "k", []float64{3}, time.Minute))

		got, err := s.Timestamps(ctx, "k")

		require.NoError(t, err)
		assert.Equal(t, []float64{3}, got)
	})

	t.Run("returned list is a copy", func(t *testing.T) {
		s := store.NewMemoryStore()
		saved := []float64{1, 2}
		require.NoError(t, s.SaveTimestamps(ctx, "k", saved, time.Minute))

		saved[0] = 99
		got, _ := s.Timestamps(ctx, "k")
		got[1] = 42

		again, _ := s.Timestamps(ctx, "k")
		assert.Equal(t, []float64{1, 2}, again)
	})

	t.Run("expires after ttl", func(t *testing.T) {
		var mu sync.Mutex
		now := time.Unix(1_700_000_000, 0)
		s := store.NewMemoryStoreWithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()

			return now
		})

		require.NoError(t, s.SaveTimestamps(ctx, "k", []float64{1}, time.Second))

		mu.Lock()
		now = now.Add(999 * time.Millisecond)
		mu.Unlock()

		got, _ := s.Timestamps(ctx, "k")
		assert.Equal(t, []float64{1}, got)

		mu.Lock()
		now = now.Add(time.Millisecond)
		mu.Unlock()

		got, _ = s.Timestamps(ctx, "k")
		assert.Empty(t, got)
	})

	t.Run("zero ttl never expires", func(t *testing.T) {
		s := store.NewMemoryStore()

		require.NoError(t, s.SaveTimestamps(ctx, "k", []float64{1}, 0))

		got, _ := s.Timestamps(ctx, "k")
		assert.Equal(t, []float64{1}, got)
	})

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, store.NewMemoryStore().Ping(ctx))
	})
}
