package dispatch_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/serroba/quota-gate/internal/dispatch"
	"github.com/serroba/quota-gate/internal/ratelimit"
	"github.com/serroba/quota-gate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDispatcher_BlocksAcrossInstances(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a full window")
	}

	mr := miniredis.RunT(t)
	windows := []ratelimit.Window{{Key: "scenario:second", Capacity: 5, Duration: time.Second}}

	// two processes sharing one store
	newInstance := func() *dispatch.Dispatcher {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		gate, err := ratelimit.NewGate(context.Background(), store.NewRedisStore(client))
		require.NoError(t, err)

		d, err := dispatch.New(gate, windows)
		require.NoError(t, err)

		return d
	}

	instances := []*dispatch.Dispatcher{newInstance(), newInstance()}

	var completed atomic.Int32

	start := time.Now()

	var g errgroup.Group

	for i := 0; i < 10; i++ {
		d := instances[i%2]

		g.Go(func() error {
			_, err := dispatch.Do(context.Background(), d, func(context.Context) (struct{}, error) {
				completed.Add(1)

				return struct{}{}, nil
			})

			return err
		})
	}

	require.NoError(t, g.Wait())

	assert.Equal(t, int32(10), completed.Load())
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestDispatcher_SecondCallWaitsForTheWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a full window")
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	gate, err := ratelimit.NewGate(context.Background(), store.NewRedisStore(client))
	require.NoError(t, err)

	d, err := dispatch.New(gate,
		[]ratelimit.Window{{Key: "scenario:one", Capacity: 1, Duration: time.Second}},
		dispatch.WithRetryInterval(10*time.Millisecond))
	require.NoError(t, err)

	var invocations atomic.Int32

	downstream := dispatch.InvokerFunc(func(context.Context, string, ...any) (any, error) {
		return invocations.Add(1), nil
	})
	gated := d.Wrap(downstream)

	start := time.Now()
	elapsed := make([]time.Duration, 2)

	var g errgroup.Group

	for i := 0; i < 2; i++ {
		i := i

		g.Go(func() error {
			_, err := gated.Invoke(context.Background(), "get")
			elapsed[i] = time.Since(start)

			return err
		})
	}

	require.NoError(t, g.Wait())

	fast, slow := min(elapsed[0], elapsed[1]), max(elapsed[0], elapsed[1])

	assert.Equal(t, int32(2), invocations.Load())
	assert.Less(t, fast, 500*time.Millisecond)
	assert.GreaterOrEqual(t, slow, 950*time.Millisecond)
}
