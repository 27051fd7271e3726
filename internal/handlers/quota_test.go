package handlers_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/serroba/quota-gate/internal/dispatch"
	"github.com/serroba/quota-gate/internal/handlers"
	"github.com/serroba/quota-gate/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testWindows = ratelimit.DefaultWindows("", 100, 250_000)

type mockUsage struct {
	usages []ratelimit.Usage
	err    error
}

func (m *mockUsage) Usage(_ context.Context, _ []ratelimit.Window) ([]ratelimit.Usage, error) {
	return m.usages, m.err
}

func (m *mockUsage) Strategy() ratelimit.Strategy {
	return ratelimit.StrategyAtomic
}

type mockWaiter struct {
	err      error
	deadline bool
	calls    int
}

func (m *mockWaiter) Wait(ctx context.Context) error {
	m.calls++
	_, m.deadline = ctx.Deadline()

	return m.err
}

func (m *mockWaiter) Windows() []ratelimit.Window {
	return testWindows
}

func newTestAPI(t *testing.T, usage handlers.UsageReader, waiter handlers.Waiter) humatest.TestAPI {
	t.Helper()

	_, api := humatest.New(t)
	handlers.RegisterRoutes(api, handlers.NewQuotaHandler(usage, waiter, zap.NewNop()))

	return api
}

func TestQuotaHandler_GetQuota(t *testing.T) {
	t.Run("reports usage per window", func(t *testing.T) {
		usage := &mockUsage{usages: []ratelimit.Usage{
			{Window: testWindows[0], Count: 42, Remaining: 58},
			{Window: testWindows[1], Count: 1000, Remaining: 249_000},
		}}
		handler := handlers.NewQuotaHandler(usage, &mockWaiter{}, zap.NewNop())

		resp, err := handler.GetQuota(context.Background(), nil)

		require.NoError(t, err)
		assert.Equal(t, "atomic", resp.Body.Strategy)
		require.Len(t, resp.Body.Windows, 2)
		assert.Equal(t, handlers.WindowUsage{
			Key:             "quota:{default}:second",
			Capacity:        100,
			DurationSeconds: 1,
			Count:           42,
			Remaining:       58,
		}, resp.Body.Windows[0])
		assert.InDelta(t, 86400, resp.Body.Windows[1].DurationSeconds, 0)
	})

	t.Run("store outage is 503", func(t *testing.T) {
		api := newTestAPI(t, &mockUsage{err: ratelimit.ErrStoreUnavailable}, &mockWaiter{})

		resp := api.Get("/quota")

		assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	})
}

func TestQuotaHandler_Admit(t *testing.T) {
	t.Run("admits", func(t *testing.T) {
		waiter := &mockWaiter{}
		api := newTestAPI(t, &mockUsage{}, waiter)

		resp := api.Post("/admit")

		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"admitted":true`)
		assert.False(t, waiter.deadline)
	})

	t.Run("timeout bounds the wait", func(t *testing.T) {
		waiter := &mockWaiter{}
		api := newTestAPI(t, &mockUsage{}, waiter)

		resp := api.Post("/admit?timeoutMs=250")

		assert.Equal(t, http.StatusOK, resp.Code)
		assert.True(t, waiter.deadline)
	})

	t.Run("timeout beyond one day is rejected", func(t *testing.T) {
		waiter := &mockWaiter{}
		api := newTestAPI(t, &mockUsage{}, waiter)

		resp := api.Post("/admit?timeoutMs=10000000000000")

		assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
		assert.Zero(t, waiter.calls)
	})

	t.Run("rate limited is 429 with Retry-After", func(t *testing.T) {
		api := newTestAPI(t, &mockUsage{}, &mockWaiter{err: &dispatch.RateLimitedError{
			Exceeded: &ratelimit.LimitExceeded{Window: testWindows[0], Count: 100},
			Attempts: 1,
		}})

		resp := api.Post("/admit")

		assert.Equal(t, http.StatusTooManyRequests, resp.Code)
		assert.Equal(t, "1", resp.Header().Get("Retry-After"))
	})

	t.Run("store outage is 503", func(t *testing.T) {
		api := newTestAPI(t, &mockUsage{}, &mockWaiter{
			err: fmt.Errorf("%w: connection refused", ratelimit.ErrStoreUnavailable),
		})

		resp := api.Post("/admit")

		assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	})

	t.Run("expired deadline is 504", func(t *testing.T) {
		api := newTestAPI(t, &mockUsage{}, &mockWaiter{
			err: fmt.Errorf("waiting for admission: %w", context.DeadlineExceeded),
		})

		resp := api.Post("/admit?timeoutMs=1")

		assert.Equal(t, http.StatusGatewayTimeout, resp.Code)
	})

	t.Run("unexpected errors are 502", func(t *testing.T) {
		api := newTestAPI(t, &mockUsage{}, &mockWaiter{err: errors.New("boom")})

		resp := api.Post("/admit")

		assert.Equal(t, http.StatusBadGateway, resp.Code)
	})
}

func TestQuotaHandler_WithDispatcher(t *testing.T) {
	admitter := &onceAdmitter{}
	d, err := dispatch.New(admitter, testWindows,
		dispatch.WithMode(dispatch.ModeFailFast),
		dispatch.WithRetryInterval(time.Millisecond))
	require.NoError(t, err)

	api := newTestAPI(t, &mockUsage{}, d)

	assert.Equal(t, http.StatusOK, api.Post("/admit").Code)
	assert.Equal(t, http.StatusTooManyRequests, api.Post("/admit").Code)
}

// onceAdmitter admits the first call only.
type onceAdmitter struct {
	admitted bool
}

func (o *onceAdmitter) CheckAndAdmit(_ context.Context, windows []ratelimit.Window) (bool, *ratelimit.LimitExceeded, error) {
	if o.admitted {
		return false, &ratelimit.LimitExceeded{Window: windows[0], Count: windows[0].Capacity}, nil
	}

	o.admitted = true

	return true, nil, nil
}
