package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/quota-gate/internal/middleware"
	"github.com/serroba/quota-gate/internal/ratelimit"
	"go.uber.org/zap"
)

// UsageReader reports window occupancy.
type UsageReader interface {
	Usage(ctx context.Context, windows []ratelimit.Window) ([]ratelimit.Usage, error)
	Strategy() ratelimit.Strategy
}

// Waiter blocks until a call is admitted.
type Waiter interface {
	Wait(ctx context.Context) error
	Windows() []ratelimit.Window
}

// QuotaHandler exposes the gate to callers that cannot link the Go packages.
type QuotaHandler struct {
	usage  UsageReader
	waiter Waiter
	logger *zap.Logger
}

// NewQuotaHandler creates a new quota handler.
func NewQuotaHandler(usage UsageReader, waiter Waiter, logger *zap.Logger) *QuotaHandler {
	return &QuotaHandler{
		usage:  usage,
		waiter: waiter,
		logger: logger,
	}
}

// GetQuota reports the occupancy of every configured window.
func (h *QuotaHandler) GetQuota(ctx context.Context, _ *struct{}) (*QuotaResponse, error) {
	usages, err := h.usage.Usage(ctx, h.waiter.Windows())
	if err != nil {
		h.logger.Error("failed to read quota usage", zap.Error(err))

		return nil, huma.Error503ServiceUnavailable("rate limit store unavailable", err)
	}

	resp := &QuotaResponse{}
	resp.Body.Strategy = string(h.usage.Strategy())
	resp.Body.Windows = make([]WindowUsage, 0, len(usages))

	for _, u := range usages {
		resp.Body.Windows = append(resp.Body.Windows, WindowUsage{
			Key:             u.Window.Key,
			Capacity:        u.Window.Capacity,
			DurationSeconds: u.Window.Duration.Seconds(),
			Count:           u.Count,
			Remaining:       u.Remaining,
		})
	}

	return resp, nil
}

// Admit waits for one admission on behalf of the caller. The caller must make
// exactly one downstream call per successful response.
func (h *QuotaHandler) Admit(ctx context.Context, req *AdmitRequest) (*AdmitResponse, error) {
	if req.TimeoutMillis > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMillis)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()

	if err := h.waiter.Wait(ctx); err != nil {
		status, after := middleware.StatusFor(err)

		h.logger.Warn("admission refused",
			zap.Int("status", status),
			zap.Int64("timeoutMs", req.TimeoutMillis),
			zap.Error(err),
		)

		if after != "" {
			return nil, huma.ErrorWithHeaders(
				huma.NewError(status, "rate limit exceeded", err),
				http.Header{"Retry-After": []string{after}},
			)
		}

		return nil, huma.NewError(status, "admission failed", err)
	}

	resp := &AdmitResponse{}
	resp.Body.Admitted = true
	resp.Body.WaitedMillis = float64(time.Since(start).Microseconds()) / 1e3

	return resp, nil
}
