package health

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/quota-gate/internal/ratelimit"
)

// Checker defines the interface for checking store health.
type Checker interface {
	Ping(ctx context.Context) error
}

// StrategyReporter reports the evaluation path of the gate.
type StrategyReporter interface {
	Strategy() ratelimit.Strategy
}

// Handler handles health check operations.
type Handler struct {
	store Checker
	gate  StrategyReporter
}

// NewHandler creates a new health handler.
func NewHandler(store Checker, gate StrategyReporter) *Handler {
	return &Handler{store: store, gate: gate}
}

// Response is the response for health check endpoint.
type Response struct {
	Body struct {
		Status   string `json:"status"`
		Store    string `json:"store"`
		Strategy string `json:"strategy"`
	}
}

// Check performs a health check of the gate and its store. A store outage
// degrades the service: every gated call fails until it recovers.
func (h *Handler) Check(ctx context.Context, _ *struct{}) (*Response, error) {
	resp := &Response{}
	resp.Body.Status = "ok"
	resp.Body.Strategy = string(h.gate.Strategy())

	if err := h.store.Ping(ctx); err != nil {
		resp.Body.Store = "unhealthy"
		resp.Body.Status = "degraded"
	} else {
		resp.Body.Store = "healthy"
	}

	return resp, nil
}

// RegisterRoutes registers health check routes.
func RegisterRoutes(api huma.API, h *Handler) {
	huma.Get(api, "/health", h.Check)
}
