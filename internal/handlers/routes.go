package handlers

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// RegisterRoutes registers the quota routes.
func RegisterRoutes(api huma.API, quotaHandler *QuotaHandler) {
	// GET /quota - Window occupancy
	huma.Register(api, huma.Operation{
		OperationID: "get-quota",
		Method:      http.MethodGet,
		Path:        "/quota",
		Summary:     "Get quota usage",
		Description: "Reports live admissions and remaining room for every configured window.",
		Tags:        []string{"Quota"},
	}, quotaHandler.GetQuota)

	// POST /admit - Wait for one admission
	// Callers outside this process use it to share the same windows
	huma.Register(api, huma.Operation{
		OperationID: "admit",
		Method:      http.MethodPost,
		Path:        "/admit",
		Summary:     "Acquire one admission",
		Description: "Blocks until one call may be made to the upstream API, or fails with 429 or 503.",
		Tags:        []string{"Quota"},
		Errors: []int{
			http.StatusTooManyRequests,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}, quotaHandler.Admit)
}
