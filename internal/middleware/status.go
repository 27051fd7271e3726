package middleware

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/serroba/quota-gate/internal/dispatch"
	"github.com/serroba/quota-gate/internal/ratelimit"
)

// StatusFor maps an admission error to an HTTP status code and an optional
// Retry-After value in seconds.
func StatusFor(err error) (int, string) {
	var limited *dispatch.RateLimitedError

	switch {
	case errors.As(err, &limited):
		return http.StatusTooManyRequests, retryAfter(limited)
	case errors.Is(err, dispatch.ErrRateLimited):
		return http.StatusTooManyRequests, ""
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, ""
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ""
	case errors.Is(err, context.Canceled):
		// client went away; nginx uses 499 for this
		return 499, ""
	default:
		return http.StatusBadGateway, ""
	}
}

// retryAfter is the window length: by then every record that blocked the call has expired.
func retryAfter(err *dispatch.RateLimitedError) string {
	if err.Exceeded == nil {
		return ""
	}

	secs := math.Ceil(err.Exceeded.Window.Duration.Seconds())

	return strconv.FormatInt(int64(max(secs, 1)), 10)
}
