package middleware

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// Waiter blocks until one call may proceed.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Gate returns a middleware that takes one admission from waiter before calling
// next. Requests that are not admitted never reach next and are answered with
// the status from StatusFor.
func Gate(waiter Waiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := waiter.Wait(r.Context()); err != nil {
				status, after := StatusFor(err)
				meta := RequestMetaFromContext(r.Context())
				if meta.ClientIP == "" {
					meta.ClientIP = clientIP(r)
				}

				logger.Warn("request not admitted",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", status),
					zap.String("client_ip", meta.ClientIP),
					zap.Error(err),
				)

				if after != "" {
					w.Header().Set("Retry-After", after)
				}

				http.Error(w, http.StatusText(status), status)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
