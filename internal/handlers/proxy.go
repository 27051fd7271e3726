package handlers

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/serroba/quota-gate/internal/middleware"
	"go.uber.org/zap"
)

// NewProxy returns a reverse proxy to upstream whose outbound requests go
// through transport.
func NewProxy(upstream *url.URL, transport http.RoundTripper, logger *zap.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		Transport:    transport,
		ErrorHandler: ProxyErrorHandler(logger),
	}
}

// ProxyErrorHandler answers failed proxied calls with the status from
// middleware.StatusFor, so denied admissions surface as 429 or 503.
func ProxyErrorHandler(logger *zap.Logger) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		status, after := middleware.StatusFor(err)
		meta := middleware.RequestMetaFromContext(r.Context())

		logger.Warn("proxied call failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.String("client_ip", meta.ClientIP),
			zap.String("user_agent", meta.UserAgent),
			zap.Error(err),
		)

		if after != "" {
			w.Header().Set("Retry-After", after)
		}

		w.WriteHeader(status)
	}
}
