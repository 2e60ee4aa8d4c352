package middleware

import (
	"net/http"
	"time"

	"github.com/ekaya-inc/docucert/pkg/metrics"
)

// RequestMetrics returns middleware that records request counts and latency
// by method and route pattern. A nil *metrics.Metrics disables recording.
func RequestMetrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			m.ObserveHTTP(r.Method, routeOf(r), wrapped.statusCode, time.Since(start))
		})
	}
}
