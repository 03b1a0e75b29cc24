package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/emperorhan/event-feed/internal/metrics"
)

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.written = true
	return sw.ResponseWriter.Write(b)
}

// instrument records request metrics and a debug access log. The path label
// is the matched route pattern so unknown paths share one series.
func instrument(logger *slog.Logger, next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

		_, pattern := next.Handler(r)
		next.ServeHTTP(sw, r)

		path := routeLabel(pattern)
		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, statusLabel(sw.statusCode)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(elapsed.Seconds())

		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.statusCode,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

// routeLabel strips the method from a ServeMux pattern such as "GET /events".
func routeLabel(pattern string) string {
	if pattern == "" {
		return "other"
	}
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == ' ' {
			return pattern[i+1:]
		}
	}
	return pattern
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return strconv.Itoa(code)
	}
}
