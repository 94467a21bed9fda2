package httputil

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/loadline/gatekeeper/pkg/contextkeys"
	"github.com/loadline/gatekeeper/pkg/observability"
)

// LoggingMiddleware logs each request with its status, duration, and
// correlation id through the context logger
func LoggingMiddleware(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			logger.WithFields(map[string]interface{}{
				"method":         r.Method,
				"path":           r.URL.Path,
				"status":         rw.statusCode,
				"duration_ms":    time.Since(start).Milliseconds(),
				"remote_addr":    r.RemoteAddr,
				"correlation_id": contextkeys.GetCorrelationID(r.Context()),
			}).Info("Request handled")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecoveryMiddleware recovers from handler panics and answers with a 500
// envelope so one bad request cannot take the process down
func RecoveryMiddleware(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.WithFields(map[string]interface{}{
						"panic":          err,
						"path":           r.URL.Path,
						"correlation_id": contextkeys.GetCorrelationID(r.Context()),
						"stack":          string(debug.Stack()),
					}).Error("Handler panicked")
					WriteInternalError(w, r)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
