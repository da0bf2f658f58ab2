package log

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// statusRecorder captures the status code and body size written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

// HTTPMiddleware logs one line per request. Server errors are logged as warnings, the
// rest at debug level.
func HTTPMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, req)

			LogHTTPRequest(logger, req, rec.status, time.Since(start), rec.size)
		})
	}
}

// LogHTTPRequest writes a structured access log entry.
func LogHTTPRequest(logger *zap.SugaredLogger, req *http.Request, status int, duration time.Duration, size int) {
	fields := []any{
		"method", req.Method,
		"path", req.URL.Path,
		"status", status,
		"duration_ms", duration.Milliseconds(),
		"size", size,
		"remote_addr", req.RemoteAddr,
		"user_agent", req.UserAgent(),
	}
	if status >= http.StatusInternalServerError {
		logger.Warnw("http request", fields...)
		return
	}
	logger.Debugw("http request", fields...)
}
