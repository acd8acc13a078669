package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mwork/credit-ledger/internal/pkg/logger"
)

// Logger logs one line per request. It must run after RequestID so the line
// carries the request ID, and after chi's RealIP so remote_addr is the client.
// 5xx responses log at error, 4xx at warn and health probes at debug.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		l := logger.FromContext(r.Context())
		var event *zerolog.Event
		switch {
		case wrapped.statusCode >= http.StatusInternalServerError:
			event = l.Error()
		case wrapped.statusCode >= http.StatusBadRequest:
			event = l.Warn()
		case r.URL.Path == "/health":
			event = l.Debug()
		default:
			event = l.Info()
		}

		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("query", r.URL.RawQuery).
			Int("status", wrapped.statusCode).
			Int("bytes", wrapped.bytes).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("HTTP Request")
	})
}

// responseWriter captures the status code and body size.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	bytes       int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}
