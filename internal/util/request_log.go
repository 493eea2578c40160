package util

import (
	"log/slog"
	"net/http"
	"time"
)

type responseMeter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (m *responseMeter) WriteHeader(code int) {
	if m.status == 0 {
		m.status = code
	}
	m.ResponseWriter.WriteHeader(code)
}

func (m *responseMeter) Write(b []byte) (int, error) {
	if m.status == 0 {
		m.status = http.StatusOK
	}
	n, err := m.ResponseWriter.Write(b)
	m.written += int64(n)
	return n, err
}

// WithRequestLog writes one access line per request through the context
// logger. 5xx logs at error and 4xx at warn.
func WithRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		m := &responseMeter{ResponseWriter: w}
		next.ServeHTTP(m, r)
		if m.status == 0 {
			m.status = http.StatusOK
		}

		level := slog.LevelInfo
		switch {
		case m.status >= http.StatusInternalServerError:
			level = slog.LevelError
		case m.status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		LoggerFromContext(r.Context()).LogAttrs(r.Context(), level, "http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", m.status),
			slog.Int64("bytes", m.written),
			slog.Duration("duration", time.Since(began)),
		)
	})
}
