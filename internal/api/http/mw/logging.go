package mw

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"gitlab.com/nevasik7/alerting/logger"
)

type LoggingMiddleware struct {
	Log logger.Logger
}

func NewLogging(log logger.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{Log: log}
}

func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lrw := &loggingRW{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lrw, r)

		log := m.Log.WithFields(map[string]interface{}{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     lrw.status,
			"size":       lrw.size,
			"dur_ms":     time.Since(start).Milliseconds(),
			"ip":         r.RemoteAddr,
			"ua":         r.UserAgent(),
		})

		switch {
		case lrw.status >= http.StatusInternalServerError:
			log.Error("http_request")
		case lrw.status >= http.StatusBadRequest:
			log.Warn("http_request")
		default:
			log.Info("http_request")
		}
	})
}

type loggingRW struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *loggingRW) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingRW) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}
