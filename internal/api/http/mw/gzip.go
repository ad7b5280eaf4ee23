package mw

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"

	"gitlab.com/nevasik7/alerting/logger"
)

type GzipMiddleware struct {
	Level  int // gzip.NoCompression ... gzip.BestCompression
	Logger logger.Logger

	pool sync.Pool
}

func NewGzip(level int, log logger.Logger) *GzipMiddleware {
	if level == 0 {
		level = gzip.BestSpeed
	}

	m := &GzipMiddleware{Level: level, Logger: log}
	m.pool.New = func() any {
		w, err := gzip.NewWriterLevel(io.Discard, m.Level)
		if err != nil {
			w = gzip.NewWriter(io.Discard) // invalid level -> default
		}
		return w
	}
	return m
}

func (m *GzipMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// client not support gzip
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		// streams are not buffered
		if strings.HasPrefix(r.Header.Get("Accept"), "text/event-stream") {
			next.ServeHTTP(w, r)
			return
		}

		gzw := m.pool.Get().(*gzip.Writer)
		defer m.pool.Put(gzw)
		gzw.Reset(w)

		grw := &gzipResponseWriter{ResponseWriter: w, gz: gzw}
		next.ServeHTTP(grw, r)

		if !grw.compressed {
			return // nothing written or 204/304
		}
		if err := gzw.Close(); err != nil {
			m.Logger.Errorf("Failed to close gzip writer: %v", err)
		}
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	gz         *gzip.Writer
	header     bool
	compressed bool
}

func (w *gzipResponseWriter) WriteHeader(code int) {
	if !w.header {
		w.header = true
		if code != http.StatusNoContent && code != http.StatusNotModified {
			w.compressed = true
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Add("Vary", "Accept-Encoding")
			w.Header().Del("Content-Length")
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	// if not send status let it 200 - OK
	if !w.header {
		w.WriteHeader(http.StatusOK)
	}
	if !w.compressed {
		return w.ResponseWriter.Write(b)
	}
	return w.gz.Write(b)
}

func (w *gzipResponseWriter) Flush() {
	// flushing commits the headers, same as net/http
	if !w.header {
		w.WriteHeader(http.StatusOK)
	}
	if w.compressed {
		_ = w.gz.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
