package mw

import (
	"net/http"
	"strings"

	"tokenpulse/internal/config"
)

type CORSMiddleware struct {
	Origins []string // empty or "*" -> any origin
	Methods []string
	Headers []string
}

func NewCORSConfig(cfg *config.CORSConfig) *CORSMiddleware {
	if cfg == nil {
		panic("CORS config cannot be nil")
	}
	return &CORSMiddleware{
		Origins: cfg.Origins,
		Methods: cfg.Methods,
		Headers: cfg.Headers,
	}
}

func (c *CORSMiddleware) Handler() func(http.Handler) http.Handler {
	methods := joinOrDefault(c.Methods, "GET, DELETE, OPTIONS")
	headers := joinOrDefault(c.Headers, "Authorization, Content-Type")

	anyOrigin := len(c.Origins) == 0
	allowed := make(map[string]struct{}, len(c.Origins))
	for _, o := range c.Origins {
		if o == "*" {
			anyOrigin = true
		}
		allowed[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			switch {
			case anyOrigin:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "":
				if _, ok := allowed[origin]; ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
				}
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func joinOrDefault(v []string, def string) string {
	parts := make([]string, 0, len(v))
	for _, s := range v {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return def
	}
	return strings.Join(parts, ", ")
}
