package http

import (
	"tokenpulse/internal/api/http/handlers"
	"tokenpulse/internal/api/http/mw"
	"tokenpulse/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Nil middleware is skipped. RealIP is not used: the rate limiter resolves client IPs itself,
// honoring X-Forwarded-For only from trusted proxies.
func BuildRouter(
	h *handlers.Handler,
	logMW *mw.LoggingMiddleware,
	gzipMW *mw.GzipMiddleware,
	rateLimitMW *mw.RateLimitMiddleware,
	jwtMW *mw.JWTMiddleware,
	corsMW *mw.CORSMiddleware,
) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if logMW != nil {
		r.Use(logMW.Handler)
	}
	if gzipMW != nil {
		r.Use(gzipMW.Handler)
	}
	if corsMW != nil {
		r.Use(corsMW.Handler())
	}

	// tech endpoint not auth
	r.Get("/healthz", h.Healthz)
	r.Get("/readiness", h.Readiness)
	r.Mount("/metrics", metrics.Handler())

	// api with rate limit and jwt
	r.Route("/api", func(apiR chi.Router) {
		if rateLimitMW != nil {
			apiR.Use(rateLimitMW.Handler)
		}
		if jwtMW != nil {
			apiR.Use(jwtMW.Handler)
		}

		apiR.Route("/tokens/{address}", func(tt chi.Router) {
			tt.Get("/metrics", h.TokenMetrics)
			tt.Delete("/cache", h.InvalidateToken)
		})
	})

	return r
}
