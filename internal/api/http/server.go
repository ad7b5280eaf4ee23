package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tokenpulse/internal/api/http/handlers"
	"tokenpulse/internal/api/http/mw"
	"tokenpulse/internal/config"
	"tokenpulse/internal/security"
	rdb "tokenpulse/internal/stores/redis"

	"gitlab.com/nevasik7/alerting/logger"
)

type ServerDeps struct {
	Logger    logger.Logger
	Cfg       *config.HTTPConfig
	RdbClient *rdb.Client             // nil -> rate limit disabled
	Verifier  *security.RS256Verifier // nil -> api is public
	Analyzer  handlers.Analyzer
}

type Server struct {
	log logger.Logger
	srv *http.Server
}

func NewServer(d *ServerDeps) (*Server, error) {
	if d == nil || d.Cfg == nil {
		return nil, errors.New("http server config is required")
	}
	if d.Analyzer == nil {
		return nil, errors.New("analyzer is required")
	}

	cfg := d.Cfg

	var gzipMW *mw.GzipMiddleware
	if cfg.Gzip {
		gzipMW = mw.NewGzip(0, d.Logger)
	}

	var corsMW *mw.CORSMiddleware
	if cfg.CORS.Enabled {
		corsMW = mw.NewCORSConfig(&cfg.CORS)
	}

	var rateLimitMW *mw.RateLimitMiddleware
	if cfg.RateLimit.Enabled {
		if d.RdbClient == nil {
			return nil, errors.New("rate limit requires redis client")
		}
		rateLimitMW = mw.NewRateLimit(&cfg.RateLimit, d.RdbClient, d.Verifier)
	}

	var jwtMW *mw.JWTMiddleware
	if d.Verifier != nil {
		m, err := mw.NewJWTMiddleware(d.Verifier)
		if err != nil {
			return nil, err
		}
		jwtMW = m
	}

	router := BuildRouter(
		handlers.NewHandler(d.Logger, d.Analyzer),
		mw.NewLogging(d.Logger),
		gzipMW,
		rateLimitMW,
		jwtMW,
		corsMW,
	)

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	return &Server{
		log: d.Logger,
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadTimeout:       orDefault(cfg.ReadTimeout, 10*time.Second),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      orDefault(cfg.WriteTimeout, 45*time.Second), // above analyzer fetch timeout
			IdleTimeout:       orDefault(cfg.IdleTimeout, 60*time.Second),
		},
	}, nil
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Start() error {
	s.log.Infof("HTTP server listening on %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
