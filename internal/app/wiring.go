package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	apihttp "tokenpulse/internal/api/http"
	"tokenpulse/internal/cache"
	"tokenpulse/internal/classify"
	"tokenpulse/internal/config"
	"tokenpulse/internal/metrics"
	"tokenpulse/internal/pubsub"
	"tokenpulse/internal/pubsub/nats"
	"tokenpulse/internal/security"
	"tokenpulse/internal/service"
	"tokenpulse/internal/stores/redis"
	"tokenpulse/internal/upstream"
	"tokenpulse/internal/window"

	"github.com/benbjohnson/clock"
	"github.com/grafana/pyroscope-go"
	lgcfg "gitlab.com/nevasik7/alerting/config"
	"gitlab.com/nevasik7/alerting/logger"
)

// Subject the chat bot publishes a token address to when it switches tokens
const InvalidateSubject = "invalidate"

type Container struct {
	app *App

	// infra
	redis *redis.Client
	nc    *nats.Client
	store cache.Store

	// services
	analyzer *service.AnalyzerService

	// servers
	httpSrv *apihttp.Server

	// metrics
	profiler *pyroscope.Profiler
}

func (c *Container) Start() error {
	return c.app.Start()
}

func (c *Container) Stop(ctx context.Context) error {
	if err := c.app.Shutdown(ctx); err != nil {
		return fmt.Errorf("app shutdown is failed, error=%w", err)
	}
	return nil
}

// Construct image app
func Build(ctx context.Context, cfg *config.Config) (*Container, func(), error) {
	lg := logger.New(lgcfg.LoggerCfg{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	lg.Info("Successfully initialize logger")

	c := &Container{}
	cleanupF := func() { c.cleanup(lg) }

	profiler, err := metrics.InitPProf(lg, cfg.App.InstanceID, &cfg.Metrics.Pyroscope)
	if err != nil {
		return nil, nil, fmt.Errorf("pyroscope initialize failed: %w", err)
	}
	if profiler != nil {
		c.profiler = profiler
		lg.Infof("Successfully initialize Pyroscope to %s as %s", cfg.Metrics.Pyroscope.ServerAddr, cfg.Metrics.Pyroscope.AppName)
	}

	clk := clock.New()

	// Redis client, shared by cache backend and rate limiter
	if cfg.Cache.Backend == "redis" || cfg.API.HTTP.RateLimit.Enabled {
		if c.redis, err = redis.New(ctx, lg, &cfg.Stores.Redis); err != nil {
			cleanupF()
			return nil, nil, fmt.Errorf("failed to initialize redis client: %w", err)
		}
	}

	// Cache store
	switch cfg.Cache.Backend {
	case "redis":
		rs, err := cache.NewRedisStore(lg, &cfg.Cache, c.redis, clk)
		if err != nil {
			cleanupF()
			return nil, nil, fmt.Errorf("failed to initialize redis cache: %w", err)
		}
		c.store = rs
	case "", "memory":
		c.store = cache.NewMemoryStore(lg, clk, cfg.Cache.StaleRetention, cfg.Cache.JanitorEvery)
	default:
		cleanupF()
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
	lg.Infof("Successfully initialize cache store, backend=%s", orMemory(cfg.Cache.Backend))

	// Upstream providers
	up, err := upstream.New(lg, &cfg.Upstream)
	if err != nil {
		cleanupF()
		return nil, nil, fmt.Errorf("failed to initialize upstream client: %w", err)
	}
	lg.Info("Successfully initialize upstream client")

	classifier, err := classify.New(lg, cfg.Analyzer.PoolAddresses)
	if err != nil {
		cleanupF()
		return nil, nil, fmt.Errorf("failed to initialize classifier: %w", err)
	}

	aggregator, err := window.NewAggregator(lg, &cfg.Analyzer)
	if err != nil {
		cleanupF()
		return nil, nil, fmt.Errorf("failed to initialize aggregator: %w", err)
	}

	// NATS Broadcaster
	var broadcaster pubsub.Broadcaster
	if cfg.PubSub.NATS.Enabled {
		if c.nc, err = nats.Connect(&cfg.PubSub.NATS, lg); err != nil {
			cleanupF()
			return nil, nil, fmt.Errorf("failed to initialize nats client: %w", err)
		}
		broadcaster = c.nc
	}

	// Service Layer
	c.analyzer, err = service.NewAnalyzerService(lg, &cfg.Analyzer, cfg.Cache.TTL, service.Deps{
		Transactions: up,
		Prices:       up,
		Classifier:   classifier,
		Aggregator:   aggregator,
		Store:        c.store,
		Broadcaster:  broadcaster,
		Clock:        clk,
	})
	if err != nil {
		cleanupF()
		return nil, nil, fmt.Errorf("failed to initialize analyzer: %w", err)
	}
	lg.Info("Successfully initialize analyzer service")

	if c.nc != nil {
		if err = c.nc.Subscribe(InvalidateSubject, invalidationHandler(lg, c.analyzer)); err != nil {
			cleanupF()
			return nil, nil, err
		}
	}

	var verifier *security.RS256Verifier
	if cfg.Security.JWT.Enabled {
		if verifier, err = security.NewRS256Verifier(&cfg.Security.JWT); err != nil {
			cleanupF()
			return nil, nil, fmt.Errorf("failed to initialize JWT verifier: %w", err)
		}
		lg.Info("Successfully initialize JWT-Verifier")
	}

	// HTTP Server
	c.httpSrv, err = apihttp.NewServer(&apihttp.ServerDeps{
		Logger:    lg,
		Cfg:       &cfg.API.HTTP,
		RdbClient: c.redis,
		Verifier:  verifier,
		Analyzer:  c.analyzer,
	})
	if err != nil {
		cleanupF()
		return nil, nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}
	lg.Info("Successfully initialize HTTP server")

	c.app = New(lg, c.httpSrv)

	lg.Info("Successfully initialize Wiring")
	return c, cleanupF, nil
}

type invalidator interface {
	Invalidate(ctx context.Context, address string) (int, error)
}

// Payload is a bare token address, optionally quoted
func invalidationHandler(lg logger.Logger, inv invalidator) pubsub.Handler {
	return func(ctx context.Context, data []byte) {
		address := strings.Trim(strings.TrimSpace(string(data)), `"`)

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		n, err := inv.Invalidate(ctx, address)
		if err != nil {
			lg.Warnf("Failed to invalidate cache for %q: %v", address, err)
			return
		}
		lg.Infof("Invalidated %d cache entries for %s by message", n, address)
	}
}

func (c *Container) cleanup(lg logger.Logger) {
	if c.profiler != nil {
		if err := c.profiler.Stop(); err != nil {
			lg.Errorf("Failed to stop profiler: %v", err)
		}
	}

	if c.nc != nil {
		if err := c.nc.Close(); err != nil {
			lg.Errorf("Failed to close by cleanupF nats client: %v", err)
		}
	}

	if ms, ok := c.store.(*cache.MemoryStore); ok {
		ms.Close()
	}

	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			lg.Errorf("Failed to close by cleanupF redis client: %v", err)
		}
	}

	lg.Info("Successfully cleaned up dependency")
}

func orMemory(backend string) string {
	if backend == "" {
		return "memory"
	}
	return backend
}
