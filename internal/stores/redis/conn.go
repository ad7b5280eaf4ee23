package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tokenpulse/internal/config"

	goredis "github.com/redis/go-redis/v9"
	"gitlab.com/nevasik7/alerting/logger"
)

type Client struct {
	*goredis.Client
}

func New(ctx context.Context, log logger.Logger, cfg *config.RedisConfig) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("redis config is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  orDefault(cfg.DialTimeout, 5*time.Second),
		ReadTimeout:  orDefault(cfg.ReadTimeout, 3*time.Second),
		WriteTimeout: orDefault(cfg.WriteTimeout, 3*time.Second),
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed ping redis, error=%w", err)
	}

	log.Infof("Connected to redis, addr=%s db=%d", cfg.Addr, cfg.DB)
	return &Client{rdb}, nil
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
