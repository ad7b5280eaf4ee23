package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tokenpulse/internal/config"
	"tokenpulse/internal/metrics"
	rdb "tokenpulse/internal/stores/redis"

	"github.com/benbjohnson/clock"
	goredis "github.com/redis/go-redis/v9"
	"gitlab.com/nevasik7/alerting/logger"
)

const (
	backendRedis = "redis"

	fieldValue  = "v"
	fieldExpire = "exp"

	scanCount = 200
)

// Shared store for several instances; every key is a hash {v, exp} written in one MULTI,
// so a reader sees either the old or the new pair, never a mix.
// Redis TTL = ttl + retention, "exp" holds the logical expiry in unix ms.
type RedisStore struct {
	log       logger.Logger
	rdb       *rdb.Client
	clock     clock.Clock
	prefix    string
	retention time.Duration
}

// prefix example "tokenpulse:cache:"
func NewRedisStore(log logger.Logger, cfg *config.CacheConfig, rdb *rdb.Client, clk clock.Clock) (*RedisStore, error) {
	if cfg == nil {
		return nil, errors.New("config is required to the redis store")
	}
	if rdb == nil {
		return nil, errors.New("redis client is required to the redis store")
	}
	if clk == nil {
		clk = clock.New()
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tokenpulse:cache:"
	}

	retention := cfg.StaleRetention
	if retention <= 0 {
		retention = DefaultStaleRetention
	}

	return &RedisStore{
		log:       log,
		rdb:       rdb,
		clock:     clk,
		prefix:    prefix,
		retention: retention,
	}, nil
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	e, ok, err := s.read(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}

	if e.Expired(s.clock.Now()) {
		metrics.CacheRequests.WithLabelValues(backendRedis, "expired").Inc()
		return Entry{}, false, nil
	}

	metrics.CacheRequests.WithLabelValues(backendRedis, "hit").Inc()
	return e, true, nil
}

func (s *RedisStore) GetStale(ctx context.Context, key string) (Entry, bool, error) {
	e, ok, err := s.read(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}

	if !s.clock.Now().Before(e.ExpiresAt.Add(s.retention)) {
		return Entry{}, false, nil
	}

	return e, true, nil
}

func (s *RedisStore) read(ctx context.Context, key string) (Entry, bool, error) {
	vals, err := s.rdb.HMGet(ctx, s.prefix+key, fieldValue, fieldExpire).Result()
	if err != nil {
		metrics.CacheRequests.WithLabelValues(backendRedis, "error").Inc()
		s.log.Errorf("Redis HMGet error=%v", err)
		return Entry{}, false, fmt.Errorf("redis HMGet key=%s: %w", key, err)
	}

	if len(vals) != 2 || vals[0] == nil {
		metrics.CacheRequests.WithLabelValues(backendRedis, "miss").Inc()
		return Entry{}, false, nil
	}

	value, okV := vals[0].(string)
	rawExp, okE := vals[1].(string)
	if !okV || !okE {
		metrics.CacheRequests.WithLabelValues(backendRedis, "corrupt").Inc()
		return Entry{}, false, fmt.Errorf("%w: key=%s missing fields", ErrCorruptEntry, key)
	}

	expMs, err := strconv.ParseInt(rawExp, 10, 64)
	if err != nil {
		metrics.CacheRequests.WithLabelValues(backendRedis, "corrupt").Inc()
		return Entry{}, false, fmt.Errorf("%w: key=%s exp=%q", ErrCorruptEntry, key, rawExp)
	}

	return Entry{Value: []byte(value), ExpiresAt: time.UnixMilli(expMs)}, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	k := s.prefix + key
	exp := s.clock.Now().Add(ttl).UnixMilli()

	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, k, fieldValue, value, fieldExpire, exp)
		pipe.PExpire(ctx, k, ttl+s.retention)
		return nil
	})
	if err != nil {
		s.log.Errorf("Redis put key=%s error=%v", key, err)
		return fmt.Errorf("redis put key=%s: %w", key, err)
	}

	return nil
}

func (s *RedisStore) Invalidate(ctx context.Context, prefix string) (int, error) {
	pattern := s.prefix + escapeGlob(prefix) + "*"

	removed := 0
	batch := make([]string, 0, scanCount)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.rdb.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		removed += int(n)
		batch = batch[:0]
		return nil
	}

	iter := s.rdb.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanCount {
			if err := flush(); err != nil {
				return removed, fmt.Errorf("redis del by prefix=%s: %w", prefix, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan by prefix=%s: %w", prefix, err)
	}
	if err := flush(); err != nil {
		return removed, fmt.Errorf("redis del by prefix=%s: %w", prefix, err)
	}

	if removed > 0 {
		metrics.CacheEvictions.WithLabelValues(backendRedis, "invalidate").Add(float64(removed))
	}
	s.log.Debugf("Invalidated %d redis keys by prefix=%s", removed, prefix)

	return removed, nil
}

func (s *RedisStore) Health(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
