package cache

import (
	"context"
	"testing"
	"time"

	"tokenpulse/internal/config"
	rdb "tokenpulse/internal/stores/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ========== Test Helpers ==========

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *rdb.Client) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := &rdb.Client{
		Client: goredis.NewClient(&goredis.Options{
			Addr: mr.Addr(),
		}),
	}
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func newTestRedisStore(t *testing.T, clk clock.Clock) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr, client := setupTestRedis(t)
	s, err := NewRedisStore(newTestLogger(), &config.CacheConfig{
		Prefix:         "test:cache:",
		StaleRetention: time.Hour,
	}, client, clk)
	require.NoError(t, err)

	return mr, s
}

// ========== Tests ==========

func TestNewRedisStore_Validation(t *testing.T) {
	_, client := setupTestRedis(t)

	_, err := NewRedisStore(newTestLogger(), nil, client, nil)
	assert.Error(t, err)

	_, err = NewRedisStore(newTestLogger(), &config.CacheConfig{}, nil, nil)
	assert.Error(t, err)

	s, err := NewRedisStore(newTestLogger(), &config.CacheConfig{}, client, nil)
	require.NoError(t, err)
	assert.Equal(t, "tokenpulse:cache:", s.prefix)
	assert.Equal(t, DefaultStaleRetention, s.retention)
}

func TestRedisStore_PutGetAndTTL(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	mr, s := newTestRedisStore(t, clk)
	ctx := context.Background()
	key := Key(testAddr, QueryMetrics, "w")

	require.NoError(t, s.Put(ctx, key, []byte(`{"x":1}`), time.Second))
	assert.True(t, mr.Exists("test:cache:"+key))

	e, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"x":1}`, string(e.Value))

	clk.Add(1100 * time.Millisecond)

	_, ok, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	e, ok, err = s.GetStale(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"x":1}`, string(e.Value))

	// redis ttl covers ttl + retention
	assert.Greater(t, mr.TTL("test:cache:"+key), time.Hour)
}

func TestRedisStore_Miss(t *testing.T) {
	_, s := newTestRedisStore(t, clock.NewMock())

	_, ok, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	mr, s := newTestRedisStore(t, clock.NewMock())

	mr.HSet("test:cache:bad", fieldValue, "{}", fieldExpire, "not-a-number")

	_, ok, err := s.Get(context.Background(), "bad")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCorruptEntry)
}

func TestRedisStore_Invalidate(t *testing.T) {
	_, s := newTestRedisStore(t, clock.NewMock())
	ctx := context.Background()
	other := "So11111111111111111111111111111111111111112"

	require.NoError(t, s.Put(ctx, Key(testAddr, QueryMetrics, "a"), []byte("1"), time.Minute))
	require.NoError(t, s.Put(ctx, Key(testAddr, QueryPrice), []byte("2"), time.Minute))
	require.NoError(t, s.Put(ctx, Key(other, QueryPrice), []byte("3"), time.Minute))

	n, err := s.Invalidate(ctx, AddressPrefix(testAddr))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, _ := s.Get(ctx, Key(testAddr, QueryMetrics, "a"))
	assert.False(t, ok)
	_, ok, _ = s.Get(ctx, Key(other, QueryPrice))
	assert.True(t, ok)
}

func TestRedisStore_ConnectionError(t *testing.T) {
	mr, s := newTestRedisStore(t, clock.NewMock())
	mr.Close()

	_, ok, err := s.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
}
