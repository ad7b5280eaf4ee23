package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tokenpulse/internal/cache"
	"tokenpulse/internal/classify"
	"tokenpulse/internal/config"
	"tokenpulse/internal/domain"
	"tokenpulse/internal/window"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	loggerCfg "gitlab.com/nevasik7/alerting/config"
	"gitlab.com/nevasik7/alerting/logger"
)

// --- helpers ---

const (
	testAddr = "EfgEGG9PxLhyk1wqtqgGnwgfVC7JYic3vC9BCWLvpump"
	raydium  = "5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1"
)

var base = time.Unix(1_700_000_000, 0).UTC()

func newTestLogger() logger.Logger {
	return logger.New(loggerCfg.LoggerCfg{
		Level:  "error",
		Format: "json",
	})
}

type fakeTxSource struct {
	mu      sync.Mutex
	calls   atomic.Int32
	txs     []domain.RawTransaction
	err     error
	release chan struct{} // when set, fetch blocks until closed
}

func (f *fakeTxSource) FetchTransactions(ctx context.Context, _ string, _ *time.Time, _ int) ([]domain.RawTransaction, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs, f.err
}

func (f *fakeTxSource) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakePriceSource struct {
	mu    sync.Mutex
	calls atomic.Int32
	snap  domain.PriceSnapshot
	err   error
}

func (f *fakePriceSource) FetchPriceSnapshot(_ context.Context, address string) (domain.PriceSnapshot, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.snap
	s.Address = address
	return s, f.err
}

func (f *fakePriceSource) set(snap domain.PriceSnapshot, err error) {
	f.mu.Lock()
	f.snap, f.err = snap, err
	f.mu.Unlock()
}

type published struct {
	subject string
	data    interface{}
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakeBroadcaster) Publish(_ context.Context, subject string, data interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return nil
}

func (f *fakeBroadcaster) Health(_ context.Context) error { return nil }

type fixture struct {
	svc    *AnalyzerService
	clk    *clock.Mock
	store  *cache.MemoryStore
	txs    *fakeTxSource
	prices *fakePriceSource
	bc     *fakeBroadcaster
}

func buy(sig string, at time.Duration, amount float64) domain.RawTransaction {
	return domain.RawTransaction{
		Signature: sig,
		BlockTime: base.Add(at),
		FeePayer:  "wallet",
		Type:      classify.TypeSwap,
		Success:   true,
		Transfers: []domain.Transfer{{From: raydium, To: "wallet", Amount: amount, Mint: testAddr}},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := newTestLogger()
	clk := clock.NewMock()
	clk.Set(base.Add(time.Hour))

	store := cache.NewMemoryStore(log, clk, time.Hour, 0)
	t.Cleanup(store.Close)

	cls, err := classify.New(log, nil)
	require.NoError(t, err)

	acfg := &config.AnalyzerConfig{
		LargeTradeFraction: 0.01,
		LargeTradeMinUSD:   100,
		TopN:               5,
		DefaultWindow:      time.Hour,
		MaxWindow:          24 * time.Hour,
		FetchTimeout:       5 * time.Second,
		PublishSummaries:   true,
	}

	agg, err := window.NewAggregator(log, acfg)
	require.NoError(t, err)

	f := &fixture{
		clk:   clk,
		store: store,
		txs: &fakeTxSource{txs: []domain.RawTransaction{
			buy("s1", time.Minute, 100),
			buy("s2", 2*time.Minute, 300),
		}},
		prices: &fakePriceSource{snap: domain.PriceSnapshot{Price: 2, Volume24h: 10_000, Holders: 100}},
		bc:     &fakeBroadcaster{},
	}

	f.svc, err = NewAnalyzerService(log, acfg, config.CacheTTLConfig{Metrics: time.Minute, Price: 30 * time.Second}, Deps{
		Transactions: f.txs,
		Prices:       f.prices,
		Classifier:   cls,
		Aggregator:   agg,
		Store:        store,
		Broadcaster:  f.bc,
		Clock:        clk,
	})
	require.NoError(t, err)

	return f
}

func testWindow() domain.Window {
	return domain.Window{From: base, To: base.Add(10 * time.Minute)}
}

// --- tests ---

func TestNewAnalyzerService_RequiresDeps(t *testing.T) {
	_, err := NewAnalyzerService(newTestLogger(), nil, config.CacheTTLConfig{}, Deps{})
	require.Error(t, err)

	_, err = NewAnalyzerService(newTestLogger(), &config.AnalyzerConfig{}, config.CacheTTLConfig{}, Deps{})
	require.Error(t, err)
}

func TestGetMetrics_ComputesAndCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.svc.GetMetrics(ctx, testAddr, testWindow())
	require.NoError(t, err)

	assert.Equal(t, testAddr, sum.Address)
	assert.Equal(t, int64(2), sum.Count(domain.KindBuy))
	assert.InDelta(t, 800.0, sum.BuyUSD, 1e-9)
	assert.True(t, sum.PriceAvailable)
	assert.False(t, sum.Stale)
	assert.True(t, f.clk.Now().Equal(sum.ComputedAt))
	require.NotNil(t, sum.HolderCount)
	assert.Equal(t, 100, *sum.HolderCount)

	// second call is a cache hit
	again, err := f.svc.GetMetrics(ctx, testAddr, testWindow())
	require.NoError(t, err)
	assert.Equal(t, sum.BuyUSD, again.BuyUSD)
	assert.Equal(t, int32(1), f.txs.calls.Load())
	assert.Equal(t, int32(1), f.prices.calls.Load())

	// published once
	f.bc.mu.Lock()
	defer f.bc.mu.Unlock()
	require.Len(t, f.bc.msgs, 1)
	assert.Equal(t, "metrics."+testAddr, f.bc.msgs[0].subject)
}

func TestGetMetrics_ExpiredEntryIsRefetched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetMetrics(ctx, testAddr, testWindow())
	require.NoError(t, err)

	f.clk.Add(61 * time.Second)

	_, err = f.svc.GetMetrics(ctx, testAddr, testWindow())
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.txs.calls.Load())
}

func TestGetMetrics_CoalescesConcurrentMisses(t *testing.T) {
	f := newFixture(t)
	f.txs.release = make(chan struct{})

	const callers = 10

	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)

	results := make([]*domain.MetricsSummary, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i], errs[i] = f.svc.GetMetrics(context.Background(), testAddr, testWindow())
		}(i)
	}

	started.Wait()
	require.Eventually(t, func() bool { return f.txs.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(f.txs.release)
	done.Wait()

	assert.Equal(t, int32(1), f.txs.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(2), results[i].Count(domain.KindBuy))
	}

	// callers get independent copies
	results[0].Kinds[domain.KindBuy].Count = 99
	assert.Equal(t, int64(2), results[1].Count(domain.KindBuy))
}

func TestGetMetrics_CallerCancelDoesNotCancelFetch(t *testing.T) {
	f := newFixture(t)
	f.txs.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.svc.GetMetrics(ctx, testAddr, testWindow())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return f.txs.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(f.txs.release)

	// computation finishes in the background and fills the cache
	key := cache.Key(testAddr, cache.QueryMetrics, testWindow().String())
	require.Eventually(t, func() bool {
		_, ok, _ := f.store.Get(context.Background(), key)
		return ok
	}, time.Second, 5*time.Millisecond)

	_, err := f.svc.GetMetrics(context.Background(), testAddr, testWindow())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.txs.calls.Load())
}

func TestGetMetrics_ServesStaleWhenUpstreamDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fresh, err := f.svc.GetMetrics(ctx, testAddr, testWindow())
	require.NoError(t, err)

	f.clk.Add(2 * time.Minute)
	f.txs.fail(&domain.UpstreamError{Provider: "helius", Kind: domain.UpstreamServerError, Status: 503, Err: errors.New("down")})

	sum, err := f.svc.GetMetrics(ctx, testAddr, testWindow())
	require.NoError(t, err)
	assert.True(t, sum.Stale)
	assert.Equal(t, fresh.BuyUSD, sum.BuyUSD)
	assert.True(t, fresh.ComputedAt.Equal(sum.ComputedAt))
}

func TestGetMetrics_ServesStaleWithDefaultRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// store built without cache.stale_retention
	f.store = cache.NewMemoryStore(newTestLogger(), f.clk, 0, 0)
	t.Cleanup(f.store.Close)
	f.svc.store = f.store

	fresh, err := f.svc.GetMetrics(ctx, testAddr, testWindow())
	require.NoError(t, err)

	f.clk.Add(2 * time.Minute)
	f.txs.fail(&domain.UpstreamError{Provider: "helius", Kind: domain.UpstreamServerError, Status: 500, Err: errors.New("boom")})

	sum, err := f.svc.GetMetrics(ctx, testAddr, testWindow())
	require.NoError(t, err)
	assert.True(t, sum.Stale)
	assert.Equal(t, fresh.BuyUSD, sum.BuyUSD)
}

func TestGetMetrics_UpstreamUnavailableWithoutStale(t *testing.T) {
	f := newFixture(t)
	upErr := &domain.UpstreamError{Provider: "helius", Kind: domain.UpstreamTimeout, Err: context.DeadlineExceeded}
	f.txs.fail(upErr)

	_, err := f.svc.GetMetrics(context.Background(), testAddr, testWindow())
	require.Error(t, err)

	var ae *domain.AnalysisError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, domain.ReasonUpstreamUnavailable, ae.Reason)

	kind, ok := domain.UpstreamKindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.UpstreamTimeout, kind)
}

func TestGetMetrics_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetMetrics(ctx, "bogus", testWindow())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.GetMetrics(ctx, testAddr, domain.Window{From: base, To: base})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.GetMetrics(ctx, testAddr, domain.Window{From: base, To: base.Add(48 * time.Hour)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.Equal(t, int32(0), f.txs.calls.Load())
	assert.Equal(t, int32(0), f.prices.calls.Load())
}

// explicit windows keep their own bounds even when a rolling bucket is configured
func TestGetMetrics_ExplicitWindowIsNotAligned(t *testing.T) {
	f := newFixture(t)
	f.svc.bucket = 5 * time.Minute

	w := domain.Window{From: base.Add(3 * time.Minute), To: base.Add(8 * time.Minute)}
	require.NotEqual(t, w.From, w.From.Truncate(f.svc.bucket))

	f.txs.txs = []domain.RawTransaction{
		buy("before", time.Minute, 100),
		buy("inside", 7*time.Minute, 300),
		buy("at-end", 8*time.Minute, 50),
	}

	sum, err := f.svc.GetMetrics(context.Background(), testAddr, w)
	require.NoError(t, err)

	assert.True(t, w.From.Equal(sum.Window.From))
	assert.True(t, w.To.Equal(sum.Window.To))
	assert.Equal(t, int64(1), sum.Count(domain.KindBuy))
	assert.InDelta(t, 600.0, sum.BuyUSD, 1e-9)

	key := cache.Key(testAddr, cache.QueryMetrics, w.String())
	_, ok, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetMetrics_CorruptEntryIsMiss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := cache.Key(testAddr, cache.QueryMetrics, testWindow().String())
	require.NoError(t, f.store.Put(ctx, key, []byte("{garbage"), time.Minute))

	sum, err := f.svc.GetMetrics(ctx, testAddr, testWindow())
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Count(domain.KindBuy))
	assert.Equal(t, int32(1), f.txs.calls.Load())
}

func TestGetMetrics_PriceIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.prices.set(domain.PriceSnapshot{}, &domain.UpstreamError{Provider: "birdeye", Kind: domain.UpstreamClientError, Status: 401})

	sum, err := f.svc.GetMetrics(context.Background(), testAddr, testWindow())
	require.NoError(t, err)

	assert.False(t, sum.PriceAvailable)
	assert.Equal(t, int64(2), sum.Count(domain.KindBuy))
	assert.Zero(t, sum.BuyUSD)
	assert.Nil(t, sum.HolderCount)
}

func TestGetMetrics_HolderDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetMetrics(ctx, testAddr, testWindow())
	require.NoError(t, err)

	// price entry expires, next computation sees the new holder count
	f.clk.Add(2 * time.Minute)
	f.prices.set(domain.PriceSnapshot{Price: 2, Volume24h: 10_000, Holders: 112}, nil)

	sum, err := f.svc.GetMetrics(ctx, testAddr, testWindow())
	require.NoError(t, err)
	require.NotNil(t, sum.HolderDelta)
	assert.Equal(t, 112, *sum.HolderCount)
	assert.Equal(t, 12, *sum.HolderDelta)
}

func TestInvalidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetMetrics(ctx, testAddr, testWindow())
	require.NoError(t, err)

	n, err := f.svc.Invalidate(ctx, testAddr)
	require.NoError(t, err)
	assert.Equal(t, 2, n) // metrics + price

	_, err = f.svc.GetMetrics(ctx, testAddr, testWindow())
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.txs.calls.Load())

	_, err = f.svc.Invalidate(ctx, "bogus")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRecommendedWindow(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now().UTC()

	w := f.svc.RecommendedWindow(15)
	assert.Equal(t, now, w.To)
	assert.Equal(t, 15*time.Minute, w.Duration())

	w = f.svc.RecommendedWindow(0)
	assert.Equal(t, time.Hour, w.Duration())
}

func TestCheckDependency(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.svc.CheckDependency(context.Background()))
}
