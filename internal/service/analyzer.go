package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tokenpulse/internal/cache"
	"tokenpulse/internal/config"
	"tokenpulse/internal/domain"
	"tokenpulse/internal/metrics"
	"tokenpulse/internal/pubsub"
	"tokenpulse/internal/upstream"
	"tokenpulse/internal/window"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"gitlab.com/nevasik7/alerting/logger"
	"golang.org/x/sync/singleflight"
)

type TransactionSource interface {
	FetchTransactions(ctx context.Context, address string, since *time.Time, limit int) ([]domain.RawTransaction, error)
}

type PriceSource interface {
	FetchPriceSnapshot(ctx context.Context, address string) (domain.PriceSnapshot, error)
}

type EventClassifier interface {
	ClassifyAll(txs []domain.RawTransaction, price domain.PriceSnapshot) []domain.ClassifiedEvent
}

// Collaborators of the analyzer; Broadcaster and Clock are optional
type Deps struct {
	Transactions TransactionSource
	Prices       PriceSource
	Classifier   EventClassifier
	Aggregator   window.Aggregator
	Store        cache.Store
	Broadcaster  pubsub.Broadcaster
	Clock        clock.Clock
}

// Price entry keeps the holder count of the snapshot it replaced, for the holder delta
type priceEntry struct {
	Snapshot    domain.PriceSnapshot `json:"snapshot"`
	PrevHolders *int                 `json:"prev_holders,omitempty"`
}

// Single entry point for metrics queries: cache → coalesced fetch → classify → aggregate → cache.
// Concurrent misses for the same key share one computation; when providers are down the
// last known summary is served with Stale=true.
type AnalyzerService struct {
	log         logger.Logger
	txs         TransactionSource
	prices      PriceSource
	classifier  EventClassifier
	aggregator  window.Aggregator
	store       cache.Store
	broadcaster pubsub.Broadcaster
	clock       clock.Clock

	metricsTTL    time.Duration
	priceTTL      time.Duration
	fetchTimeout  time.Duration
	fetchLimit    int
	defaultWindow time.Duration
	maxWindow     time.Duration
	bucket        time.Duration
	publish       bool

	group singleflight.Group
}

func NewAnalyzerService(log logger.Logger, cfg *config.AnalyzerConfig, ttl config.CacheTTLConfig, deps Deps) (*AnalyzerService, error) {
	if cfg == nil {
		return nil, errors.New("analyzer config is required")
	}
	if deps.Transactions == nil || deps.Prices == nil || deps.Classifier == nil || deps.Aggregator == nil || deps.Store == nil {
		return nil, errors.New("analyzer: transactions, prices, classifier, aggregator and store are required")
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	s := &AnalyzerService{
		log:           log,
		txs:           deps.Transactions,
		prices:        deps.Prices,
		classifier:    deps.Classifier,
		aggregator:    deps.Aggregator,
		store:         deps.Store,
		broadcaster:   deps.Broadcaster,
		clock:         clk,
		metricsTTL:    ttl.Metrics,
		priceTTL:      ttl.Price,
		fetchTimeout:  cfg.FetchTimeout,
		fetchLimit:    cfg.FetchLimit,
		defaultWindow: cfg.DefaultWindow,
		maxWindow:     cfg.MaxWindow,
		bucket:        cfg.WindowBucket,
		publish:       cfg.PublishSummaries && deps.Broadcaster != nil,
	}

	// sane defaults
	if s.metricsTTL <= 0 {
		s.metricsTTL = 5 * time.Minute
	}
	if s.priceTTL <= 0 {
		s.priceTTL = time.Minute
	}
	if s.fetchTimeout <= 0 {
		s.fetchTimeout = 30 * time.Second
	}
	if s.fetchLimit <= 0 {
		s.fetchLimit = upstream.MaxTransactionLimit
	}
	if s.defaultWindow <= 0 {
		s.defaultWindow = 60 * time.Minute
	}

	return s, nil
}

// Window of the last `minutes`, aligned to the configured bucket; minutes<=0 gives the default window
func (s *AnalyzerService) RecommendedWindow(minutes int) domain.Window {
	d := s.defaultWindow
	if minutes > 0 {
		d = time.Duration(minutes) * time.Minute
	}
	return domain.LastWindow(s.clock.Now(), d, s.bucket)
}

func (s *AnalyzerService) GetMetrics(ctx context.Context, address string, w domain.Window) (*domain.MetricsSummary, error) {
	if err := domain.ValidateAddress(address); err != nil {
		metrics.AnalyzerRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	w, err := s.normalize(w)
	if err != nil {
		metrics.AnalyzerRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	key := cache.Key(address, cache.QueryMetrics, w.String())

	if sum, ok := s.cached(ctx, key); ok {
		metrics.AnalyzerRequests.WithLabelValues("hit").Inc()
		return sum, nil
	}

	// detached from the caller: an abandoning caller never cancels the shared computation
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.compute(address, w, key)
	})

	select {
	case <-ctx.Done():
		metrics.AnalyzerRequests.WithLabelValues("error").Inc()
		return nil, ctx.Err()

	case res := <-ch:
		if res.Err != nil {
			metrics.AnalyzerRequests.WithLabelValues("error").Inc()
			return nil, res.Err
		}

		// every caller decodes its own copy
		sum, err := decodeSummary(res.Val.([]byte))
		if err != nil {
			metrics.AnalyzerRequests.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("decode summary: %w", err)
		}

		switch {
		case sum.Stale:
			metrics.AnalyzerRequests.WithLabelValues("stale").Inc()
		case res.Shared:
			metrics.AnalyzerRequests.WithLabelValues("coalesced").Inc()
		default:
			metrics.AnalyzerRequests.WithLabelValues("computed").Inc()
		}

		return sum, nil
	}
}

// Drops every cached entry of the token, returns how many were removed
func (s *AnalyzerService) Invalidate(ctx context.Context, address string) (int, error) {
	if err := domain.ValidateAddress(address); err != nil {
		return 0, err
	}

	n, err := s.store.Invalidate(ctx, cache.AddressPrefix(address))
	if err != nil {
		s.log.Errorf("Failed to invalidate cache for %s: %v", address, err)
		return 0, fmt.Errorf("invalidate %s: %w", address, err)
	}

	s.log.Infof("Invalidated %d cache entries for %s", n, address)
	return n, nil
}

func (s *AnalyzerService) CheckDependency(ctx context.Context) error {
	errDependency := make([]string, 0, 2)

	if err := s.store.Health(ctx); err != nil {
		errDependency = append(errDependency, fmt.Sprintf("cache: %v", err))
	}

	if s.broadcaster != nil {
		if err := s.broadcaster.Health(ctx); err != nil {
			errDependency = append(errDependency, "NATS: connection not ready")
		}
	}

	if len(errDependency) > 0 {
		return fmt.Errorf("dependency check failed: %v", strings.Join(errDependency, "; "))
	}

	s.log.Debugf("All dependency check passed")
	return nil
}

func (s *AnalyzerService) normalize(w domain.Window) (domain.Window, error) {
	if err := w.Validate(); err != nil {
		return domain.Window{}, err
	}

	if s.maxWindow > 0 && w.Duration() > s.maxWindow {
		return domain.Window{}, fmt.Errorf("%w: window %s exceeds max %s", domain.ErrInvalidInput, w.Duration(), s.maxWindow)
	}

	// cache keys use unix seconds; bucket alignment is for rolling windows only (RecommendedWindow)
	n := domain.Window{From: w.From.UTC().Truncate(time.Second), To: w.To.UTC().Truncate(time.Second)}

	if !n.From.Before(n.To) {
		return w, nil
	}
	return n, nil
}

// Fresh cached summary; undecodable entries count as a miss
func (s *AnalyzerService) cached(ctx context.Context, key string) (*domain.MetricsSummary, bool) {
	e, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.logCacheError(key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	sum, err := decodeSummary(e.Value)
	if err != nil {
		s.logCacheError(key, err)
		return nil, false
	}

	return sum, true
}

func (s *AnalyzerService) compute(address string, w domain.Window, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
	defer cancel()

	start := s.clock.Now()
	defer func() {
		metrics.PipelineDuration.Observe(s.clock.Since(start).Seconds())
	}()

	reqID := uuid.NewString()
	log := s.log.WithFields(map[string]interface{}{"request_id": reqID, "token": address, "window": w.String()})

	snap, priceOK, prevHolders := s.priceSnapshot(ctx, address)
	if !priceOK {
		log.Warnf("Price unavailable, computing metrics with zero price")
	}

	from := w.From
	txs, err := s.txs.FetchTransactions(ctx, address, &from, s.fetchLimit)
	if err != nil {
		var ue *domain.UpstreamError
		if !errors.As(err, &ue) {
			return nil, err
		}

		if stale, ok := s.staleSummary(ctx, key); ok {
			log.Warnf("Serving stale metrics, upstream failed: %v", err)
			return stale, nil
		}

		log.Errorf("Failed to fetch transactions, no stale entry: %v", err)
		return nil, &domain.AnalysisError{Reason: domain.ReasonUpstreamUnavailable, Err: err}
	}

	events := s.classifier.ClassifyAll(txs, snap)
	sum := s.aggregator.Aggregate(events, w, snap, prevHolders)
	sum.PriceAvailable = priceOK
	sum.ComputedAt = s.clock.Now().UTC()

	b, err := json.Marshal(sum)
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}

	if err = s.store.Put(ctx, key, b, s.metricsTTL); err != nil {
		log.Errorf("Failed to cache metrics: %v", err)
	}

	if s.publish {
		if err = s.broadcaster.Publish(ctx, "metrics."+address, sum); err != nil {
			log.Errorf("Failed to broadcast metrics: %v", err)
		}
	}

	log.Infof("Computed metrics: fetched=%d aggregated=%d", sum.FetchedCount, sum.AggregateCount)
	return b, nil
}

// Best effort: on failure the snapshot carries only the address and ok=false
func (s *AnalyzerService) priceSnapshot(ctx context.Context, address string) (domain.PriceSnapshot, bool, *int) {
	key := cache.Key(address, cache.QueryPrice)

	if e, ok, err := s.store.Get(ctx, key); err != nil {
		s.logCacheError(key, err)
	} else if ok {
		var pe priceEntry
		if err = json.Unmarshal(e.Value, &pe); err == nil {
			return pe.Snapshot, true, pe.PrevHolders
		}
		s.logCacheError(key, err)
	}

	// holder count of the previous snapshot, even if expired
	var prev *int
	if e, ok, err := s.store.GetStale(ctx, key); err == nil && ok {
		var pe priceEntry
		if json.Unmarshal(e.Value, &pe) == nil && pe.Snapshot.Holders > 0 {
			h := pe.Snapshot.Holders
			prev = &h
		}
	}

	snap, err := s.prices.FetchPriceSnapshot(ctx, address)
	if err != nil {
		s.log.Warnf("Failed to fetch price for %s: %v", address, err)
		return domain.PriceSnapshot{Address: address}, false, nil
	}

	b, err := json.Marshal(priceEntry{Snapshot: snap, PrevHolders: prev})
	if err == nil {
		err = s.store.Put(ctx, key, b, s.priceTTL)
	}
	if err != nil {
		s.log.Errorf("Failed to cache price for %s: %v", address, err)
	}

	return snap, true, prev
}

func (s *AnalyzerService) staleSummary(ctx context.Context, key string) ([]byte, bool) {
	e, ok, err := s.store.GetStale(ctx, key)
	if err != nil {
		s.logCacheError(key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	sum, err := decodeSummary(e.Value)
	if err != nil {
		s.logCacheError(key, err)
		return nil, false
	}

	sum.Stale = true
	b, err := json.Marshal(sum)
	if err != nil {
		return nil, false
	}
	return b, true
}

func (s *AnalyzerService) logCacheError(key string, err error) {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.Is(err, cache.ErrCorruptEntry) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		metrics.CacheDecodeErrors.WithLabelValues(string(domain.ReasonCacheCorrupt)).Inc()
		s.log.Warnf("Corrupt cache entry %s treated as miss: %v", key, err)
		return
	}
	s.log.Errorf("Cache read failed for %s: %v", key, err)
}

func decodeSummary(b []byte) (*domain.MetricsSummary, error) {
	var sum domain.MetricsSummary
	if err := json.Unmarshal(b, &sum); err != nil {
		return nil, err
	}
	if sum.Kinds == nil {
		return nil, fmt.Errorf("%w: summary without kinds", cache.ErrCorruptEntry)
	}
	return &sum, nil
}
