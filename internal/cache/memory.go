package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"tokenpulse/internal/metrics"

	"github.com/benbjohnson/clock"
	"gitlab.com/nevasik7/alerting/logger"
)

const backendMemory = "memory"

type memEntry struct {
	value    []byte
	expireAt int64 // unix nano
}

type MemoryStore struct {
	log       logger.Logger
	clock     clock.Clock
	retention time.Duration
	mu        sync.RWMutex
	items     map[string]memEntry
	stopCh    chan struct{}
	stopped   bool
}

// In-process store (one instance);
// retention-how long expired entries stay readable by GetStale, 0-> DefaultStaleRetention;
// janitorEvery-how often purge entries past retention; 0-> lazy eviction only
func NewMemoryStore(log logger.Logger, clk clock.Clock, retention, janitorEvery time.Duration) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	if retention <= 0 {
		retention = DefaultStaleRetention
	}

	m := &MemoryStore{
		log:       log,
		clock:     clk,
		retention: retention,
		items:     make(map[string]memEntry, 1024),
		stopCh:    make(chan struct{}),
	}

	if janitorEvery > 0 {
		go m.janitor(janitorEvery)
	}

	return m
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	now := m.clock.Now().UnixNano()

	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		metrics.CacheRequests.WithLabelValues(backendMemory, "miss").Inc()
		return Entry{}, false, nil
	}

	if e.expireAt <= now {
		metrics.CacheRequests.WithLabelValues(backendMemory, "expired").Inc()
		return Entry{}, false, nil
	}

	metrics.CacheRequests.WithLabelValues(backendMemory, "hit").Inc()
	return Entry{Value: e.value, ExpiresAt: time.Unix(0, e.expireAt)}, true, nil
}

func (m *MemoryStore) GetStale(_ context.Context, key string) (Entry, bool, error) {
	now := m.clock.Now().UnixNano()

	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		return Entry{}, false, nil
	}

	if e.expireAt+m.retention.Nanoseconds() <= now {
		m.evictIfStillExpired(key, now)
		return Entry{}, false, nil
	}

	return Entry{Value: e.value, ExpiresAt: time.Unix(0, e.expireAt)}, true, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	// own copy, stored values are never mutated afterwards
	v := make([]byte, len(value))
	copy(v, value)

	exp := m.clock.Now().Add(ttl).UnixNano()

	m.mu.Lock()
	m.items[key] = memEntry{value: v, expireAt: exp}
	m.mu.Unlock()

	m.log.Debugf("Write to items by key=%s, ttl=%s", key, ttl)
	return nil
}

func (m *MemoryStore) Invalidate(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			delete(m.items, k)
			removed++
		}
	}

	if removed > 0 {
		metrics.CacheEvictions.WithLabelValues(backendMemory, "invalidate").Add(float64(removed))
	}
	m.log.Debugf("Invalidated %d items by prefix=%s", removed, prefix)

	return removed, nil
}

func (m *MemoryStore) Health(_ context.Context) error {
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// re-check under write lock, a concurrent Put may have refreshed the key
func (m *MemoryStore) evictIfStillExpired(key string, now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.items[key]; ok && e.expireAt+m.retention.Nanoseconds() <= now {
		delete(m.items, key)
		metrics.CacheEvictions.WithLabelValues(backendMemory, "expired").Inc()
	}
}

func (m *MemoryStore) janitor(every time.Duration) {
	t := m.clock.Ticker(every)
	defer t.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			now := m.clock.Now().UnixNano()
			retention := m.retention.Nanoseconds()

			m.mu.Lock()
			for k, e := range m.items {
				if e.expireAt+retention <= now {
					m.log.Debugf("Removing expired item: %s", k)
					delete(m.items, k)
					metrics.CacheEvictions.WithLabelValues(backendMemory, "expired").Inc()
				}
			}
			m.mu.Unlock()
		}
	}
}

// Close garbage collector(if running)
func (m *MemoryStore) Close() {
	m.mu.Lock()
	if !m.stopped {
		close(m.stopCh)
		m.stopped = true
	}
	m.mu.Unlock()
}
