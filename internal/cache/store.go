package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

/*
	Cache store for analyzer results keyed by "<address>:<query kind>[:<part>...]".
	Expired entries are a miss for Get but stay readable through GetStale for a
	retention period, so the analyzer can degrade to the last known value.
*/

var (
	ErrInvalidTTL   = errors.New("cache ttl must be positive")
	ErrCorruptEntry = errors.New("corrupt cache entry")
)

// Used when no stale retention is configured
const DefaultStaleRetention = time.Hour

type QueryKind string

const (
	QueryMetrics QueryKind = "metrics"
	QueryPrice   QueryKind = "price"
)

// Stored value with its expiry; Value must not be modified by callers
type Entry struct {
	Value     []byte
	ExpiresAt time.Time
}

func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

type Store interface {
	// Fresh entries only; expired entries report ok=false
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Last written entry even if expired, as long as it is within the stale retention
	GetStale(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Removes every key starting with prefix, returns how many were removed
	Invalidate(ctx context.Context, prefix string) (int, error)
	Health(ctx context.Context) error
}

func Key(address string, kind QueryKind, parts ...string) string {
	b := strings.Builder{}
	b.WriteString(address)
	b.WriteByte(':')
	b.WriteString(string(kind))
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

// Prefix matching every key of one token address
func AddressPrefix(address string) string {
	return address + ":"
}
