package mw

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tokenpulse/internal/config"
	"tokenpulse/internal/security"
	rdb "tokenpulse/internal/stores/redis"
	"tokenpulse/pkg/httputil"

	goredis "github.com/redis/go-redis/v9"
)

// Every metrics miss costs provider quota, so clients are limited per IP and per JWT subject
type RateLimitMiddleware struct {
	rdb      *rdb.Client
	cfg      config.RateLimitConfig
	verifier *security.RS256Verifier // optional, to key by subject when auth runs later
	trusted  []*net.IPNet
}

func NewRateLimit(cfg *config.RateLimitConfig, client *rdb.Client, verifier *security.RS256Verifier) *RateLimitMiddleware {
	if cfg == nil {
		panic("rate limit config cannot be nil")
	}
	if client == nil {
		panic("redis client cannot be nil")
	}

	c := *cfg
	// sane defaults
	if c.ByIP.TTL <= 0 {
		c.ByIP.TTL = 2 * time.Minute
	}
	if c.ByJWT.TTL <= 0 {
		c.ByJWT.TTL = 2 * time.Minute
	}

	trusted := make([]*net.IPNet, 0, len(c.TrustedProxies))
	for _, cidr := range c.TrustedProxies {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			trusted = append(trusted, n)
		}
	}

	return &RateLimitMiddleware{rdb: client, cfg: c, verifier: verifier, trusted: trusted}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		now := time.Now()

		// by ip
		ip := m.extractClientIP(r)
		okIP, remaining := m.allow(ctx, "rl:ip:"+ip, now, m.cfg.ByIP)

		// by JWT if exists/valid
		okJWT := true
		sub := SubjectFromContext(ctx)
		if sub == "" && m.verifier != nil {
			if cl, err := m.verifier.VerifyBearer(r.Header.Get("Authorization")); err == nil {
				sub = cl.Subject
			}
		}
		if sub != "" {
			var left int64
			okJWT, left = m.allow(ctx, "rl:jwt:"+sub, now, m.cfg.ByJWT)
			remaining = min(remaining, left)
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if !okIP || !okJWT {
			refill := m.cfg.ByIP.RefillPerSec
			if !okJWT {
				refill = m.cfg.ByJWT.RefillPerSec
			}
			w.Header().Set("Retry-After", strconv.Itoa(calculateRetryAfter(refill)))
			_ = httputil.Error(w, r, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Seconds until one token is back
func calculateRetryAfter(refillPerSec int) int {
	if refillPerSec <= 0 {
		return 60
	}
	return int(math.Max(1, math.Ceil(1/float64(refillPerSec))))
}

// --- redis token-bucket (Lua) for atomic and one query ---
var luaTokenBucket = goredis.NewScript(`
-- KEYS[1] = key
-- ARGV[1] = now_ms
-- ARGV[2] = refill_per_sec (integer)
-- ARGV[3] = burst (integer)
-- ARGV[4] = ttl_seconds
local key   = KEYS[1]
local now   = tonumber(ARGV[1])
local rate  = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local ttl   = tonumber(ARGV[4])

-- read state
local last_ms = tonumber(redis.call('HGET', key, 'ts') or now)
local tokens  = tonumber(redis.call('HGET', key, 'tok') or burst)

-- replenish
if now > last_ms then
  local delta = (now - last_ms) / 1000.0
  tokens = math.min(burst, tokens + (delta * rate))
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tok', tokens, 'ts', now)
redis.call('EXPIRE', key, ttl)

return {allowed, math.floor(tokens)}
`)

func (m *RateLimitMiddleware) allow(ctx context.Context, key string, now time.Time, b config.RateBucket) (bool, int64) {
	ttl := int(b.TTL.Seconds())
	if ttl <= 0 {
		ttl = 120
	}

	res, err := luaTokenBucket.Run(ctx, m.rdb, []string{key},
		now.UnixMilli(),
		b.RefillPerSec,
		b.Burst,
		ttl,
	).Int64Slice()
	if err != nil || len(res) < 2 { // redis down -> fail open
		return true, int64(b.Burst)
	}

	return res[0] == 1, res[1]
}

// Leftmost public address of X-Forwarded-For, trusted only when the peer is a known proxy
func (m *RateLimitMiddleware) extractClientIP(r *http.Request) string {
	peer := remoteAddrIP(r.RemoteAddr)

	if peer != nil && m.isTrusted(peer) {
		for _, ip := range parseXFF(r.Header.Get("X-Forwarded-For")) {
			if isPublicIP(ip) {
				return ip.String()
			}
		}
		if xrip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); xrip != nil {
			return xrip.String()
		}
	}

	if peer == nil {
		return "unknown"
	}
	return peer.String()
}

func (m *RateLimitMiddleware) isTrusted(ip net.IP) bool {
	for _, n := range m.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func parseXFF(h string) []net.IP {
	if h == "" {
		return nil
	}

	var out []net.IP
	for _, part := range strings.Split(h, ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
			out = append(out, ip)
		}
	}
	return out
}

func isPublicIP(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsMulticast())
}

func remoteAddrIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.ParseIP(strings.TrimSpace(host))
}
