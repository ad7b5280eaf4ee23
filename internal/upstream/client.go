package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"tokenpulse/internal/config"
	"tokenpulse/internal/domain"
	"tokenpulse/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"gitlab.com/nevasik7/alerting/logger"
	"golang.org/x/time/rate"
)

const (
	ProviderHelius  = "helius"
	ProviderBirdeye = "birdeye"

	maxBodyBytes = 8 << 20
)

// Anything that can execute an HTTP request; *http.Client in production
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client for the transaction-data (Helius) and price (Birdeye) providers.
// Stateless with respect to request data, safe for concurrent use.
type Client struct {
	log     logger.Logger
	http    Doer
	helius  config.HeliusConfig
	birdeye config.BirdeyeConfig
	retry   config.RetryConfig
	timeout time.Duration
	limiter *rate.Limiter
}

type Option func(*Client)

func WithDoer(d Doer) Option {
	return func(c *Client) {
		c.http = d
	}
}

func New(log logger.Logger, cfg *config.UpstreamConfig, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("upstream config is required")
	}

	c := &Client{
		log:     log,
		helius:  cfg.Helius,
		birdeye: cfg.Birdeye,
		retry:   cfg.Retry,
		timeout: cfg.RequestTimeout,
	}

	// sane defaults
	if c.helius.BaseURL == "" {
		c.helius.BaseURL = "https://api.helius.xyz"
	}
	if c.helius.PageSize <= 0 || c.helius.PageSize > MaxPageSize {
		c.helius.PageSize = MaxPageSize
	}
	if c.helius.MaxPages <= 0 {
		c.helius.MaxPages = 5
	}
	if c.birdeye.BaseURL == "" {
		c.birdeye.BaseURL = "https://public-api.birdeye.so"
	}
	if c.birdeye.Chain == "" {
		c.birdeye.Chain = "solana"
	}
	if c.retry.MaxRetries < 0 {
		c.retry.MaxRetries = 0
	}
	if c.retry.InitialInterval <= 0 {
		c.retry.InitialInterval = 500 * time.Millisecond
	}
	if c.retry.MaxInterval <= 0 {
		c.retry.MaxInterval = 5 * time.Second
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}

	c.limiter = rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	c.http = &http.Client{}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// GET rawURL and decode JSON into out. Transient failures are retried up to MaxRetries
// with exponential backoff, so at most MaxRetries+1 attempts are made.
func (c *Client) getJSON(ctx context.Context, provider, rawURL string, headers map[string]string, out any) error {
	attempt := 0

	op := func() error {
		attempt++

		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(&domain.UpstreamError{Provider: provider, Kind: domain.UpstreamTimeout, Err: err})
		}

		err := c.doOnce(ctx, provider, rawURL, headers, out)
		if err == nil {
			return nil
		}

		var ue *domain.UpstreamError
		if errors.As(err, &ue) && ue.Transient() && ctx.Err() == nil {
			c.log.Warnf("Transient %s failure, attempt=%d/%d: %v", provider, attempt, c.retry.MaxRetries+1, err)
			return err
		}

		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.MaxElapsedTime = 0 // bounded by retry count

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retry.MaxRetries)), ctx))
	if err == nil {
		return nil
	}

	var ue *domain.UpstreamError
	if !errors.As(err, &ue) {
		// context ended between attempts
		return &domain.UpstreamError{Provider: provider, Kind: domain.UpstreamTimeout, Err: err}
	}

	c.log.Errorf("Upstream %s failed after %d attempt(s): %v", provider, attempt, err)
	return err
}

func (c *Client) doOnce(ctx context.Context, provider, rawURL string, headers map[string]string, out any) error {
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, rawURL, nil)
	if err != nil {
		return c.fail(provider, domain.UpstreamClientError, 0, fmt.Errorf("build request: %w", err))
	}

	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.UpstreamLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err != nil {
		return c.fail(provider, transportKind(err), 0, stripURL(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return c.fail(provider, transportKind(err), resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	if kind, failed := statusKind(resp.StatusCode); failed {
		return c.fail(provider, kind, resp.StatusCode, fmt.Errorf("%s", truncate(body, 256)))
	}

	if err = json.Unmarshal(body, out); err != nil {
		return c.fail(provider, domain.UpstreamMalformedResponse, resp.StatusCode, fmt.Errorf("decode body: %w", err))
	}

	metrics.UpstreamAttempts.WithLabelValues(provider, "ok").Inc()
	return nil
}

func (c *Client) fail(provider string, kind domain.UpstreamKind, status int, err error) error {
	metrics.UpstreamAttempts.WithLabelValues(provider, string(kind)).Inc()
	return &domain.UpstreamError{Provider: provider, Kind: kind, Status: status, Err: err}
}

func statusKind(status int) (domain.UpstreamKind, bool) {
	switch {
	case status >= 200 && status < 300:
		return "", false
	case status == http.StatusTooManyRequests:
		return domain.UpstreamRateLimited, true
	case status >= 500:
		return domain.UpstreamServerError, true // 521 "origin down" included
	default:
		return domain.UpstreamClientError, true
	}
}

func transportKind(err error) domain.UpstreamKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.UpstreamTimeout
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.UpstreamTimeout
	}

	// refused/reset connections behave like an unavailable server
	return domain.UpstreamServerError
}

// *url.Error repeats the request URL, which carries the api key
func stripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s request: %w", uerr.Op, uerr.Err)
	}
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
