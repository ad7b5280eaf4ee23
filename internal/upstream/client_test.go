package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"tokenpulse/internal/config"
	"tokenpulse/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	loggerCfg "gitlab.com/nevasik7/alerting/config"
	"gitlab.com/nevasik7/alerting/logger"
)

// --- helpers ---

const testAddr = "EfgEGG9PxLhyk1wqtqgGnwgfVC7JYic3vC9BCWLvpump"

func newTestLogger() logger.Logger {
	return logger.New(loggerCfg.LoggerCfg{
		Level:  "error",
		Format: "json",
	})
}

func testConfig(baseURL string) *config.UpstreamConfig {
	return &config.UpstreamConfig{
		Helius: config.HeliusConfig{
			BaseURL:  baseURL,
			APIKey:   "helius-key",
			PageSize: 2,
			MaxPages: 10,
		},
		Birdeye: config.BirdeyeConfig{
			BaseURL: baseURL,
			APIKey:  "birdeye-key",
		},
		Retry: config.RetryConfig{
			MaxRetries:      3,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		},
		RequestTimeout: time.Second,
	}
}

func newTestClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()

	c, err := New(newTestLogger(), testConfig(baseURL), opts...)
	require.NoError(t, err)
	return c
}

func heliusPage(from, n int, ts int64) []map[string]any {
	out := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, map[string]any{
			"signature":        fmt.Sprintf("sig-%d", from+i),
			"timestamp":        ts - int64(i),
			"type":             "SWAP",
			"fee":              5000,
			"feePayer":         "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
			"transactionError": nil,
			"tokenTransfers": []map[string]any{{
				"fromUserAccount": "pool",
				"toUserAccount":   "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
				"tokenAmount":     12.5,
				"mint":            testAddr,
			}},
		})
	}
	return out
}

// Answers every request with a net timeout error
type timeoutDoer struct {
	calls atomic.Int32
}

type netTimeout struct{}

func (netTimeout) Error() string   { return "i/o timeout" }
func (netTimeout) Timeout() bool   { return true }
func (netTimeout) Temporary() bool { return true }

func (d *timeoutDoer) Do(_ *http.Request) (*http.Response, error) {
	d.calls.Add(1)
	return nil, netTimeout{}
}

// --- helius ---

func TestFetchTransactions_Paginates(t *testing.T) {
	var befores []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/addresses/"+testAddr+"/transactions", r.URL.Path)
		assert.Equal(t, "helius-key", r.URL.Query().Get("api-key"))

		before := r.URL.Query().Get("before")
		befores = append(befores, before)

		var page []map[string]any
		switch before {
		case "":
			page = heliusPage(0, 2, 1_700_000_100)
		case "sig-1":
			page = heliusPage(2, 2, 1_700_000_050)
		default:
			page = []map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	txs, err := c.FetchTransactions(context.Background(), testAddr, nil, 10)
	require.NoError(t, err)
	require.Len(t, txs, 4)

	assert.Equal(t, []string{"", "sig-1", "sig-3"}, befores)
	assert.Equal(t, "sig-0", txs[0].Signature)
	assert.Equal(t, "sig-3", txs[3].Signature)
	assert.True(t, txs[0].Success)
	assert.Equal(t, time.Unix(1_700_000_100, 0).UTC(), txs[0].BlockTime)
	require.Len(t, txs[0].Transfers, 1)
	assert.Equal(t, 12.5, txs[0].Transfers[0].Amount)
	assert.Equal(t, testAddr, txs[0].Transfers[0].Mint)
}

func TestFetchTransactions_StopsAtLimit(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(heliusPage(int(n)*10, limit, 1_700_000_000))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	txs, err := c.FetchTransactions(context.Background(), testAddr, nil, 3)
	require.NoError(t, err)
	assert.Len(t, txs, 3)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchTransactions_StopsAtSince(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// second record is older than since
		_ = json.NewEncoder(w).Encode(heliusPage(0, 2, 1_700_000_000))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	since := time.Unix(1_700_000_000, 0)

	txs, err := c.FetchTransactions(context.Background(), testAddr, &since, 50)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "sig-0", txs[0].Signature)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchTransactions_MillisecondTimestampAndFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"signature":"s1","timestamp":1700000000123,"type":"TRANSFER",
			"feePayer":"w","transactionError":{"InstructionError":[0,"Custom"]},"tokenTransfers":[]}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	txs, err := c.FetchTransactions(context.Background(), testAddr, nil, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), txs[0].BlockTime)
	assert.False(t, txs[0].Success)
	assert.Empty(t, txs[0].Transfers)
}

func TestFetchTransactions_InvalidAddress(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	for _, addr := range []string{"", "not-an-address", "0OIl"} {
		_, err := c.FetchTransactions(context.Background(), addr, nil, 10)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, addr)
	}
	assert.Equal(t, int32(0), calls.Load())
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 1, ClampLimit(0))
	assert.Equal(t, 1, ClampLimit(-5))
	assert.Equal(t, 42, ClampLimit(42))
	assert.Equal(t, MaxTransactionLimit, ClampLimit(10_000))
}

// --- retry ---

func TestGetJSON_RetriesServerErrorThenSucceeds(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(521)
			return
		}
		_ = json.NewEncoder(w).Encode(heliusPage(0, 1, 1_700_000_000))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	txs, err := c.FetchTransactions(context.Background(), testAddr, nil, 1)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetJSON_RateLimitedExhaustsRetries(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.FetchTransactions(context.Background(), testAddr, nil, 1)
	require.Error(t, err)

	var ue *domain.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, domain.UpstreamRateLimited, ue.Kind)
	assert.Equal(t, http.StatusTooManyRequests, ue.Status)
	assert.Equal(t, int32(4), calls.Load())
}

func TestGetJSON_TimeoutExhaustsRetries(t *testing.T) {
	d := &timeoutDoer{}
	c := newTestClient(t, "http://provider.invalid", WithDoer(d))

	_, err := c.FetchPriceSnapshot(context.Background(), testAddr)
	require.Error(t, err)

	kind, ok := domain.UpstreamKindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.UpstreamTimeout, kind)
	assert.Equal(t, int32(testConfig("").Retry.MaxRetries+1), d.calls.Load())
}

type refusedDoer struct{}

func (refusedDoer) Do(req *http.Request) (*http.Response, error) {
	return nil, &url.Error{Op: "Get", URL: req.URL.String(), Err: errors.New("connect: connection refused")}
}

func TestGetJSON_TransportErrorHidesAPIKey(t *testing.T) {
	c := newTestClient(t, "http://provider.invalid", WithDoer(refusedDoer{}))

	_, err := c.FetchTransactions(context.Background(), testAddr, nil, 10)
	require.Error(t, err)

	kind, ok := domain.UpstreamKindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.UpstreamServerError, kind)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NotContains(t, err.Error(), "helius-key")
}

func TestGetJSON_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.FetchTransactions(context.Background(), testAddr, nil, 1)

	kind, ok := domain.UpstreamKindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.UpstreamClientError, kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetJSON_MalformedNotRetried(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.FetchTransactions(context.Background(), testAddr, nil, 1)

	kind, ok := domain.UpstreamKindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.UpstreamMalformedResponse, kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetJSON_CanceledContextStopsRetrying(t *testing.T) {
	d := &timeoutDoer{}
	c := newTestClient(t, "http://provider.invalid", WithDoer(d))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchPriceSnapshot(ctx, testAddr)
	require.Error(t, err)

	kind, ok := domain.UpstreamKindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.UpstreamTimeout, kind)
	assert.LessOrEqual(t, d.calls.Load(), int32(1))
}

// --- birdeye ---

func TestFetchPriceSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/defi/token_overview", r.URL.Path)
		assert.Equal(t, testAddr, r.URL.Query().Get("address"))
		assert.Equal(t, "birdeye-key", r.Header.Get("X-API-KEY"))
		assert.Equal(t, "solana", r.Header.Get("x-chain"))

		_, _ = w.Write([]byte(`{"success":true,"data":{"price":0.0042,"mc":1000,"realMc":4200,
			"v24hUSD":150000.5,"liquidity":32000,"holder":812}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	snap, err := c.FetchPriceSnapshot(context.Background(), testAddr)
	require.NoError(t, err)

	assert.Equal(t, testAddr, snap.Address)
	assert.Equal(t, 0.0042, snap.Price)
	assert.Equal(t, 4200.0, snap.MarketCap)
	assert.Equal(t, 150000.5, snap.Volume24h)
	assert.Equal(t, 32000.0, snap.Liquidity)
	assert.Equal(t, 812, snap.Holders)
	assert.False(t, snap.FetchedAt.IsZero())
}

func TestFetchPriceSnapshot_UnsuccessfulPayload(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"success":false,"message":"Not found"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.FetchPriceSnapshot(context.Background(), testAddr)

	kind, ok := domain.UpstreamKindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.UpstreamMalformedResponse, kind)
	assert.Equal(t, int32(1), calls.Load())
}
