//go:build ignore

// Run: go run ./build-tools/loadgen.go -addr http://localhost:8080 -rps 50 -duration 60s -tokens <mint>,<mint> -token $(go run ./cmd/tokenpulse -mint-token loadgen)

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	mrand "math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// Rolling dashboards poll a handful of windows; identical windows should coalesce server side
var windows = []int{5, 15, 60, 240}

type stats struct {
	mu        sync.Mutex
	latencies []time.Duration
	byStatus  map[int]int64
	failed    atomic.Int64
}

func (s *stats) record(status int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies = append(s.latencies, d)
	s.byStatus[status]++
}

func main() {
	var (
		addr     = flag.String("addr", "http://localhost:8080", "tokenpulse base url")
		rps      = flag.Int("rps", 50, "requests per second target")
		workers  = flag.Int("workers", 16, "concurrent requests")
		duration = flag.Duration("duration", 30*time.Second, "how long to run")
		tokens   = flag.String("tokens", "", "comma-separated token mint addresses")
		token    = flag.String("token", "", "bearer token when the api requires JWT")
	)
	flag.Parse()

	mints := splitTrim(*tokens)
	if len(mints) == 0 {
		fmt.Println("no tokens provided")
		os.Exit(1)
	}

	fmt.Printf("loadgen → addr=%s rps=%d workers=%d duration=%s tokens=%d\n", *addr, *rps, *workers, duration.String(), len(mints))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), 1)
	client := &http.Client{Timeout: 60 * time.Second}
	st := &stats{byStatus: make(map[int]int64)}

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}

				url := fmt.Sprintf("%s/api/tokens/%s/metrics?minutes=%d",
					*addr, mints[mrand.Intn(len(mints))], windows[mrand.Intn(len(windows))])

				req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
				if *token != "" {
					req.Header.Set("Authorization", "Bearer "+*token)
				}

				start := time.Now()
				resp, err := client.Do(req)
				if err != nil {
					if ctx.Err() == nil {
						st.failed.Add(1)
					}
					continue
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()

				st.record(resp.StatusCode, time.Since(start))
			}
		}()
	}

	wg.Wait()
	report(st)
}

func report(st *stats) {
	st.mu.Lock()
	defer st.mu.Unlock()

	fmt.Printf("done: requests=%d transport_errors=%d\n", len(st.latencies), st.failed.Load())
	for code, n := range st.byStatus {
		fmt.Printf("  status %d: %d\n", code, n)
	}
	if len(st.latencies) == 0 {
		return
	}

	sort.Slice(st.latencies, func(i, j int) bool { return st.latencies[i] < st.latencies[j] })
	pct := func(p float64) time.Duration {
		return st.latencies[int(p*float64(len(st.latencies)-1))]
	}
	fmt.Printf("  p50=%s p95=%s p99=%s max=%s\n", pct(0.50), pct(0.95), pct(0.99), st.latencies[len(st.latencies)-1])
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
