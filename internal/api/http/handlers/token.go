package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tokenpulse/internal/domain"
	"tokenpulse/pkg/httputil"

	"github.com/go-chi/chi/v5"
)

// GET /api/tokens/{address}/metrics?minutes=N or ?from=<unix>&to=<unix>
func (h *Handler) TokenMetrics(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	win, err := h.parseWindow(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	summary, err := h.Analyzer.GetMetrics(r.Context(), address, win)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	headers := map[string]string{"Cache-Control": "no-cache"}
	if summary.Stale {
		headers["Warning"] = `110 - "stale metrics, upstream unavailable"`
	}

	if err = httputil.JSON(w, http.StatusOK, summary, headers); err != nil {
		h.Log.Errorf("TokenMetrics handler error: %s", err.Error())
	}
}

// DELETE /api/tokens/{address}/cache
func (h *Handler) InvalidateToken(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	n, err := h.Analyzer.Invalidate(r.Context(), address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.Log.Infof("Invalidated %d cache entries for %s", n, address)

	err = httputil.JSON(w, http.StatusOK, map[string]any{
		"address":     address,
		"invalidated": n,
	}, nil)
	if err != nil {
		h.Log.Errorf("InvalidateToken handler error: %s", err.Error())
	}
}

func (h *Handler) parseWindow(r *http.Request) (domain.Window, error) {
	q := r.URL.Query()

	from, to := q.Get("from"), q.Get("to")
	if from != "" || to != "" {
		if from == "" || to == "" {
			return domain.Window{}, fmt.Errorf("%w: from and to must be given together", domain.ErrInvalidInput)
		}

		f, err := parseUnix(from)
		if err != nil {
			return domain.Window{}, err
		}
		t, err := parseUnix(to)
		if err != nil {
			return domain.Window{}, err
		}
		return domain.Window{From: f, To: t}, nil
	}

	minutes := 0
	if m := q.Get("minutes"); m != "" {
		v, err := strconv.Atoi(m)
		if err != nil || v <= 0 {
			return domain.Window{}, fmt.Errorf("%w: minutes must be a positive integer, got %q", domain.ErrInvalidInput, m)
		}
		minutes = v
	}

	return h.Analyzer.RecommendedWindow(minutes), nil
}

func parseUnix(s string) (time.Time, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return time.Time{}, fmt.Errorf("%w: bad unix timestamp %q", domain.ErrInvalidInput, s)
	}
	return time.Unix(v, 0).UTC(), nil
}
