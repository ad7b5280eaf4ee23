package handlers

import (
	"context"
	"net/http"
	"time"

	"tokenpulse/pkg/httputil"
)

const readinessTimeout = 5 * time.Second

// Liveness only, never touches dependencies
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	err := httputil.JSON(w, http.StatusOK, map[string]any{
		"uptime_sec": int64(time.Since(h.started).Seconds()),
	}, nil)
	if err != nil {
		h.Log.Errorf("Healthz handler error: %s", err.Error())
	}
}

// Cache store and broadcaster must answer within readinessTimeout
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if err := h.Analyzer.CheckDependency(ctx); err != nil {
		h.Log.Warnf("Readiness check failed: %v", err)

		err = httputil.Error(w, r, http.StatusServiceUnavailable, "dependencies_unhealthy", "dependencies check failed", map[string]any{
			"error": err.Error(),
		})
		if err != nil {
			h.Log.Errorf("Readiness handler error: %s", err.Error())
		}
		return
	}

	if err := httputil.JSON(w, http.StatusOK, map[string]string{"dependencies": "healthy"}, nil); err != nil {
		h.Log.Errorf("Readiness handler error: %s", err.Error())
	}
}
