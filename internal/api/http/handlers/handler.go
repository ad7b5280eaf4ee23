package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tokenpulse/internal/domain"
	"tokenpulse/pkg/httputil"

	"gitlab.com/nevasik7/alerting/logger"
)

// Analyzer operations exposed over HTTP
type Analyzer interface {
	GetMetrics(ctx context.Context, address string, w domain.Window) (*domain.MetricsSummary, error)
	Invalidate(ctx context.Context, address string) (int, error)
	RecommendedWindow(minutes int) domain.Window
	CheckDependency(ctx context.Context) error
}

type Handler struct {
	Log      logger.Logger
	Analyzer Analyzer

	started time.Time
}

func NewHandler(log logger.Logger, analyzer Analyzer) *Handler {
	if analyzer == nil {
		panic("analyzer cannot be nil")
	}

	return &Handler{Log: log, Analyzer: analyzer, started: time.Now()}
}

// Maps the error taxonomy onto HTTP statuses
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status  int
		code    string
		details any
	)

	var ae *domain.AnalysisError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.As(err, &ae):
		status, code = http.StatusServiceUnavailable, string(ae.Reason)
		if kind, ok := domain.UpstreamKindOf(err); ok {
			details = map[string]string{"upstream": string(kind)}
		}
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return // client is gone
	default:
		status, code = http.StatusInternalServerError, "internal"
	}

	if status >= http.StatusInternalServerError {
		h.Log.Errorf("Request %s %s failed: %v", r.Method, r.URL.Path, err)
	}

	if werr := httputil.Error(w, r, status, code, err.Error(), details); werr != nil {
		h.Log.Errorf("Failed to write error response: %v", werr)
	}
}
