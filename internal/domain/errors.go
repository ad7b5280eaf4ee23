package domain

import (
	"errors"
	"fmt"
)

// Malformed address or window; rejected before any I/O, never retried
var ErrInvalidInput = errors.New("invalid input")

type UpstreamKind string

const (
	UpstreamTimeout           UpstreamKind = "timeout"
	UpstreamRateLimited       UpstreamKind = "rate_limited"
	UpstreamServerError       UpstreamKind = "server_error"
	UpstreamClientError       UpstreamKind = "client_error"
	UpstreamMalformedResponse UpstreamKind = "malformed_response"
)

// Failure talking to a data provider
type UpstreamError struct {
	Provider string
	Kind     UpstreamKind
	Status   int // HTTP status when available
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s: %s (status=%d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Timeouts, rate limits and 5xx are worth another attempt
func (e *UpstreamError) Transient() bool {
	switch e.Kind {
	case UpstreamTimeout, UpstreamRateLimited, UpstreamServerError:
		return true
	default:
		return false
	}
}

type AnalysisReason string

const (
	ReasonUpstreamUnavailable AnalysisReason = "upstream_unavailable"
	ReasonCacheCorrupt        AnalysisReason = "cache_corrupt"
)

// Terminal failure of one metrics request
type AnalysisError struct {
	Reason AnalysisReason
	Err    error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis failed: %s: %v", e.Reason, e.Err)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// Reports the UpstreamError kind inside err, if any
func UpstreamKindOf(err error) (UpstreamKind, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind, true
	}
	return "", false
}
