package httputil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Every JSON body is {status, data} or {status, error}
type Envelope struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *APIError `json:"error,omitempty"`
}

type APIError struct {
	Code    string `json:"code"` // example "invalid_input", "upstream_unavailable"
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// Body is encoded before any header is written, so an encoding failure still yields a clean 500
func JSON(w http.ResponseWriter, status int, body any, headers map[string]string) error {
	// No body -> 204
	if body == nil && status == http.StatusNoContent {
		setHeaders(w, headers)
		w.WriteHeader(status)
		return nil
	}

	env := Envelope{Status: StatusOK, Data: body}
	switch e := body.(type) {
	case *APIError:
		env = Envelope{Status: StatusError, Error: e}
	case APIError:
		env = Envelope{Status: StatusError, Error: &e}
	}

	buf, err := encode(env)
	if err != nil {
		buf, _ = encode(Envelope{Status: StatusError, Error: &APIError{Code: "internal", Message: "failed to encode response"}})
		status = http.StatusInternalServerError
		headers = nil
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	setHeaders(w, headers)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(status)

	if _, werr := w.Write(buf.Bytes()); werr != nil {
		return werr
	}
	return err
}

func Error(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) error {
	return JSON(w, status, &APIError{
		Code:    code,
		Message: message,
		Details: details,
		TraceID: middleware.GetReqID(r.Context()),
	}, map[string]string{
		"Cache-Control": "no-store",
	})
}

func encode(v any) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func setHeaders(w http.ResponseWriter, headers map[string]string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
}
