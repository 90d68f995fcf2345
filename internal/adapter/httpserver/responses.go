// Package httpserver contains the gateway's HTTP handlers and middleware.
// It keeps HTTP concerns (decoding, status mapping, headers) out of the task
// service underneath.
package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Muxite/webrag/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrQuotaExceeded):
		code = http.StatusTooManyRequests
		codeStr = "QUOTA_EXCEEDED"
	case errors.Is(err, domain.ErrBrokerUnavailable):
		codeStr = "BROKER_UNAVAILABLE"
		msg = "task queue is unavailable, retry later"
	case errors.Is(err, domain.ErrStoreUnavailable):
		codeStr = "STORE_UNAVAILABLE"
		msg = "task store is unavailable, retry later"
	default:
		msg = "internal error"
	}
	// 5xx causes go to the log; the body carries only a stable message.
	if code >= http.StatusInternalServerError {
		slog.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", codeStr),
			slog.Any("error", err))
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: msg, Details: details}})
}
