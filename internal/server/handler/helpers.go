package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/campusclash/internal/domain"
	"github.com/alanyoungcy/campusclash/internal/server/middleware"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorBody is the JSON shape of a service failure.
type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Shortfall int64  `json:"shortfall,omitempty"`
}

// writeServiceError maps a service error onto an HTTP status. Unexpected
// errors are logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, status, op+" failed")
		return
	}

	body := errorBody{Error: err.Error(), Code: code}
	var ife *domain.InsufficientFundsError
	if errors.As(err, &ife) {
		body.Shortfall = ife.Shortfall()
	}
	if status == http.StatusServiceUnavailable {
		logger.WarnContext(r.Context(), "handler: "+op+" transaction failed",
			slog.String("error", err.Error()),
		)
		body.Error = "transaction failed, retry the request"
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, domain.ErrMarketClosed):
		return http.StatusConflict, "market_closed"
	case errors.Is(err, domain.ErrAlreadySettled):
		return http.StatusConflict, "already_settled"
	case errors.Is(err, domain.ErrConflictingPosition):
		return http.StatusConflict, "conflicting_position"
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, domain.ErrTransactionFailed):
		return http.StatusServiceUnavailable, "transaction_failed"
	}
	return http.StatusInternalServerError, "internal"
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("invalid request body: trailing data")
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{Limit: limit, Offset: offset}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = &t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Until = &t
		}
	}
	return opts
}

// callerID returns the authenticated caller, writing a 401 when absent.
func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := middleware.CallerID(r.Context())
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing caller identity")
		return "", false
	}
	return id, true
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
