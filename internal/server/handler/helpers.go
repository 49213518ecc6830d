// Package handler holds the HTTP handlers of the operator and trade API.
// Each handler declares the narrow service interface it needs.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// writeJSON marshals v and writes it with status. A marshal failure becomes
// a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps the domain taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStaleQuote), errors.Is(err, domain.ErrRiskRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrHedgeExecutionFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrHedgeTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// kindOf names the sentinel for the response body.
func kindOf(err error) string {
	var re *domain.RejectError
	if errors.As(err, &re) {
		return re.Kind.Error()
	}
	for _, k := range []error{
		domain.ErrValidation, domain.ErrNotFound, domain.ErrStaleQuote, domain.ErrRiskRejected,
		domain.ErrHedgeTimeout, domain.ErrHedgeExecutionFailed, domain.ErrAlreadyResolved,
		domain.ErrAlreadyExists, domain.ErrRateLimited, domain.ErrUnauthorized,
	} {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "internal server error"
}

// writeDomainError answers with the mapped status. Internal failures are
// logged and hidden from the caller.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusGatewayTimeout {
		logger.ErrorContext(r.Context(), op+" failed", slog.String("error", err.Error()))
		writeError(w, status, "internal server error")
		return
	}
	writeJSON(w, status, errorBody{Error: kindOf(err), Reason: domain.Reason(err)})
}

// decodeJSON reads a size-limited JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Reject(domain.ErrValidation, "invalid request body: %v", err)
	}
	return nil
}

// parseListOpts reads limit (default 50, max 500), offset, since and until
// (RFC 3339) from the query string.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()
	opts := domain.ListOpts{Limit: 50}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, domain.Reject(domain.ErrValidation, "limit must be a positive integer")
		}
		opts.Limit = min(n, 500)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, domain.Reject(domain.ErrValidation, "offset must be a non-negative integer")
		}
		opts.Offset = n
	}
	var err error
	if opts.Since, err = parseTime(q.Get("since"), "since"); err != nil {
		return opts, err
	}
	if opts.Until, err = parseTime(q.Get("until"), "until"); err != nil {
		return opts, err
	}
	return opts, nil
}

func parseTime(v, name string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, domain.Reject(domain.ErrValidation, "%s must be RFC 3339: %v", name, err)
	}
	return &t, nil
}

// nonNil keeps empty lists rendering as [] instead of null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func requirePath(r *http.Request, name string) (string, error) {
	v := r.PathValue(name)
	if v == "" {
		return "", fmt.Errorf("missing %s: %w", name, domain.ErrValidation)
	}
	return v, nil
}
