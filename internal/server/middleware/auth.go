package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type ctxKey int

const apiKeyCtx ctxKey = iota

// Auth returns middleware that requires a Bearer token or X-API-Key header
// matching one of keys on every mutating request. Reads (GET, HEAD, OPTIONS)
// pass through. An empty key list disables authentication.
func Auth(keys []string) func(http.Handler) http.Handler {
	accepted := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			accepted = append(accepted, []byte(k))
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if len(accepted) == 0 || readOnly(r.Method) {
				if token != "" && len(accepted) == 0 {
					r = r.WithContext(context.WithValue(r.Context(), apiKeyCtx, token))
				}
				next.ServeHTTP(w, r)
				return
			}
			if token == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
				return
			}
			if !matchAny(accepted, []byte(token)) {
				writeJSONError(w, http.StatusUnauthorized, "invalid authentication token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKeyCtx, token)))
		})
	}
}

// APIKey returns the key the request authenticated with, if any.
func APIKey(ctx context.Context) (string, bool) {
	k, ok := ctx.Value(apiKeyCtx).(string)
	return k, ok && k != ""
}

func readOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// matchAny compares against every key so timing does not reveal which one
// matched.
func matchAny(accepted [][]byte, token []byte) bool {
	found := 0
	for _, k := range accepted {
		found |= subtle.ConstantTimeCompare(token, k)
	}
	return found == 1
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, rest, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
