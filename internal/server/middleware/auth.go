package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// AuthConfig selects the keys the API accepts. Reads accept either key;
// anything else (settling an order) needs WriteKey, or ReadKey when WriteKey
// is empty. With both keys empty every request passes.
type AuthConfig struct {
	ReadKey  string
	WriteKey string
	// Public paths skip authentication entirely.
	Public []string
	// TokenQueryPaths may carry the key in a "token" query parameter, since
	// browsers cannot set headers on a websocket upgrade.
	TokenQueryPaths []string
}

// Auth returns middleware that checks a Bearer token in the Authorization
// header or a key in the X-API-Key header against cfg.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	public := pathSet(cfg.Public)
	queryOK := pathSet(cfg.TokenQueryPaths)
	writeKey := cfg.WriteKey
	if writeKey == "" {
		writeKey = cfg.ReadKey
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if writeKey == "" || public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" && queryOK[r.URL.Path] {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
				return
			}

			isWrite := keyMatches(token, writeKey)
			if !isWrite && !keyMatches(token, cfg.ReadKey) {
				writeJSONError(w, http.StatusUnauthorized, "invalid authentication token")
				return
			}
			if !isWrite && !isRead(r.Method) {
				writeJSONError(w, http.StatusForbidden, "this key is read-only")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func pathSet(paths []string) map[string]bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return set
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// keyMatches compares in constant time. An empty key never matches.
func keyMatches(token, key string) bool {
	return key != "" && subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
