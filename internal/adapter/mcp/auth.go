package mcp

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// apiKeyHeader lets MCP clients that cannot set Authorization pass the key.
const apiKeyHeader = "X-API-Key"

// requireAPIKey guards the MCP transport. The key may arrive as
// "Authorization: Bearer <key>" or in X-API-Key. Missing credentials get 401
// with a Bearer challenge; a wrong key gets 403. An empty apiKey disables the
// check.
func requireAPIKey(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	want := []byte(apiKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := presentedKey(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="replyforge-mcp"`)
			http.Error(w, "missing api key", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			http.Error(w, "invalid api key", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func presentedKey(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, found := strings.Cut(auth, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return "", false
		}
		token = strings.TrimSpace(token)
		return token, token != ""
	}
	if key := r.Header.Get(apiKeyHeader); key != "" {
		return key, true
	}
	return "", false
}
