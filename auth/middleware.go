package auth

import (
	"net/http"
	"strings"
)

// publicPaths never require a Bearer token: dashboard shell, static assets,
// health and metrics.
var publicPaths = []string{"/", "/health", "/metrics"}

func isPublic(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return strings.HasPrefix(path, "/assets/")
}

// Middleware enforces Bearer-token auth on every request except the public
// paths; it never runs on subdomain routes, which short-circuit before it
// (the instance is responsible for its own auth).
func Middleware(store *TokenStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		valid, err := store.Verify(r.Context(), token)
		if err != nil {
			http.Error(w, "auth check failed", http.StatusInternalServerError)
			return
		}
		if !valid {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimPrefix(h, prefix)
	if token == "" {
		return "", false
	}
	return token, true
}
