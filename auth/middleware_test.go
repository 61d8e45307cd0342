package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func middlewareFixture(t *testing.T) (*TokenStore, string, http.Handler) {
	t.Helper()
	store := NewTokenStore(newMemConfigStore())
	token, err := store.GenerateAndStore(context.Background())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return store, token, Middleware(store, ok)
}

func TestMiddlewarePublicPathsBypassAuth(t *testing.T) {
	_, _, handler := middlewareFixture(t)
	for _, path := range []string{"/", "/health", "/metrics", "/assets/app.css"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("path %s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	_, _, handler := middlewareFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	_, token, handler := middlewareFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsWrongToken(t *testing.T) {
	_, _, handler := middlewareFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsMalformedAuthorizationHeader(t *testing.T) {
	_, token, handler := middlewareFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	req.Header.Set("Authorization", token) // missing "Bearer " prefix
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
