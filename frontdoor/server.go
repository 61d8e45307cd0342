// Package frontdoor is the HTTPS entry point: TLS termination, the
// middleware chain (tracing, subdomain dispatch, auth), and the
// dashboard/API handlers mounted on the base domain.
package frontdoor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/banksean/tenement"
	"github.com/banksean/tenement/auth"
	"github.com/banksean/tenement/logstore"
	"github.com/banksean/tenement/router"
)

const shutdownTimeout = 10 * time.Second

// Server owns the front door's two listeners (80 redirect, 443 TLS) and the
// composed handler chain.
type Server struct {
	hv     *tenement.Hypervisor
	tokens *auth.TokenStore
	store  *logstore.Store
	domain string
	proxy  *router.Proxy

	certCacheDir string
}

// NewServer builds a Server for base domain domain, persisting ACME
// certificates under certCacheDir.
func NewServer(hv *tenement.Hypervisor, tokens *auth.TokenStore, store *logstore.Store, domain, certCacheDir string) *Server {
	return &Server{
		hv:           hv,
		tokens:       tokens,
		store:        store,
		domain:       domain,
		proxy:        router.New(hv, domain),
		certCacheDir: certCacheDir,
	}
}

// Handler builds the full middleware chain, outermost first: request
// tracing, then the subdomain dispatcher (which short-circuits before any
// route below it), then auth, then the dashboard/API mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("/assets/", s.handleAssets)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/api/instances", s.handleInstances)
	mux.HandleFunc("/api/instances/", s.handleInstanceStorage)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/logs/stream", s.handleLogsStream)

	authed := auth.Middleware(s.tokens, mux)
	dispatched := s.proxy.Handler(authed)
	return tracingMiddleware(dispatched)
}

// ListenAndServe runs the ACME-terminated HTTPS listener on 443 and the
// HTTP-to-HTTPS redirect on 80, blocking until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.domain, "*."+s.domain),
		Cache:      autocert.DirCache(s.certCacheDir),
	}

	httpsServer := &http.Server{
		Addr:      ":443",
		Handler:   s.Handler(),
		TLSConfig: m.TLSConfig(),
	}

	redirectServer := &http.Server{
		Addr:    ":80",
		Handler: m.HTTPHandler(nil),
	}

	errCh := make(chan error, 2)
	go func() {
		slog.InfoContext(ctx, "frontdoor.listen", "addr", httpsServer.Addr, "domain", s.domain)
		errCh <- httpsServer.ListenAndServeTLS("", "")
	}()
	go func() {
		slog.InfoContext(ctx, "frontdoor.listen", "addr", redirectServer.Addr)
		errCh <- redirectServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		httpsServer.Shutdown(shutdownCtx)
		redirectServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("frontdoor: server error: %w", err)
		}
		return nil
	}
}
