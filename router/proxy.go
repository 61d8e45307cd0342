package router

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/banksean/tenement"
)

// dialTimeout bounds the upstream connect for a single proxied request.
const dialTimeout = 5 * time.Second

// Resolver is the subset of *tenement.Hypervisor the proxy depends on; the
// interface keeps this package testable without a real runtime backend.
type Resolver interface {
	IsConfigured(service string) bool
	GetLive(service, id string) (*tenement.Instance, bool)
	RunningInstances(service string) []*tenement.Instance
	Wake(ctx context.Context, service, id string) (tenement.Endpoint, error)
}

// Proxy is the subdomain dispatcher mounted just inside the front door's
// tracing middleware: it
// inspects the Host header on every request and, if it resolves to a
// route, reverse-proxies to the selected instance instead of running the
// dashboard/API mux.
type Proxy struct {
	hv     Resolver
	domain string
}

// New builds a Proxy resolving routes against hv for base domain domain.
func New(hv Resolver, domain string) *Proxy {
	return &Proxy{hv: hv, domain: domain}
}

// Handler wraps fallback: requests whose Host does not resolve to a
// subdomain route are passed through untouched; everything else is
// resolved and proxied here, never reaching fallback.
func (p *Proxy) Handler(fallback http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := ParseHost(r.Host, p.domain)
		if route.Kind == RouteNone {
			fallback.ServeHTTP(w, r)
			return
		}
		p.serveRoute(w, r, route)
	})
}

func (p *Proxy) serveRoute(w http.ResponseWriter, r *http.Request, route Route) {
	ctx := r.Context()

	var (
		endpoint tenement.Endpoint
		inst     *tenement.Instance
	)

	switch route.Kind {
	case RouteDirect:
		live, ok := p.hv.GetLive(route.Service, route.ID)
		if ok {
			inst = live
			endpoint = live.Endpoint
			break
		}
		if !p.hv.IsConfigured(route.Service) {
			http.Error(w, "unknown service", http.StatusNotFound)
			return
		}
		woken, err := p.hv.Wake(ctx, route.Service, route.ID)
		if err != nil {
			slog.ErrorContext(ctx, "router.direct: wake failed", "service", route.Service, "id", route.ID, "error", err)
			http.Error(w, fmt.Sprintf("instance unavailable: %v", err), http.StatusServiceUnavailable)
			return
		}
		endpoint = woken

	case RouteWeighted:
		if !p.hv.IsConfigured(route.Service) {
			http.Error(w, "unknown service", http.StatusNotFound)
			return
		}
		running := p.hv.RunningInstances(route.Service)
		selected := tenement.SelectWeighted(running)
		if selected == nil {
			// Spec: weighted routes are never woken; no live instance is 503.
			http.Error(w, "no running instance", http.StatusServiceUnavailable)
			return
		}
		inst = selected
		endpoint = selected.Endpoint
	}

	if inst != nil {
		inst.Touch()
		inst.BeginRequest()
		defer inst.EndRequest()
	}

	p.proxyTo(w, r, endpoint)
}

// proxyTo builds a one-shot reverse proxy dialing endpoint's network/address
// and forwards r to it, preserving method, path+query, headers and the
// original Host (the canonical choice per the upstream instance's own
// auth is out of scope here).
func (p *Proxy) proxyTo(w http.ResponseWriter, r *http.Request, endpoint tenement.Endpoint) {
	network, address := endpoint.Addr()

	target := &url.URL{Scheme: "http", Host: "instance"}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: dialTimeout}
			return d.DialContext(ctx, network, address)
		},
	}

	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = r.Host
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		slog.ErrorContext(r.Context(), "router.proxy: upstream error", "network", network, "address", address, "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}

	rp.ServeHTTP(w, r)
}
