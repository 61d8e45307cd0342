// Package router implements subdomain parsing and request proxying for the
// hypervisor's HTTPS front door: it maps a request Host header to a running
// instance and forwards bytes, waking instances on demand.
package router

import "strings"

// RouteKind distinguishes the two subdomain shapes a host can resolve to.
type RouteKind int

const (
	// RouteNone means h is not a subdomain request under the base domain;
	// the caller should fall through to the dashboard/API router.
	RouteNone RouteKind = iota
	// RouteWeighted is "<service>.<domain>": proxy to one of service's
	// running instances, selected at random weighted by instance weight.
	RouteWeighted
	// RouteDirect is "<id>.<service>.<domain>": proxy to that exact
	// instance, waking it if it is not currently running.
	RouteDirect
)

// Route is the resolved shape of a Host header.
type Route struct {
	Kind    RouteKind
	Service string
	ID      string
}

// ParseHost maps a request host to a Route against base domain d, after
// stripping an optional trailing ":port". Any host that is d itself, does
// not end in "."+d, or carries more than one extra label left of d is
// RouteNone. Empty labels (e.g. "..d", ".d", "a..b.d") are also RouteNone.
func ParseHost(host, d string) Route {
	if i := strings.IndexByte(host, ':'); i != -1 {
		host = host[:i]
	}
	if host == "" || d == "" || host == d {
		return Route{Kind: RouteNone}
	}

	suffix := "." + d
	if !strings.HasSuffix(host, suffix) {
		return Route{Kind: RouteNone}
	}

	prefix := strings.TrimSuffix(host, suffix)
	if prefix == "" {
		return Route{Kind: RouteNone}
	}

	labels := strings.Split(prefix, ".")
	for _, l := range labels {
		if l == "" {
			return Route{Kind: RouteNone}
		}
	}

	switch len(labels) {
	case 1:
		return Route{Kind: RouteWeighted, Service: labels[0]}
	case 2:
		return Route{Kind: RouteDirect, ID: labels[0], Service: labels[1]}
	default:
		return Route{Kind: RouteNone}
	}
}
