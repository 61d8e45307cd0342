package router

import "testing"

func TestParseHostWeighted(t *testing.T) {
	r := ParseHost("api.example.com", "example.com")
	if r.Kind != RouteWeighted || r.Service != "api" {
		t.Fatalf("got %+v", r)
	}
}

func TestParseHostDirect(t *testing.T) {
	r := ParseHost("prod.api.example.com", "example.com")
	if r.Kind != RouteDirect || r.Service != "api" || r.ID != "prod" {
		t.Fatalf("got %+v", r)
	}
}

func TestParseHostStripsPort(t *testing.T) {
	r := ParseHost("api.example.com:8443", "example.com")
	if r.Kind != RouteWeighted || r.Service != "api" {
		t.Fatalf("got %+v", r)
	}
}

func TestParseHostBaseDomainIsNotARoute(t *testing.T) {
	r := ParseHost("example.com", "example.com")
	if r.Kind != RouteNone {
		t.Fatalf("expected base domain to fall through, got %+v", r)
	}
}

func TestParseHostUnrelatedDomainIsNotARoute(t *testing.T) {
	r := ParseHost("example.org", "example.com")
	if r.Kind != RouteNone {
		t.Fatalf("expected unrelated domain to fall through, got %+v", r)
	}
}

func TestParseHostTooDeepIsNotARoute(t *testing.T) {
	r := ParseHost("a.b.api.example.com", "example.com")
	if r.Kind != RouteNone {
		t.Fatalf("expected 3+ labels to fall through, got %+v", r)
	}
}

func TestParseHostRejectsEmptyLabels(t *testing.T) {
	cases := []string{
		".example.com",
		"..example.com",
		"a..b.example.com",
	}
	for _, h := range cases {
		if r := ParseHost(h, "example.com"); r.Kind != RouteNone {
			t.Fatalf("expected %q to fall through on empty label, got %+v", h, r)
		}
	}
}
