package main

import (
	"fmt"
	"strings"

	"github.com/banksean/tenement"
)

// oneShotHypervisor builds a Hypervisor against the daemon's own config
// file for a single CLI operation, the way the original tenement CLI
// rebuilds a Hypervisor fresh per invocation rather than talking to a
// running daemon over a control socket. No durable log store is attached;
// these commands never touch logs.
func oneShotHypervisor(cctx *Context) (*tenement.Hypervisor, func(), error) {
	cfg, err := tenement.LoadConfig(cctx.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	reg := buildRuntimeRegistry(cfg)
	hv := tenement.New(cfg, reg, nil)
	return hv, func() {}, nil
}

// parseInstanceRef splits "service:id" as used by stop/restart/health.
func parseInstanceRef(s string) (service, id string, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid instance reference %q, expected service:id", s)
	}
	return parts[0], parts[1], nil
}
