package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"syscall"

	"github.com/banksean/tenement"
	"github.com/banksean/tenement/auth"
	"github.com/banksean/tenement/frontdoor"
	"github.com/banksean/tenement/logstore"
	"github.com/banksean/tenement/runtime"
)

// DaemonCmd loads the configuration, wires every subsystem, and serves
// HTTPS on the front door until signaled.
type DaemonCmd struct{}

func (c *DaemonCmd) Run(cctx *Context) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := tenement.LoadConfig(cctx.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := logstore.Open(ctx, filepath.Join(cfg.Settings.DataDir, "tenement.db"))
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	defer store.Close()

	reg := buildRuntimeRegistry(cfg)
	hv := tenement.New(cfg, reg, store)

	hv.StartBackgroundLoops(ctx)
	defer hv.Shutdown()

	hv.BootAutoSpawns(ctx)

	tokens := auth.NewTokenStore(store)
	hasToken, err := tokens.HasToken(ctx)
	if err != nil {
		return fmt.Errorf("check api token: %w", err)
	}
	if !hasToken {
		token, err := tokens.GenerateAndStore(ctx)
		if err != nil {
			return fmt.Errorf("generate api token: %w", err)
		}
		slog.InfoContext(ctx, "daemon: generated new api token; save it now, it will not be shown again", "token", token)
	}

	certCacheDir := filepath.Join(cfg.Settings.DataDir, "acme-cache")
	if err := os.MkdirAll(certCacheDir, 0o755); err != nil {
		return fmt.Errorf("create cert cache dir: %w", err)
	}

	if cfg.Routing.Domain == "" {
		return fmt.Errorf("routing.domain must be set")
	}

	tp, err := frontdoor.NewTracerProvider(ctx, "")
	if err != nil {
		return fmt.Errorf("build tracer provider: %w", err)
	}
	defer tp.Shutdown(context.Background())

	srv := frontdoor.NewServer(hv, tokens, store, cfg.Routing.Domain, certCacheDir)
	slog.InfoContext(ctx, "daemon: starting", "domain", cfg.Routing.Domain, "data_dir", cfg.Settings.DataDir)
	return srv.ListenAndServe(ctx)
}

// buildRuntimeRegistry registers every isolation backend available on this
// host; IsAvailable() gates each one at spawn time, so registering one that
// turns out to be unsupported here only surfaces as a per-spawn error.
func buildRuntimeRegistry(cfg *tenement.Config) *runtime.Registry {
	runDir := filepath.Join(cfg.Settings.DataDir, "run")

	backends := []runtime.Backend{runtime.NewProcessBackend()}
	if goruntime.GOOS == "linux" {
		backends = append(backends, runtime.NewNamespaceBackend())
	}
	backends = append(backends,
		runtime.NewSandboxBackend(filepath.Join(runDir, "runsc-state"), filepath.Join(runDir, "runsc-bundles")),
		runtime.NewFirecrackerBackend("firecracker", filepath.Join(runDir, "firecracker")),
		runtime.NewQEMUBackend("", filepath.Join(runDir, "qemu")),
	)
	return runtime.NewRegistry(backends...)
}
