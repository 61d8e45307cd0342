package main

import (
	"fmt"
	"sort"

	"github.com/banksean/tenement"
)

// ConfigCmd prints the resolved configuration, mirroring the original
// CLI's plain-text config dump.
type ConfigCmd struct{}

func (c *ConfigCmd) Run(cctx *Context) error {
	cfg, err := tenement.LoadConfig(cctx.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Printf("Data dir: %s\n", cfg.Settings.DataDir)
	fmt.Printf("Health interval: %ds\n", cfg.Settings.HealthCheckInterval)
	fmt.Printf("Max restarts: %d (window %ds)\n", cfg.Settings.MaxRestarts, cfg.Settings.RestartWindow)
	fmt.Printf("Routing domain: %s\n", cfg.Routing.Domain)

	names := make([]string, 0, len(cfg.Services))
	for name := range cfg.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("\nServices:")
	for _, name := range names {
		spec := cfg.Services[name]
		fmt.Printf("  [%s]\n", name)
		fmt.Printf("    command: %s %v\n", spec.Command, spec.Args)
		fmt.Printf("    isolation: %s\n", spec.Isolation)
		fmt.Printf("    socket: %s\n", spec.SocketTemplate)
	}
	return nil
}
