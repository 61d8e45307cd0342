package main

import (
	"context"
	"fmt"
	"time"

	"github.com/goombaio/namegenerator"
)

// SpawnCmd spawns a new instance of a configured service, building a
// throwaway Hypervisor against the same config the daemon uses. Spawning
// this way starts the child process and returns; it does not hand the
// instance to any running daemon's supervision loops (see DESIGN.md).
type SpawnCmd struct {
	Service string `arg:"" help:"service name from the configuration file"`
	ID      string `short:"i" help:"instance id; a random name is generated if omitted"`
}

func (c *SpawnCmd) Run(cctx *Context) error {
	hv, cleanup, err := oneShotHypervisor(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if c.ID == "" {
		c.ID = namegenerator.NewNameGenerator(time.Now().UTC().UnixNano()).Generate()
	}

	ep, err := hv.Spawn(context.Background(), c.Service, c.ID, nil)
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}
	fmt.Printf("Spawned %s:%s\n", c.Service, c.ID)
	fmt.Printf("Endpoint: %s\n", ep)
	return nil
}
