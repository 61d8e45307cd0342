package main

import (
	"context"
	"fmt"
)

type RestartCmd struct {
	Instance string `arg:"" help:"instance reference, service:id"`
}

func (c *RestartCmd) Run(cctx *Context) error {
	service, id, err := parseInstanceRef(c.Instance)
	if err != nil {
		return err
	}
	hv, cleanup, err := oneShotHypervisor(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := hv.Restart(context.Background(), service, id); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	if inst, ok := hv.GetLive(service, id); ok {
		fmt.Printf("Restarted %s\nEndpoint: %s\n", c.Instance, inst.Endpoint)
		return nil
	}
	fmt.Printf("Restarted %s\n", c.Instance)
	return nil
}
