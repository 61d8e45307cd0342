package main

import (
	"context"
	"fmt"
)

type HealthCmd struct {
	Instance string `arg:"" help:"instance reference, service:id"`
}

func (c *HealthCmd) Run(cctx *Context) error {
	service, id, err := parseInstanceRef(c.Instance)
	if err != nil {
		return err
	}
	hv, cleanup, err := oneShotHypervisor(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	status, err := hv.CheckHealth(context.Background(), service, id)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	fmt.Printf("%s: %s\n", c.Instance, status)
	return nil
}
