package main

import (
	"context"
	"fmt"
)

type StopCmd struct {
	Instance string `arg:"" help:"instance reference, service:id"`
}

func (c *StopCmd) Run(cctx *Context) error {
	service, id, err := parseInstanceRef(c.Instance)
	if err != nil {
		return err
	}
	hv, cleanup, err := oneShotHypervisor(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := hv.Stop(context.Background(), service, id); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	fmt.Printf("Stopped %s\n", c.Instance)
	return nil
}
