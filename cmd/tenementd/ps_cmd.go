package main

import "fmt"

type PsCmd struct{}

func (c *PsCmd) Run(cctx *Context) error {
	hv, cleanup, err := oneShotHypervisor(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	instances := hv.List()
	if len(instances) == 0 {
		fmt.Println("No running instances")
		return nil
	}

	fmt.Printf("%-24s %-30s %-10s %-10s\n", "INSTANCE", "ENDPOINT", "UPTIME", "HEALTH")
	for _, info := range instances {
		ref := fmt.Sprintf("%s:%s", info.Service, info.ID)
		fmt.Printf("%-24s %-30s %-10s %-10s\n", ref, info.Endpoint, formatUptime(info.UptimeSeconds), info.Health)
	}
	return nil
}

func formatUptime(secs int64) string {
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm", secs/60)
	case secs < 86400:
		return fmt.Sprintf("%dh", secs/3600)
	default:
		return fmt.Sprintf("%dd", secs/86400)
	}
}
