package tenement

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// Wake spawns a configured-but-not-running instance on demand, coalescing
// concurrent wakers for the same id into a single spawn via singleflight:
// the second caller observes the in-flight call's result rather than
// launching a duplicate, satisfying the invariant that at most one Instance
// per InstanceId exists at any instant.
func (h *Hypervisor) Wake(ctx context.Context, service, id string) (Endpoint, error) {
	if inst, ok := h.GetLive(service, id); ok {
		inst.Touch()
		return inst.Endpoint, nil
	}

	spec, ok := h.resolveSpec(service)
	if !ok {
		return Endpoint{}, wrapErr("Wake", KindConfigInvalid, fmt.Errorf("service %q is not configured", service))
	}

	key := NewInstanceId(service, id)
	result, err, _ := h.wakeGroup.Do(key.String(), func() (any, error) {
		return h.Spawn(ctx, service, id, nil)
	})
	if err != nil {
		return Endpoint{}, err
	}
	endpoint := result.(Endpoint)

	timeout := time.Duration(spec.StartupTimeout) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(defaultStartupTimeout) * time.Second
	}
	if !waitForEndpoint(ctx, endpoint, timeout) {
		return Endpoint{}, wrapErr("Wake", KindSpawn, ErrSpawnTimeout)
	}

	if inst, ok := h.GetLive(service, id); ok {
		inst.Touch()
	}
	return endpoint, nil
}
