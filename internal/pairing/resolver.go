package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jask/devicelink/internal/agent"
)

// ErrResolveTimeout reports that the deadline won the race. Callers must
// route it to the timed-out screen, never the generic failure screen.
var ErrResolveTimeout = errors.New("identity resolution timed out")

// Resolver fetches the device's permanent identity under a hard deadline.
type Resolver struct {
	Agent agent.Agent
}

// Resolve races the identity fetch against the deadline. Exactly one of
// three outcomes is returned: the identity, ErrResolveTimeout, or the
// fetch's own error. First to settle wins; the loser is cancelled, not
// left running — a stray timeout must never fire after success, and a
// fetch must not keep an in-flight call alive after the deadline.
func (r *Resolver) Resolve(ctx context.Context, within time.Duration) (DeviceIdentity, error) {
	type result struct {
		identity DeviceIdentity
		err      error
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result, 1)
	go func() {
		id, err := r.fetch(fetchCtx)
		results <- result{identity: id, err: err}
	}()

	deadline := time.NewTimer(within)
	defer deadline.Stop()

	select {
	case <-ctx.Done():
		return DeviceIdentity{}, ctx.Err()
	case <-deadline.C:
		cancel()
		return DeviceIdentity{}, ErrResolveTimeout
	case res := <-results:
		deadline.Stop()
		if res.err != nil {
			return DeviceIdentity{}, fmt.Errorf("resolve identity: %w", res.err)
		}
		return res.identity, nil
	}
}

// fetch retrieves the machine id plus display metadata. The id is
// required; name and icon fall back to placeholders, the liveness loop
// refreshes them once the device is configured.
func (r *Resolver) fetch(ctx context.Context) (DeviceIdentity, error) {
	id, err := r.Agent.MachineID(ctx)
	if err != nil {
		return DeviceIdentity{}, err
	}
	if id == "" {
		id = "-"
	}

	identity := DeviceIdentity{ID: id, Name: "-"}
	if name, err := r.Agent.MachineInfo(ctx, agent.KeyMachineName); err == nil && name != "" {
		identity.Name = name
	}
	if icon, err := r.Agent.MachineInfo(ctx, agent.KeyMachineIcon); err == nil {
		identity.IconURL = icon
	}
	return identity, nil
}
