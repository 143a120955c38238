package pairing

import (
	"context"
	"sync"
	"time"

	"github.com/jask/devicelink/internal/agent"
)

type healthChecked struct{ state LivenessState }
type metadataFetched struct{ name, iconURL string }

// monitor runs the configured screen's two cadences: agent health on
// HealthPeriod and name/icon refresh on RefreshPeriod. The cadences are
// independent tasks — a slow ping never delays a metadata refresh — but
// share one context, so cancelling it tears both down together. run
// returns only after both loops have stopped; nothing fires afterwards.
type monitor struct {
	agent agent.Agent
	probe *Probe
	cfg   Config
}

func (m *monitor) run(ctx context.Context, out chan<- any) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.healthLoop(ctx, out)
	}()
	go func() {
		defer wg.Done()
		m.refreshLoop(ctx, out)
	}()
	wg.Wait()
}

func (m *monitor) healthLoop(ctx context.Context, out chan<- any) {
	ticker := time.NewTicker(m.cfg.HealthPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn, err := m.probe.CheckDetail(ctx)
			state := LivenessState{Active: conn.Reachable, LastCheckedAt: conn.CheckedAt}
			if err != nil {
				state.LastError = err.Error()
			} else if !conn.Reachable {
				state.LastError = "agent reported non-success status"
			}
			send(ctx, out, healthChecked{state: state})
		}
	}
}

// refreshLoop refetches name and icon together; if either lookup fails
// the previous values stay untouched and no event is emitted.
func (m *monitor) refreshLoop(ctx context.Context, out chan<- any) {
	ticker := time.NewTicker(m.cfg.RefreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			name, err := m.agent.MachineInfo(ctx, agent.KeyMachineName)
			if err != nil {
				continue
			}
			icon, err := m.agent.MachineInfo(ctx, agent.KeyMachineIcon)
			if err != nil {
				continue
			}
			send(ctx, out, metadataFetched{name: name, iconURL: icon})
		}
	}
}
