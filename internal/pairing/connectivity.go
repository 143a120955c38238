package pairing

import (
	"context"
	"time"

	"github.com/jask/devicelink/internal/agent"
)

// Probe answers one question: is the agent reachable right now. Failures
// never escape as errors; they degrade to Reachable=false.
type Probe struct {
	Agent agent.Agent
}

// Check issues a single ping. Reachable is true iff the call succeeds and
// the agent reports a success code.
func (p *Probe) Check(ctx context.Context) ConnectivityState {
	state, _ := p.CheckDetail(ctx)
	return state
}

// CheckDetail is Check with the failure preserved, for callers that
// report the reason (the liveness loop) rather than just gating on it.
// The returned state is authoritative either way.
func (p *Probe) CheckDetail(ctx context.Context) (ConnectivityState, error) {
	state := ConnectivityState{CheckedAt: time.Now()}
	code, err := p.Agent.PingStatus(ctx)
	if err != nil {
		return state, err
	}
	state.Reachable = code == agent.PingStatusOK
	return state, nil
}
