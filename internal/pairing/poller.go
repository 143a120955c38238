package pairing

import (
	"context"
	"time"

	"github.com/jask/devicelink/internal/agent"
)

type pollOutcome struct{ outcome ProvisioningOutcome }

// poller submits the active code for confirmation on a fixed period.
// The submit call runs synchronously inside the tick loop, so there is
// never more than one outstanding call; ticks that fire mid-call are
// dropped by the ticker, not queued.
//
// After an InvalidCode outcome the poller suspends itself until the next
// rotation delivers a fresh code. Rotation is unaffected.
type poller struct {
	agent agent.Agent
	cfg   Config
}

func (p *poller) run(ctx context.Context, codes <-chan string, out chan<- any) {
	ticker := time.NewTicker(p.cfg.PollPeriod)
	defer ticker.Stop()

	var code string
	suspended := false

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-codes:
			code = c
			suspended = false
		case <-ticker.C:
			if code == "" || suspended {
				// Still pending: a rejected code keeps its right to a
				// fresh attempt once the next rotation lands.
				send(ctx, out, pollOutcome{outcome: ProvisioningOutcome{Kind: OutcomePending}})
				continue
			}
			outcome := p.poll(ctx, code)
			if outcome.Kind == OutcomeInvalidCode {
				suspended = true
			}
			send(ctx, out, pollOutcome{outcome: outcome})
			if outcome.Kind == OutcomeConfirmed {
				return
			}
		}
	}
}

// poll performs one submitCode round trip and classifies the result.
func (p *poller) poll(ctx context.Context, code string) ProvisioningOutcome {
	ok, err := p.agent.SubmitCode(ctx, code)
	switch {
	case err != nil && agent.KindOf(err) == agent.MalformedResponse:
		// Parse failures are noise; keep polling without telling the user.
		return ProvisioningOutcome{Kind: OutcomeTransientError, Reason: err.Error()}
	case err != nil:
		return ProvisioningOutcome{Kind: OutcomeTransientError, Reason: err.Error(), Fatal: true}
	case !ok:
		return ProvisioningOutcome{Kind: OutcomeInvalidCode, Reason: "code not recognized"}
	default:
		return ProvisioningOutcome{Kind: OutcomeConfirmed}
	}
}
