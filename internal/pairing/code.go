package pairing

import (
	"context"
	"time"

	"github.com/jask/devicelink/internal/agent"
)

// Internal events posted to the orchestrator's inbox.
type codeIssued struct{ code PairingCode }
type codeIssueFailed struct{ err error }
type countdownTick struct{ remaining int }

// codeKeeper owns issuance and rotation of the pairing code plus the
// display countdown. A fresh code is issued immediately and then on every
// rotation period until the context is cancelled (the orchestrator cancels
// on confirmation).
//
// The countdown runs on its own ticker: it resets when a rotation lands
// and wraps back to the full TTL when it reaches zero, so the two clocks
// can drift. That mirrors the shipped behavior and is intentional until
// the product decides otherwise.
type codeKeeper struct {
	agent agent.Agent
	cfg   Config
}

func (k *codeKeeper) run(ctx context.Context, out chan<- any) {
	ttl := int(k.cfg.CodeRotation / k.cfg.CountdownTick)
	remaining := ttl

	k.issue(ctx, out, &remaining, ttl)

	rotate := time.NewTicker(k.cfg.CodeRotation)
	defer rotate.Stop()
	tick := time.NewTicker(k.cfg.CountdownTick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rotate.C:
			k.issue(ctx, out, &remaining, ttl)
		case <-tick.C:
			remaining--
			if remaining < 0 {
				// zero was published on the previous tick
				remaining = ttl
			}
			send(ctx, out, countdownTick{remaining: remaining})
		}
	}
}

func (k *codeKeeper) issue(ctx context.Context, out chan<- any, remaining *int, ttl int) {
	value, err := k.agent.GenerateCode(ctx)
	if err != nil {
		send(ctx, out, codeIssueFailed{err: err})
		return
	}
	*remaining = ttl
	send(ctx, out, codeIssued{code: PairingCode{
		Value:      value,
		IssuedAt:   time.Now(),
		TTLSeconds: ttl,
	}})
}

// send delivers an event unless the flow is already being torn down.
func send(ctx context.Context, out chan<- any, ev any) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
