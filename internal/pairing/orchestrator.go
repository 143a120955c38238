package pairing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jask/devicelink/internal/agent"
)

// Orchestrator composes the flow components into the end-to-end state
// machine and is the only type allowed to request a screen transition.
// All state mutation happens on the Run goroutine; components post typed
// events into an inbox it drains, so FlowState and DeviceIdentity have a
// single writer by construction.
type Orchestrator struct {
	agent agent.Agent
	cfg   Config

	events chan Event

	mu        sync.RWMutex
	state     FlowState
	code      PairingCode
	countdown int
	identity  DeviceIdentity
	liveness  LivenessState
	advisory  Advisory
	failure   string

	exitOnce sync.Once
	exitCh   chan struct{}
}

// Snapshot is a read-only copy of the display state.
type Snapshot struct {
	State     FlowState
	Code      PairingCode
	Countdown int
	Identity  DeviceIdentity
	Liveness  LivenessState
	Advisory  Advisory
	Failure   string
}

// New builds an orchestrator over the given agent. cfg is usually
// Defaults(); tests pass compressed timings.
func New(a agent.Agent, cfg Config) *Orchestrator {
	return &Orchestrator{
		agent:  a,
		cfg:    cfg,
		state:  StateInit,
		events: make(chan Event, 64),
		exitCh: make(chan struct{}),
	}
}

// Events is the transition stream consumed by the presentation layer.
// The channel is closed when Run returns.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Snapshot returns the current display state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Snapshot{
		State:     o.state,
		Code:      o.code,
		Countdown: o.countdown,
		Identity:  o.identity,
		Liveness:  o.liveness,
		Advisory:  o.advisory,
		Failure:   o.failure,
	}
}

// Exit ends the liveness loop on user request. Safe to call more than
// once and from any goroutine.
func (o *Orchestrator) Exit() {
	o.exitOnce.Do(func() { close(o.exitCh) })
}

// Run drives the state machine from Init to a terminal state, the
// sustaining liveness loop, or cancellation. Re-running after a process
// restart is safe: every entry re-checks connectivity and provision
// status, so the flow resumes wherever the agent says it left off.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.events)

	probe := &Probe{Agent: o.agent}

	o.transition(StateCheckingConnectivity)
	conn := probe.Check(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !conn.Reachable {
		o.transition(StateNoConnectivity)
		return nil
	}

	o.transition(StateCheckingProvisionStatus)
	provisioned, err := o.agent.ProvisionStatus(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		o.fail("provision status check failed: " + err.Error())
		return nil
	}

	if !provisioned {
		confirmed, err := o.pair(ctx)
		if err != nil {
			return err
		}
		if !confirmed {
			return nil // terminal failure already published
		}
	}

	return o.resolveThenMonitor(ctx, probe)
}

// pair runs code rotation and confirmation polling until the console
// confirms a code, a fatal error lands, or the context is cancelled.
// Both timers share one child context so teardown is all-or-nothing.
func (o *Orchestrator) pair(ctx context.Context) (bool, error) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbox := make(chan any, 16)
	codes := make(chan string, 1)

	keeper := &codeKeeper{agent: o.agent, cfg: o.cfg}
	go keeper.run(pctx, inbox)
	poll := &poller{agent: o.agent, cfg: o.cfg}
	go poll.run(pctx, codes, inbox)

	o.transition(StatePairing)

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case ev := <-inbox:
			switch ev := ev.(type) {
			case codeIssued:
				o.setCode(ev.code)
				// replace, never queue: the poller only ever needs the
				// latest code
				select {
				case codes <- ev.code.Value:
				default:
					select {
					case <-codes:
					default:
					}
					select {
					case codes <- ev.code.Value:
					default:
					}
				}
				if o.Snapshot().State == StatePairing {
					o.transition(StatePollingConfirmation)
				}
			case codeIssueFailed:
				if o.Snapshot().Code.Value == "" {
					o.fail("could not issue pairing code: " + ev.err.Error())
					return false, nil
				}
				// rotation failed but a code is still on screen; the next
				// rotation will try again
			case countdownTick:
				o.setCountdown(ev.remaining)
			case pollOutcome:
				switch ev.outcome.Kind {
				case OutcomeConfirmed:
					o.confirmCode()
					return true, nil
				case OutcomeInvalidCode:
					o.setAdvisory(AdvisoryInvalidCode)
				case OutcomeTransientError:
					if ev.outcome.Fatal {
						o.fail("pairing failed: " + ev.outcome.Reason)
						return false, nil
					}
					// parse noise, swallowed
				}
			}
		}
	}
}

// resolveThenMonitor resolves the permanent identity under the deadline,
// then sustains the liveness loop until user exit or cancellation.
func (o *Orchestrator) resolveThenMonitor(ctx context.Context, probe *Probe) error {
	o.transition(StateResolvingIdentity)

	grace := time.NewTimer(o.cfg.ResolveDelay)
	select {
	case <-ctx.Done():
		grace.Stop()
		return ctx.Err()
	case <-grace.C:
	}

	resolver := &Resolver{Agent: o.agent}
	identity, err := resolver.Resolve(ctx, o.cfg.ResolveWithin)
	switch {
	case errors.Is(err, ErrResolveTimeout):
		o.mu.Lock()
		o.failure = "the agent took too long to report the machine identity"
		o.mu.Unlock()
		o.transition(StateTimedOut)
		return nil
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		o.fail(err.Error())
		return nil
	}

	o.setIdentity(identity)
	o.transition(StateConfigured)

	lctx, cancel := context.WithCancel(ctx)
	inbox := make(chan any, 16)
	mon := &monitor{agent: o.agent, probe: probe, cfg: o.cfg}
	done := make(chan struct{})
	go func() {
		mon.run(lctx, inbox)
		close(done)
	}()

	stop := func() {
		cancel()
		<-done
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()
		case <-o.exitCh:
			stop()
			return nil
		case ev := <-inbox:
			switch ev := ev.(type) {
			case healthChecked:
				o.setLiveness(ev.state)
			case metadataFetched:
				o.setMetadata(ev.name, ev.iconURL)
			}
		}
	}
}

// transition records the new state and publishes it.
func (o *Orchestrator) transition(next FlowState) {
	o.mu.Lock()
	o.state = next
	o.mu.Unlock()
	o.publish()
}

func (o *Orchestrator) fail(reason string) {
	o.mu.Lock()
	o.failure = reason
	o.mu.Unlock()
	o.transition(StateFailed)
}

func (o *Orchestrator) setCode(code PairingCode) {
	o.mu.Lock()
	o.code = code
	o.countdown = code.TTLSeconds
	if o.advisory == AdvisoryInvalidCode {
		o.advisory = AdvisoryNone
	}
	o.mu.Unlock()
	o.publish()
}

func (o *Orchestrator) confirmCode() {
	o.mu.Lock()
	o.code.Confirmed = true
	o.mu.Unlock()
}

func (o *Orchestrator) setCountdown(remaining int) {
	o.mu.Lock()
	o.countdown = remaining
	o.mu.Unlock()
	o.publish()
}

func (o *Orchestrator) setAdvisory(a Advisory) {
	o.mu.Lock()
	o.advisory = a
	o.mu.Unlock()
	o.publish()
}

// setIdentity writes the resolved identity. The id is immutable for the
// rest of the session.
func (o *Orchestrator) setIdentity(identity DeviceIdentity) {
	o.mu.Lock()
	if o.identity.ID == "" {
		o.identity.ID = identity.ID
	}
	o.identity.Name = identity.Name
	o.identity.IconURL = identity.IconURL
	o.mu.Unlock()
	o.publish()
}

// setMetadata overwrites display metadata wholesale, never the id.
func (o *Orchestrator) setMetadata(name, iconURL string) {
	o.mu.Lock()
	o.identity.Name = name
	o.identity.IconURL = iconURL
	o.mu.Unlock()
	o.publish()
}

func (o *Orchestrator) setLiveness(state LivenessState) {
	o.mu.Lock()
	o.liveness = state
	if state.Active {
		if o.advisory == AdvisoryAgentDown {
			o.advisory = AdvisoryNone
		}
	} else {
		o.advisory = AdvisoryAgentDown
	}
	o.mu.Unlock()
	o.publish()
}

// publish emits the current snapshot as an event. The channel is
// buffered; if the presentation layer has fallen behind, the stalest
// update is dropped rather than wedging the flow.
func (o *Orchestrator) publish() {
	s := o.Snapshot()
	ev := Event{
		State:     s.State,
		Code:      s.Code,
		Countdown: s.Countdown,
		Identity:  s.Identity,
		Liveness:  s.Liveness,
		Advisory:  s.Advisory,
		Err:       s.Failure,
	}
	select {
	case o.events <- ev:
	default:
		select {
		case <-o.events:
		default:
		}
		select {
		case o.events <- ev:
		default:
		}
	}
}
