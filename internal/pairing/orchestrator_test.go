package pairing

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/devicelink/internal/agent"
)

func startFlow(t *testing.T, fake *fakeAgent) *Orchestrator {
	t.Helper()
	orch := New(fake, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = orch.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		orch.Exit()
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("orchestrator did not stop")
		}
	})
	return orch
}

func waitForState(t *testing.T, orch *Orchestrator, want FlowState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return orch.Snapshot().State == want
	}, 5*time.Second, time.Millisecond, "never reached %s (at %s)", want, orch.Snapshot().State)
}

func TestFlowNoConnectivityIsTerminal(t *testing.T) {
	t.Parallel()

	fake := &fakeAgent{ping: func(context.Context) (string, error) {
		return "", unreachableErr("ping")
	}}
	orch := startFlow(t, fake)

	waitForState(t, orch, StateNoConnectivity)
	require.True(t, orch.Snapshot().State.Terminal())
}

// Scenario A: already provisioned, identity resolves inside the deadline.
func TestFlowAlreadyProvisionedReachesConfigured(t *testing.T) {
	t.Parallel()

	fake := &fakeAgent{provision: func(context.Context) (bool, error) {
		return true, nil
	}}
	orch := startFlow(t, fake)

	waitForState(t, orch, StateConfigured)
	snap := orch.Snapshot()
	require.Equal(t, "dev-123", snap.Identity.ID)
	require.Empty(t, fake.generatedCodes(), "provisioned device must not issue codes")
}

// Scenario B: not provisioned; a code appears and the first submit waits
// out the poll period.
func TestFlowPairingIssuesCodeThenPolls(t *testing.T) {
	t.Parallel()

	fake := &fakeAgent{}
	orch := startFlow(t, fake)

	waitForState(t, orch, StatePollingConfirmation)
	snap := orch.Snapshot()
	require.NotEmpty(t, snap.Code.Value)

	require.Eventually(t, func() bool {
		return len(fake.submittedCodes()) > 0
	}, 5*time.Second, time.Millisecond)

	fake.mu.Lock()
	issuedAt := fake.generatedAt[0]
	firstSubmit := fake.submittedAt[0]
	fake.mu.Unlock()
	require.GreaterOrEqual(t, firstSubmit.Sub(issuedAt), testConfig().PollPeriod/2,
		"submit fired before the poll period elapsed")
	require.Equal(t, fake.generatedCodes()[0], fake.submittedCodes()[0])
}

// Scenario C: the console keeps answering success=false; the incorrect
// code advisory shows, the flow stays put, and rotation keeps minting
// codes on schedule.
func TestFlowInvalidCodeKeepsRotating(t *testing.T) {
	t.Parallel()

	fake := &fakeAgent{} // default submit answers success=false
	orch := startFlow(t, fake)

	waitForState(t, orch, StatePollingConfirmation)

	require.Eventually(t, func() bool {
		return orch.Snapshot().Advisory == AdvisoryInvalidCode
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, StatePollingConfirmation, orch.Snapshot().State)

	require.Eventually(t, func() bool {
		return len(fake.generatedCodes()) >= 2
	}, 5*time.Second, time.Millisecond, "rotation stalled after invalid code")

	// the fresh code clears the advisory
	require.Eventually(t, func() bool {
		snap := orch.Snapshot()
		return snap.Code.Value == fake.generatedCodes()[len(fake.generatedCodes())-1] &&
			snap.Advisory != AdvisoryInvalidCode
	}, 5*time.Second, time.Millisecond)
}

// Confirmation path: success=true stops both polling and rotation, then
// the flow runs identity resolution.
func TestFlowConfirmationStopsRotationAndResolves(t *testing.T) {
	t.Parallel()

	var confirmed atomic.Bool
	fake := &fakeAgent{submit: func(_ context.Context, code string) (bool, error) {
		confirmed.Store(true)
		return true, nil
	}}
	orch := startFlow(t, fake)

	waitForState(t, orch, StateConfigured)
	require.Equal(t, "dev-123", orch.Snapshot().Identity.ID)
	require.True(t, confirmed.Load())

	issued := len(fake.generatedCodes())
	time.Sleep(2 * testConfig().CodeRotation)
	require.Equal(t, issued, len(fake.generatedCodes()), "rotation survived confirmation")
}

// Scenario D: the identity call hangs; the distinct timed-out terminal
// state is reached, not the generic failure.
func TestFlowResolveTimeoutIsDistinctTerminal(t *testing.T) {
	t.Parallel()

	fake := &fakeAgent{
		provision: func(context.Context) (bool, error) { return true, nil },
		machineID: func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	orch := startFlow(t, fake)

	waitForState(t, orch, StateTimedOut)
	require.NotEqual(t, StateFailed, orch.Snapshot().State)
}

func TestFlowResolveFailureIsGenericTerminal(t *testing.T) {
	t.Parallel()

	fake := &fakeAgent{
		provision: func(context.Context) (bool, error) { return true, nil },
		machineID: func(context.Context) (string, error) {
			return "", unreachableErr("machine_id")
		},
	}
	orch := startFlow(t, fake)

	waitForState(t, orch, StateFailed)
	require.Contains(t, orch.Snapshot().Failure, "resolve identity")
}

// Scenario E: a failed health check on the configured screen flags the
// advisory but never leaves the screen.
func TestFlowLivenessFailureStaysConfigured(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	healthy.Store(true)
	fake := &fakeAgent{
		provision: func(context.Context) (bool, error) { return true, nil },
		ping: func(context.Context) (string, error) {
			if healthy.Load() {
				return agent.PingStatusOK, nil
			}
			return "", unreachableErr("ping")
		},
	}
	orch := startFlow(t, fake)

	waitForState(t, orch, StateConfigured)
	healthy.Store(false)

	require.Eventually(t, func() bool {
		snap := orch.Snapshot()
		return !snap.Liveness.Active && snap.Advisory == AdvisoryAgentDown
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, StateConfigured, orch.Snapshot().State)

	// recovery clears the advisory without a transition
	healthy.Store(true)
	require.Eventually(t, func() bool {
		snap := orch.Snapshot()
		return snap.Liveness.Active && snap.Advisory == AdvisoryNone
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, StateConfigured, orch.Snapshot().State)
}

// Metadata refresh overwrites name and icon but never the id.
func TestFlowMetadataRefreshLeavesIDImmutable(t *testing.T) {
	t.Parallel()

	var name atomic.Value
	name.Store("my-machine")
	fake := &fakeAgent{
		provision: func(context.Context) (bool, error) { return true, nil },
		info: func(_ context.Context, key string) (string, error) {
			if key == agent.KeyMachineName {
				return name.Load().(string), nil
			}
			return "https://example.test/icon.png", nil
		},
	}
	orch := startFlow(t, fake)

	waitForState(t, orch, StateConfigured)
	name.Store("renamed-machine")

	require.Eventually(t, func() bool {
		return orch.Snapshot().Identity.Name == "renamed-machine"
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, "dev-123", orch.Snapshot().Identity.ID)
}

func TestFlowCodeIssuanceFailureAtEntryFails(t *testing.T) {
	t.Parallel()

	fake := &fakeAgent{generate: func(context.Context) (string, error) {
		return "", unreachableErr("generate_code")
	}}
	orch := startFlow(t, fake)

	waitForState(t, orch, StateFailed)
	require.Contains(t, orch.Snapshot().Failure, "pairing code")
	require.Empty(t, orch.Snapshot().Code.Value)
}

func TestFlowFatalPollErrorFails(t *testing.T) {
	t.Parallel()

	fake := &fakeAgent{submit: func(context.Context, string) (bool, error) {
		return false, unreachableErr("submit_code")
	}}
	orch := startFlow(t, fake)

	waitForState(t, orch, StateFailed)
	require.Contains(t, orch.Snapshot().Failure, "pairing failed")
}

func TestFlowMalformedPollResponsesStaySilent(t *testing.T) {
	t.Parallel()

	fake := &fakeAgent{submit: func(context.Context, string) (bool, error) {
		return false, malformedErr("submit_code")
	}}
	orch := startFlow(t, fake)

	waitForState(t, orch, StatePollingConfirmation)
	require.Eventually(t, func() bool {
		return len(fake.submittedCodes()) >= 2
	}, 5*time.Second, time.Millisecond, "polling stopped on parse noise")

	snap := orch.Snapshot()
	require.Equal(t, StatePollingConfirmation, snap.State)
	require.Equal(t, AdvisoryNone, snap.Advisory)
	require.Empty(t, snap.Failure)
}

func TestFlowEventsStreamCarriesTransitions(t *testing.T) {
	t.Parallel()

	fake := &fakeAgent{provision: func(context.Context) (bool, error) { return true, nil }}
	orch := New(fake, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = orch.Run(ctx) }()
	defer orch.Exit()

	seen := map[FlowState]bool{}
	deadline := time.After(5 * time.Second)
	for !seen[StateConfigured] {
		select {
		case ev, ok := <-orch.Events():
			if !ok {
				t.Fatal("event stream closed early")
			}
			seen[ev.State] = true
		case <-deadline:
			t.Fatalf("configured never arrived; saw %v", seen)
		}
	}
	require.True(t, seen[StateCheckingConnectivity])
	require.True(t, seen[StateResolvingIdentity])
}
