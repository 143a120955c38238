// Package pairing implements the device-pairing and liveness flow: a
// connectivity gate, pairing-code issuance and rotation, confirmation
// polling, deadline-bounded identity resolution, and the health loop that
// runs once the device is configured. The orchestrator owns all flow
// state; every other type in the package only produces inputs it consumes.
package pairing

import "time"

// ConnectivityState is the outcome of a reachability probe. Superseded
// wholesale on every check.
type ConnectivityState struct {
	Reachable bool
	CheckedAt time.Time
}

// PairingCode is a short-lived token the user enters in the console.
// At most one code is active at a time; a code is replaced on rotation
// and discarded once confirmed.
type PairingCode struct {
	Value      string
	IssuedAt   time.Time
	TTLSeconds int
	Confirmed  bool
}

// OutcomeKind tags a ProvisioningOutcome.
type OutcomeKind int

const (
	// OutcomePending: the console has not confirmed the code yet.
	OutcomePending OutcomeKind = iota
	// OutcomeConfirmed: the console confirmed the active code.
	OutcomeConfirmed
	// OutcomeInvalidCode: the backend rejected the code outright.
	OutcomeInvalidCode
	// OutcomeTransientError: the poll attempt itself failed.
	OutcomeTransientError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePending:
		return "pending"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeInvalidCode:
		return "invalid code"
	case OutcomeTransientError:
		return "transient error"
	}
	return "unknown"
}

// ProvisioningOutcome is produced once per poll cycle. Only the latest
// matters. Fatal marks a transient error that must surface to the user
// and end the flow; non-fatal transient errors keep polling silently.
type ProvisioningOutcome struct {
	Kind   OutcomeKind
	Reason string
	Fatal  bool
}

// DeviceIdentity is the device's stable identity. ID is immutable once
// resolved for the session; Name and IconURL are refreshed repeatedly,
// last write wins.
type DeviceIdentity struct {
	ID      string
	Name    string
	IconURL string
}

// LivenessState reflects the most recent health check of the agent.
type LivenessState struct {
	Active        bool
	LastCheckedAt time.Time
	LastError     string
}

// FlowState is the orchestrator's node in the screen state machine.
type FlowState string

const (
	StateInit                     FlowState = "init"
	StateCheckingConnectivity     FlowState = "checking_connectivity"
	StateNoConnectivity           FlowState = "no_connectivity"
	StateCheckingProvisionStatus  FlowState = "checking_provision_status"
	StatePairing                  FlowState = "pairing"
	StatePollingConfirmation      FlowState = "polling_confirmation"
	StateResolvingIdentity        FlowState = "resolving_identity"
	StateConfigured               FlowState = "configured"
	StateTimedOut                 FlowState = "timed_out"
	StateFailed                   FlowState = "failed"
)

// Terminal reports whether the flow cannot leave s without a restart.
func (s FlowState) Terminal() bool {
	switch s {
	case StateNoConnectivity, StateTimedOut, StateFailed:
		return true
	}
	return false
}

// Advisory is the single currently-displayed advisory surface. Modeling
// it as one tagged value rules out invalid simultaneous-dialog states.
type Advisory int

const (
	AdvisoryNone Advisory = iota
	// AdvisoryInvalidCode: the console rejected the shown code; cleared
	// when the next code is issued.
	AdvisoryInvalidCode
	// AdvisoryAgentDown: a liveness check failed on the configured screen.
	AdvisoryAgentDown
)

// Event is one screen-transition or display update emitted to the
// presentation layer.
type Event struct {
	State     FlowState
	Code      PairingCode
	Countdown int
	Identity  DeviceIdentity
	Liveness  LivenessState
	Advisory  Advisory
	Err       string
}

// Config carries the flow's fixed cadences and deadlines. Production
// wiring uses Defaults; tests compress time.
type Config struct {
	CodeRotation  time.Duration
	CountdownTick time.Duration
	PollPeriod    time.Duration
	ResolveDelay  time.Duration
	ResolveWithin time.Duration
	HealthPeriod  time.Duration
	RefreshPeriod time.Duration
}

// Defaults returns the production timings.
func Defaults() Config {
	return Config{
		CodeRotation:  60 * time.Second,
		CountdownTick: time.Second,
		PollPeriod:    20 * time.Second,
		ResolveDelay:  3 * time.Second,
		ResolveWithin: 15 * time.Second,
		HealthPeriod:  10 * time.Second,
		RefreshPeriod: 5 * time.Second,
	}
}
