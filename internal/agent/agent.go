// Package agent wraps the one remote interface to the local privileged
// agent. Every other package talks to the agent only through the Agent
// interface; the concrete client performs single request/response round
// trips with no retries and no caching — retry policy belongs to callers.
package agent

import (
	"context"
	"errors"
	"fmt"
)

// PingStatusOK is the status code the agent returns when healthy.
const PingStatusOK = "success"

// Settings keys understood by MachineInfo.
const (
	KeyMachineName = "identity.machine.name"
	KeyMachineIcon = "identity.machine.icon"
)

// Agent is the narrow surface of the local agent process.
type Agent interface {
	// PingStatus reports the agent's own health code.
	PingStatus(ctx context.Context) (string, error)
	// ProvisionStatus reports whether the device is already provisioned.
	ProvisionStatus(ctx context.Context) (bool, error)
	// MachineID returns the device's permanent identity.
	MachineID(ctx context.Context) (string, error)
	// MachineInfo returns the value stored under a settings key.
	MachineInfo(ctx context.Context, key string) (string, error)
	// GenerateCode mints a fresh pairing code.
	GenerateCode(ctx context.Context) (string, error)
	// SubmitCode asks the provisioning backend whether the code was
	// confirmed from the console. false means not (yet) confirmed.
	SubmitCode(ctx context.Context, code string) (bool, error)
	// Exit asks the agent to shut down. Fire and forget.
	Exit(ctx context.Context) error
}

// ErrorKind classifies agent failures for flow routing.
type ErrorKind int

const (
	// Unreachable: the agent process or the network under it is down.
	Unreachable ErrorKind = iota
	// Rejected: the agent answered and declined the request.
	Rejected
	// MalformedResponse: the agent answered but the payload did not parse.
	MalformedResponse
)

func (k ErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Rejected:
		return "rejected"
	case MalformedResponse:
		return "malformed response"
	}
	return "unknown"
}

// Error is the only error type the client returns.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from err, defaulting to Unreachable
// for errors that did not come from the client at all.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Unreachable
}
