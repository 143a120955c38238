package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jask/devicelink/internal/agent"
)

// fakeAgent implements agent.Agent with overridable behavior per op.
// Unset fields answer like a healthy, unprovisioned agent.
type fakeAgent struct {
	ping      func(ctx context.Context) (string, error)
	provision func(ctx context.Context) (bool, error)
	machineID func(ctx context.Context) (string, error)
	info      func(ctx context.Context, key string) (string, error)
	generate  func(ctx context.Context) (string, error)
	submit    func(ctx context.Context, code string) (bool, error)

	mu          sync.Mutex
	generated   []string
	generatedAt []time.Time
	submitted   []string
	submittedAt []time.Time
}

func (f *fakeAgent) PingStatus(ctx context.Context) (string, error) {
	if f.ping != nil {
		return f.ping(ctx)
	}
	return agent.PingStatusOK, nil
}

func (f *fakeAgent) ProvisionStatus(ctx context.Context) (bool, error) {
	if f.provision != nil {
		return f.provision(ctx)
	}
	return false, nil
}

func (f *fakeAgent) MachineID(ctx context.Context) (string, error) {
	if f.machineID != nil {
		return f.machineID(ctx)
	}
	return "dev-123", nil
}

func (f *fakeAgent) MachineInfo(ctx context.Context, key string) (string, error) {
	if f.info != nil {
		return f.info(ctx, key)
	}
	switch key {
	case agent.KeyMachineName:
		return "my-machine", nil
	case agent.KeyMachineIcon:
		return "https://example.test/icon.png", nil
	}
	return "", nil
}

func (f *fakeAgent) GenerateCode(ctx context.Context) (string, error) {
	f.mu.Lock()
	n := len(f.generated) + 1
	code := fmt.Sprintf("CODE %04d", n)
	f.generated = append(f.generated, code)
	f.generatedAt = append(f.generatedAt, time.Now())
	f.mu.Unlock()
	if f.generate != nil {
		return f.generate(ctx)
	}
	return code, nil
}

func (f *fakeAgent) SubmitCode(ctx context.Context, code string) (bool, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, code)
	f.submittedAt = append(f.submittedAt, time.Now())
	f.mu.Unlock()
	if f.submit != nil {
		return f.submit(ctx, code)
	}
	return false, nil
}

func (f *fakeAgent) Exit(ctx context.Context) error { return nil }

func (f *fakeAgent) generatedCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.generated...)
}

func (f *fakeAgent) submittedCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func unreachableErr(op string) error {
	return &agent.Error{Kind: agent.Unreachable, Op: op, Err: errors.New("connection refused")}
}

func malformedErr(op string) error {
	return &agent.Error{Kind: agent.MalformedResponse, Op: op, Err: errors.New("unexpected end of JSON input")}
}

// testConfig compresses every cadence so temporal assertions run in
// milliseconds. Margins between related periods stay proportional to
// production (rotation >> poll >> tick).
func testConfig() Config {
	return Config{
		CodeRotation:  240 * time.Millisecond,
		CountdownTick: 20 * time.Millisecond,
		PollPeriod:    60 * time.Millisecond,
		ResolveDelay:  10 * time.Millisecond,
		ResolveWithin: 150 * time.Millisecond,
		HealthPeriod:  30 * time.Millisecond,
		RefreshPeriod: 25 * time.Millisecond,
	}
}
