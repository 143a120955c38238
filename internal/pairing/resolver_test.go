package pairing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/devicelink/internal/agent"
)

func TestResolveSuccessWithinDeadline(t *testing.T) {
	t.Parallel()

	r := &Resolver{Agent: &fakeAgent{}}
	identity, err := r.Resolve(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "dev-123", identity.ID)
	require.Equal(t, "my-machine", identity.Name)
	require.Equal(t, "https://example.test/icon.png", identity.IconURL)
}

func TestResolveTimeoutIsDistinctFromFailure(t *testing.T) {
	t.Parallel()

	fake := &fakeAgent{machineID: func(ctx context.Context) (string, error) {
		<-ctx.Done() // never answers; the deadline must win
		return "", ctx.Err()
	}}
	r := &Resolver{Agent: fake}

	start := time.Now()
	_, err := r.Resolve(context.Background(), 100*time.Millisecond)
	require.ErrorIs(t, err, ErrResolveTimeout)
	require.Less(t, time.Since(start), 2*time.Second, "timeout did not bound the call")
}

func TestResolveFailureBeforeDeadline(t *testing.T) {
	t.Parallel()

	fake := &fakeAgent{machineID: func(context.Context) (string, error) {
		return "", unreachableErr("machine_id")
	}}
	r := &Resolver{Agent: fake}

	_, err := r.Resolve(context.Background(), time.Second)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrResolveTimeout, "agent failure must not report as timeout")
	require.Equal(t, agent.Unreachable, agent.KindOf(err))
}

func TestResolveMetadataFailuresFallBack(t *testing.T) {
	t.Parallel()

	fake := &fakeAgent{info: func(context.Context, string) (string, error) {
		return "", unreachableErr("machine_info")
	}}
	r := &Resolver{Agent: fake}

	identity, err := r.Resolve(context.Background(), time.Second)
	require.NoError(t, err, "metadata is best effort during resolution")
	require.Equal(t, "dev-123", identity.ID)
	require.Equal(t, "-", identity.Name)
	require.Empty(t, identity.IconURL)
}

// The timeout classification must hold over the real transport too: a
// hung agent behind the HTTP client has to surface as ErrResolveTimeout,
// not as a transport error routed to the generic failure screen.
func TestResolveTimeoutOverLiveTransport(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r := &Resolver{Agent: agent.NewClient(srv.URL)}
	start := time.Now()
	_, err := r.Resolve(context.Background(), 150*time.Millisecond)
	require.ErrorIs(t, err, ErrResolveTimeout)
	require.Less(t, time.Since(start), 5*time.Second, "deadline did not bound the live call")
}

func TestResolveHonorsCallerCancellation(t *testing.T) {
	t.Parallel()

	fake := &fakeAgent{machineID: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	r := &Resolver{Agent: fake}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := r.Resolve(ctx, 5*time.Second)
	require.True(t, errors.Is(err, context.Canceled))
}
