package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ship-commander/cmdbridge/internal/events"
	"github.com/ship-commander/cmdbridge/internal/rpc"
	"github.com/ship-commander/cmdbridge/internal/rpc/rpctest"
	"github.com/ship-commander/cmdbridge/internal/state"
)

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) snapshot() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.Event(nil), b.events...)
}

func TestProbeDiscoversBridgePeer(t *testing.T) {
	t.Parallel()

	peer := rpctest.StartPeer(t, rpc.ProtocolVersion, rpc.SessionType, nil)
	endpoint, err := NewProber(peer.Address, WithTimeout(time.Second)).Probe(context.Background())
	require.NoError(t, err)

	assert.True(t, endpoint.Valid())
	assert.Equal(t, peer.Address, endpoint.Address)
	assert.Equal(t, "127.0.0.1", endpoint.Host)
	assert.NotZero(t, endpoint.Port)
	assert.Equal(t, rpc.ProtocolVersion, endpoint.ProtocolVersion)
	assert.Equal(t, "test", endpoint.ServerVersion)
}

func TestProbeClassifiesFailures(t *testing.T) {
	t.Parallel()

	mismatch := rpctest.StartPeer(t, "99", rpc.SessionType, nil)
	stranger := rpctest.StartPeer(t, rpc.ProtocolVersion, "something_else", nil)
	refusing := rpctest.Start(t, func(server *rpc.Server) {
		server.Handle(rpc.ActionHandshake, func(context.Context, rpc.Request) (any, error) {
			return nil, rpc.CheckProtocolVersion("99")
		})
	})

	tests := []struct {
		name    string
		address string
		want    error
	}{
		{name: "unreachable", address: rpctest.UnusedAddress(t), want: ErrUnreachable},
		{name: "version mismatch", address: mismatch.Address, want: ErrProtocolMismatch},
		{name: "peer rejects our version", address: refusing, want: ErrProtocolMismatch},
		{name: "not a bridge", address: stranger.Address, want: ErrNotBridge},
		{name: "disabled", address: "", want: ErrDisabled},
	}
	for _, tc := range tests {
		_, err := NewProber(tc.address, WithTimeout(time.Second)).Probe(context.Background())
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: Probe() error = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestProbeRejectsItsOwnInstance(t *testing.T) {
	t.Parallel()

	address := rpctest.Start(t, func(server *rpc.Server) {
		server.Handle(rpc.ActionHandshake, func(context.Context, rpc.Request) (any, error) {
			return rpc.NewHandshakeResponse("test", "bridge-a"), nil
		})
	})

	_, err := NewProber(address, WithTimeout(time.Second), WithSelfInstanceID("bridge-a")).Probe(context.Background())
	require.ErrorIs(t, err, ErrNotBridge)
	assert.Contains(t, err.Error(), "answers as this bridge")

	endpoint, err := NewProber(address, WithTimeout(time.Second), WithSelfInstanceID("bridge-b")).Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bridge-a", endpoint.InstanceID)
}

func TestProbeOfMissingPeerLeavesLocalModeWithinTimeout(t *testing.T) {
	t.Parallel()

	timeout := 300 * time.Millisecond
	started := time.Now()
	endpoint, err := NewProber(rpctest.UnusedAddress(t), WithTimeout(timeout)).Probe(context.Background())
	decision, resolveErr := Resolve(PreferAuto, true, &endpoint, err)
	require.NoError(t, resolveErr)

	assert.Less(t, time.Since(started), timeout+time.Second)
	assert.Equal(t, state.ModeLocal, decision.Mode)
	assert.Nil(t, decision.Endpoint)
}

func TestResolve(t *testing.T) {
	t.Parallel()

	valid := &Endpoint{Address: "127.0.0.1:1", DiscoveredAt: time.Now()}
	unreachable := errors.New("dial refused")
	mismatch := errors.Join(ErrProtocolMismatch, errors.New("peer speaks 2"))

	tests := []struct {
		name         string
		prefer       string
		fallback     bool
		endpoint     *Endpoint
		probeErr     error
		wantMode     string
		wantWarnings int
	}{
		{name: "auto with peer", prefer: "auto", fallback: true, endpoint: valid, wantMode: state.ModeExternal},
		{name: "empty means auto", prefer: "", fallback: true, endpoint: valid, wantMode: state.ModeExternal},
		{name: "auto without peer", prefer: "auto", fallback: true, probeErr: unreachable, wantMode: state.ModeLocal},
		{name: "local ignores peer", prefer: "local", fallback: true, endpoint: valid, wantMode: state.ModeLocal},
		{name: "external falls back", prefer: "external", fallback: true, probeErr: unreachable, wantMode: state.ModeLocal, wantWarnings: 2},
		{name: "external without fallback", prefer: "external", fallback: false, probeErr: unreachable, wantMode: state.ModeExternal, wantWarnings: 2},
		{name: "mismatch is rejected", prefer: "auto", fallback: true, endpoint: valid, probeErr: mismatch, wantMode: state.ModeLocal, wantWarnings: 1},
	}
	for _, tc := range tests {
		decision, err := Resolve(tc.prefer, tc.fallback, tc.endpoint, tc.probeErr)
		if err != nil {
			t.Fatalf("%s: Resolve() error = %v", tc.name, err)
		}
		if decision.Mode != tc.wantMode {
			t.Fatalf("%s: mode = %q, want %q", tc.name, decision.Mode, tc.wantMode)
		}
		if len(decision.Warnings) != tc.wantWarnings {
			t.Fatalf("%s: warnings = %v, want %d", tc.name, decision.Warnings, tc.wantWarnings)
		}
	}

	_, err := Resolve("sometimes", true, nil, nil)
	assert.Error(t, err)
}

func TestMonitorRunOncePublishesProbeResult(t *testing.T) {
	t.Parallel()

	peer := rpctest.StartPeer(t, rpc.ProtocolVersion, rpc.SessionType, nil)
	bus := &recordingBus{}
	var got []error
	monitor, err := NewMonitor(NewProber(peer.Address), bus, MonitorConfig{
		OnResult: func(_ context.Context, _ Endpoint, err error) { got = append(got, err) },
	})
	require.NoError(t, err)

	_, err = monitor.RunOnce(context.Background(), "startup")
	require.NoError(t, err)

	published := bus.snapshot()
	require.Len(t, published, 1)
	assert.Equal(t, events.EventTypeProbeResult, published[0].Type)
	report, ok := published[0].Payload.(ProbeReport)
	require.True(t, ok)
	assert.True(t, report.Reachable)
	assert.Equal(t, "startup", report.Trigger)
	assert.Equal(t, []error{nil}, got)
}

func TestReprobeStopsOnProtocolMismatch(t *testing.T) {
	t.Parallel()

	peer := rpctest.StartPeer(t, "2", rpc.SessionType, nil)
	monitor, err := NewMonitor(NewProber(peer.Address), &recordingBus{}, MonitorConfig{
		RetryAttempts: 5,
		RetryInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = monitor.Reprobe(context.Background(), "forwarding_failure")
	assert.ErrorIs(t, err, ErrProtocolMismatch)
	assert.Equal(t, int64(1), peer.Handshakes())
}

func TestReprobeRetriesUnreachablePeer(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	monitor, err := NewMonitor(NewProber(rpctest.UnusedAddress(t), WithTimeout(200*time.Millisecond)), bus, MonitorConfig{
		RetryAttempts: 2,
		RetryInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = monitor.Reprobe(context.Background(), "forwarding_failure")
	assert.ErrorIs(t, err, ErrUnreachable)
	published := bus.snapshot()
	require.Len(t, published, 1)
	assert.Equal(t, events.SeverityWarn, published[0].Severity)
}

func TestNewMonitorRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewMonitor(nil, &recordingBus{}, MonitorConfig{})
	assert.Error(t, err)
	_, err = NewMonitor(NewProber("127.0.0.1:1"), nil, MonitorConfig{})
	assert.Error(t, err)
}

func TestMonitorStartReturnsWhenHeartbeatDisabled(t *testing.T) {
	t.Parallel()

	monitor, err := NewMonitor(NewProber("127.0.0.1:1"), &recordingBus{}, MonitorConfig{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		monitor.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return with heartbeat disabled")
	}
}
