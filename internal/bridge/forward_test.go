package bridge

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ship-commander/cmdbridge/internal/events"
	"github.com/ship-commander/cmdbridge/internal/outputstore"
	"github.com/ship-commander/cmdbridge/internal/probe"
	"github.com/ship-commander/cmdbridge/internal/rpc"
	"github.com/ship-commander/cmdbridge/internal/rpc/rpctest"
	"github.com/ship-commander/cmdbridge/internal/session"
	"github.com/ship-commander/cmdbridge/internal/state"
)

func localOnly(*testing.T) Handler {
	return func(context.Context, *session.Manager) (any, error) {
		return "local", nil
	}
}

func startRemotePeer(t *testing.T, calls *atomic.Int64) *rpctest.Peer {
	t.Helper()
	return rpctest.StartPeer(t, rpc.ProtocolVersion, rpc.SessionType, func(server *rpc.Server) {
		server.Handle("list_layers", func(_ context.Context, request rpc.Request) (any, error) {
			calls.Add(1)
			return OK(map[string]any{"from": "peer", "request_id": request.RequestID}), nil
		})
		server.Handle("execute_command", func(_ context.Context, request rpc.Request) (any, error) {
			calls.Add(1)
			return OK(map[string]any{
				"status":     "ok",
				"returncode": 0,
				"stdout":     "one\ntwo\nthree\n",
				"stderr":     "",
				"line_limit": request.Args["line_limit"],
			}), nil
		})
	})
}

func TestStartDiscoversPeerAndForwards(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	peer := startRemotePeer(t, &calls)
	bridge := newTestBridge(t, DefaultConfig(), WithProber(probe.NewProber(peer.Address, probe.WithTimeout(time.Second))))
	require.NoError(t, bridge.Start(rpctest.Context(t)))

	status := bridge.Status()
	require.Equal(t, state.ModeExternal, status.Session.TargetMode)
	require.NotNil(t, status.Endpoint)
	assert.Equal(t, peer.Address, status.Endpoint.Address)

	result := bridge.Submit(context.Background(), Command{ID: "cmd-1", Operation: "list_layers", Handler: localOnly(t)})
	require.Equal(t, StatusOK, result.Status, result.Err())

	var payload struct {
		From      string `cbor:"from"`
		RequestID string `cbor:"request_id"`
	}
	require.NoError(t, result.Decode(&payload))
	assert.Equal(t, "peer", payload.From)
	assert.Equal(t, "cmd-1", payload.RequestID)
	assert.Equal(t, "cmd-1", result.CommandID)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, uint64(1), bridge.Status().Session.Metrics.Forwarded)
}

func TestForwardedExtendedCommandRequestsFullOutput(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	peer := startRemotePeer(t, &calls)
	bridge := newTestBridge(t, DefaultConfig(), WithProber(probe.NewProber(peer.Address, probe.WithTimeout(time.Second))))
	require.NoError(t, bridge.Start(rpctest.Context(t)))

	limit := 2
	result := bridge.Submit(context.Background(), Command{
		Operation: "execute_command",
		Class:     ClassExtended,
		Args:      map[string]any{"command": "ls"},
		LineLimit: &limit,
		Handler:   localOnly(t),
	})
	require.Equal(t, StatusOK, result.Status, result.Err())

	payload := result.Payload.(map[string]any)
	assert.Equal(t, "one\ntwo\n", payload["stdout"])
	assert.Equal(t, true, payload["truncated"])

	page, err := bridge.Outputs().Read(payload["output_id"].(string), outputstore.Range{Stream: outputstore.StreamStdout})
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalLines)
}

func TestProbeOfMissingPeerStaysLocal(t *testing.T) {
	t.Parallel()

	prober := probe.NewProber(rpctest.UnusedAddress(t), probe.WithTimeout(200*time.Millisecond))
	bridge := newTestBridge(t, DefaultConfig(), WithProber(prober))

	started := time.Now()
	require.NoError(t, bridge.Start(rpctest.Context(t)))
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("start took %s, want under 2s", elapsed)
	}

	status := bridge.Status()
	assert.Equal(t, state.ModeLocal, status.Session.TargetMode)
	assert.Nil(t, status.Endpoint)

	result := bridge.Submit(context.Background(), Command{Operation: "list_layers", Handler: localOnly(t)})
	require.Equal(t, StatusOK, result.Status)
	assert.Equal(t, "local", result.Payload)
}

func TestForwardingFailureFallsBackToLocal(t *testing.T) {
	t.Parallel()

	bus := events.New()
	failures := make(chan events.Event, 4)
	bus.Subscribe(events.EventTypeForwardingFailure, func(event events.Event) { failures <- event })

	missing := rpctest.UnusedAddress(t)
	prober := probe.NewProber(missing, probe.WithTimeout(100*time.Millisecond))
	bridge := newTestBridge(t, DefaultConfig(), WithProber(prober), WithEventBus(bus))

	endpoint := &probe.Endpoint{Address: missing, ProtocolVersion: rpc.ProtocolVersion, DiscoveredAt: time.Now()}
	_, err := bridge.RequestMode(context.Background(), state.ModeExternal, endpoint, "test")
	require.NoError(t, err)

	failed := bridge.Submit(context.Background(), Command{Operation: "list_layers", Handler: localOnly(t)})
	require.Equal(t, StatusError, failed.Status)
	assert.Equal(t, KindForwarding, failed.Error.Kind)
	assert.Contains(t, failed.Error.Message, missing)

	select {
	case event := <-failures:
		assert.Equal(t, missing, event.EntityID)
	case <-time.After(2 * time.Second):
		t.Fatalf("forwarding failure event not published")
	}

	next := bridge.Submit(context.Background(), Command{Operation: "list_layers", Handler: localOnly(t)})
	require.Equal(t, StatusOK, next.Status, next.Err())
	assert.Equal(t, "local", next.Payload)
	assert.Equal(t, state.ModeLocal, bridge.Status().Session.TargetMode)
}

func TestForwardingToMismatchedPeerInvalidatesEndpoint(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	peer := rpctest.StartPeer(t, "99", rpc.SessionType, func(server *rpc.Server) {
		server.Handle("list_layers", func(_ context.Context, request rpc.Request) (any, error) {
			if request.ProtocolVersion != "99" {
				return nil, fmt.Errorf("%w: peer speaks %q, local speaks %q", rpc.ErrProtocolMismatch, request.ProtocolVersion, "99")
			}
			calls.Add(1)
			return OK("peer"), nil
		})
	})

	bus := events.New()
	failures := make(chan events.Event, 4)
	bus.Subscribe(events.EventTypeForwardingFailure, func(event events.Event) { failures <- event })
	prober := probe.NewProber(peer.Address, probe.WithTimeout(time.Second))
	bridge := newTestBridge(t, DefaultConfig(), WithProber(prober), WithEventBus(bus))

	// The peer was valid when discovered and restarted with a new version.
	endpoint := &probe.Endpoint{Address: peer.Address, ProtocolVersion: rpc.ProtocolVersion, DiscoveredAt: time.Now()}
	_, err := bridge.RequestMode(context.Background(), state.ModeExternal, endpoint, "test")
	require.NoError(t, err)

	failed := bridge.Submit(context.Background(), Command{Operation: "list_layers", Handler: localOnly(t)})
	require.Equal(t, StatusError, failed.Status)
	assert.Equal(t, KindForwarding, failed.Error.Kind)
	assert.Contains(t, failed.Error.Message, "protocol version mismatch")
	assert.Zero(t, calls.Load())

	select {
	case event := <-failures:
		assert.Equal(t, peer.Address, event.EntityID)
	case <-time.After(2 * time.Second):
		t.Fatalf("forwarding failure event not published")
	}

	next := bridge.Submit(context.Background(), Command{Operation: "list_layers", Handler: localOnly(t)})
	require.Equal(t, StatusOK, next.Status, next.Err())
	assert.Equal(t, "local", next.Payload)
	assert.Equal(t, state.ModeLocal, bridge.Status().Session.TargetMode)
	assert.Nil(t, bridge.Status().Endpoint)
}

func TestExternalWithoutFallbackFailsCommands(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Prefer = probe.PreferExternal
	cfg.FallbackToLocal = false
	prober := probe.NewProber(rpctest.UnusedAddress(t), probe.WithTimeout(100*time.Millisecond))
	bridge := newTestBridge(t, cfg, WithProber(prober))
	require.NoError(t, bridge.Start(rpctest.Context(t)))

	require.Equal(t, state.ModeExternal, bridge.Status().Session.TargetMode)
	result := bridge.Submit(context.Background(), Command{Operation: "list_layers", Handler: localOnly(t)})
	require.Equal(t, StatusError, result.Status)
	assert.Equal(t, KindForwarding, result.Error.Kind)
}

func TestModeSwitchWaitsForQueuedCommands(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	peer := startRemotePeer(t, &calls)
	bridge := newTestBridge(t, localConfig())

	release := make(chan struct{})
	started := make(chan struct{})
	var completed atomic.Int32
	hold := func(context.Context, *session.Manager) (any, error) {
		if completed.Load() == 0 {
			select {
			case <-started:
			default:
				close(started)
			}
			<-release
		}
		completed.Add(1)
		return "local", nil
	}

	done := make(chan Result, 3)
	go func() { done <- bridge.Submit(context.Background(), Command{Operation: "list_layers", Handler: hold}) }()
	<-started
	for i := 0; i < 2; i++ {
		go func() { done <- bridge.Submit(context.Background(), Command{Operation: "list_layers", Handler: hold}) }()
	}
	require.Eventually(t, func() bool { return bridge.Status().QueueDepth == 2 }, time.Second, time.Millisecond)

	switched := make(chan int32, 1)
	go func() {
		endpoint := &probe.Endpoint{Address: peer.Address, ProtocolVersion: rpc.ProtocolVersion, DiscoveredAt: time.Now()}
		_, err := bridge.RequestMode(context.Background(), state.ModeExternal, endpoint, "test")
		assert.NoError(t, err)
		switched <- completed.Load()
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-switched:
		t.Fatalf("mode switched while commands were queued")
	default:
	}
	close(release)

	if got := <-switched; got != 3 {
		t.Fatalf("completed before switch = %d, want 3", got)
	}
	for i := 0; i < 3; i++ {
		result := <-done
		assert.Equal(t, "local", result.Payload)
	}

	forwarded := bridge.Submit(context.Background(), Command{Operation: "list_layers", Handler: hold})
	require.Equal(t, StatusOK, forwarded.Status, forwarded.Err())
	assert.Equal(t, int64(1), calls.Load())
}

func TestDetectDoesNotChangeMode(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	peer := startRemotePeer(t, &calls)
	cfg := localConfig()
	bridge := newTestBridge(t, cfg, WithProber(probe.NewProber(peer.Address, probe.WithTimeout(time.Second))))

	availability := bridge.Detect(context.Background())
	assert.True(t, availability.Local)
	assert.True(t, availability.External)
	assert.Equal(t, peer.Address, availability.ExternalAddress)
	assert.Equal(t, state.ModeLocal, availability.TargetMode)
	assert.Equal(t, state.SessionUninitialized, availability.SessionState)
}

func TestSetTargetMode(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	peer := startRemotePeer(t, &calls)
	bridge := newTestBridge(t, DefaultConfig(), WithProber(probe.NewProber(peer.Address, probe.WithTimeout(time.Second))))
	ctx := context.Background()

	status, err := bridge.SetTargetMode(ctx, state.ModeExternal)
	require.NoError(t, err)
	assert.Equal(t, state.ModeExternal, status.TargetMode)
	assert.Equal(t, peer.Address, status.Endpoint)

	status, err = bridge.SetTargetMode(ctx, state.ModeLocal)
	require.NoError(t, err)
	assert.Equal(t, state.ModeLocal, status.TargetMode)
	assert.Empty(t, status.Endpoint)

	status, err = bridge.SetTargetMode(ctx, probe.PreferAuto)
	require.NoError(t, err)
	assert.Equal(t, state.ModeExternal, status.TargetMode)

	_, err = bridge.SetTargetMode(ctx, "sideways")
	require.ErrorIs(t, err, ErrValidation)
}

func TestSetTargetModeExternalWithoutPeerFails(t *testing.T) {
	t.Parallel()

	prober := probe.NewProber(rpctest.UnusedAddress(t), probe.WithTimeout(100*time.Millisecond))
	bridge := newTestBridge(t, DefaultConfig(), WithProber(prober))

	status, err := bridge.SetTargetMode(context.Background(), state.ModeExternal)
	require.Error(t, err)
	assert.Equal(t, KindForwarding, Classify(err))
	assert.Equal(t, state.ModeLocal, status.TargetMode)
}

func TestModeSwitchIsRecordedOnAdapter(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	peer := startRemotePeer(t, &calls)
	bridge := newTestBridge(t, DefaultConfig())
	before := bridge.adapter.Processed()

	endpoint := &probe.Endpoint{Address: peer.Address, ProtocolVersion: rpc.ProtocolVersion, DiscoveredAt: time.Now()}
	status, err := bridge.RequestMode(context.Background(), state.ModeExternal, endpoint, "test")
	require.NoError(t, err)
	assert.Equal(t, state.ModeExternal, status.TargetMode)
	assert.Equal(t, before+1, bridge.adapter.Processed())

	// Re-applying the current mode does not touch the session.
	_, err = bridge.RequestMode(context.Background(), state.ModeExternal, endpoint, "test")
	require.NoError(t, err)
	assert.Equal(t, before+1, bridge.adapter.Processed())
}
