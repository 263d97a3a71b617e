package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/ship-commander/cmdbridge/internal/adapter"
	"github.com/ship-commander/cmdbridge/internal/bridge"
	"github.com/ship-commander/cmdbridge/internal/config"
	"github.com/ship-commander/cmdbridge/internal/events"
	"github.com/ship-commander/cmdbridge/internal/execcmd"
	"github.com/ship-commander/cmdbridge/internal/gateway"
	"github.com/ship-commander/cmdbridge/internal/outputstore"
	"github.com/ship-commander/cmdbridge/internal/probe"
	"github.com/ship-commander/cmdbridge/internal/session"
	"github.com/ship-commander/cmdbridge/internal/state"
	"github.com/ship-commander/cmdbridge/internal/viewer"
)

// runtime is one wired bridge stack.
type runtime struct {
	bus      *events.InMemoryBus
	adapter  *adapter.Adapter
	sessions *session.Manager
	outputs  *outputstore.Store
	bridge   *bridge.Bridge
	gateway  *gateway.Gateway
}

// newRuntime wires the bridge components. An empty instanceID gets a
// fresh one.
func newRuntime(cfg *config.Config, logger *log.Logger, instanceID string) (*runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	bus := events.New(events.WithLogger(logger))
	loop := adapter.New(adapter.WithLogger(logger))
	sessions := session.NewManager(
		session.WithMachine(state.NewMachine("session", state.WithPublisher(bus))),
		session.WithLogger(logger),
	)
	outputs := outputstore.New(cfg.Output.MaxBytes, outputstore.WithEventPublisher(bus))

	options := []bridge.Option{
		bridge.WithLogger(logger),
		bridge.WithEventBus(bus),
	}
	if cfg.ForwardingEnabled && cfg.Probe.Address != "" {
		options = append(options, bridge.WithProber(probe.NewProber(
			cfg.Probe.Address,
			probe.WithTimeout(cfg.Probe.Timeout),
			probe.WithSelfInstanceID(instanceID),
		)))
	}

	b, err := bridge.New(loop, sessions, outputs, bridge.Config{
		Prefer:                 cfg.Prefer,
		FallbackToLocal:        cfg.FallbackToLocal,
		ForwardingEnabled:      cfg.ForwardingEnabled,
		StandardTimeout:        cfg.Timeouts.Standard,
		ExtendedTimeout:        cfg.Timeouts.Extended,
		Ceiling:                cfg.Timeouts.Ceiling,
		ForwardConnectTimeout:  cfg.Timeouts.ForwardConnect,
		ForwardResponseTimeout: cfg.Timeouts.ForwardResponse,
		HeartbeatInterval:      cfg.Probe.HeartbeatInterval,
		DefaultLineLimit:       cfg.Output.DefaultLineLimit,
	}, options...)
	if err != nil {
		loop.Stop()
		return nil, fmt.Errorf("create bridge: %w", err)
	}

	runner := execcmd.NewRunner(
		execcmd.WithPython(cfg.Exec.Python),
		execcmd.WithAllowList(cfg.Exec.AllowCommands),
	)
	gw, err := gateway.New(b,
		gateway.WithRunner(runner),
		gateway.WithViewerDefaults(viewer.Options{
			Title:  cfg.Viewer.Title,
			Width:  cfg.Viewer.Width,
			Height: cfg.Viewer.Height,
		}),
		gateway.WithServerVersion(Version),
		gateway.WithInstanceID(instanceID),
		gateway.WithLogger(logger),
	)
	if err != nil {
		_ = b.Close(context.Background())
		loop.Stop()
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	return &runtime{
		bus:      bus,
		adapter:  loop,
		sessions: sessions,
		outputs:  outputs,
		bridge:   b,
		gateway:  gw,
	}, nil
}

// Close releases the viewer on the adapter thread, then stops the bridge,
// the adapter and the event bus.
func (r *runtime) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.sessions.Status().Running() {
		if result := r.gateway.Call(ctx, "close_viewer", nil); result.Status != bridge.StatusOK {
			errs = append(errs, fmt.Errorf("close viewer: %w", result.Err()))
		}
	}
	if err := r.bridge.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	r.adapter.Stop()
	r.bus.Close()
	return errors.Join(errs...)
}
