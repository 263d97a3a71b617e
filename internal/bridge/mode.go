package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/ship-commander/cmdbridge/internal/probe"
	"github.com/ship-commander/cmdbridge/internal/session"
	"github.com/ship-commander/cmdbridge/internal/state"
	"github.com/ship-commander/cmdbridge/internal/telemetry/invariants"
)

// RequestMode queues a target mode switch behind every command already
// admitted and waits until it is applied. A nil endpoint is allowed only
// for local mode.
func (b *Bridge) RequestMode(ctx context.Context, mode string, endpoint *probe.Endpoint, reason string) (session.Status, error) {
	if b == nil {
		return session.Status{}, errors.New("bridge is nil")
	}
	parsed, err := state.ParseMode(mode)
	if err != nil {
		return session.Status{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if parsed == state.ModeExternal && !endpoint.Valid() {
		return session.Status{}, fmt.Errorf("%w: external mode needs a valid endpoint", ErrValidation)
	}
	request := &modeRequest{mode: parsed, endpoint: endpoint, reason: reason, applied: make(chan error, 1)}
	if err := b.enqueue(&ticket{ctx: ctx, mode: request}); err != nil {
		return session.Status{}, err
	}
	select {
	case err := <-request.applied:
		return b.sessions.Status(), err
	case <-ctx.Done():
		return b.sessions.Status(), fmt.Errorf("waiting for mode switch: %w", ctx.Err())
	}
}

// requestModeAsync queues a switch without waiting for it.
func (b *Bridge) requestModeAsync(mode string, endpoint *probe.Endpoint, reason string) {
	request := &modeRequest{mode: mode, endpoint: endpoint, reason: reason, applied: make(chan error, 1)}
	if err := b.enqueue(&ticket{ctx: b.background, mode: request}); err != nil {
		b.logger.Debug("mode switch not queued", "mode", mode, "error", err)
	}
}

// barrier returns once everything queued before it has been handled.
func (b *Bridge) barrier(ctx context.Context) error {
	request := &modeRequest{applied: make(chan error, 1)}
	if err := b.enqueue(&ticket{ctx: ctx, mode: request}); err != nil {
		return err
	}
	select {
	case err := <-request.applied:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyMode runs on the dispatcher between commands and records the new
// mode on the adapter goroutine.
func (b *Bridge) applyMode(ctx context.Context, request *modeRequest) error {
	if request.mode == "" {
		return nil
	}
	current := b.sessions.Status()
	invariants.CheckModeSwitchIdle(ctx, "bridge.apply_mode", current.TargetMode, request.mode, int(b.inFlight.Load()))

	// External without an endpoint is legal when fallback is disabled:
	// commands then fail with a forwarding error until a probe succeeds.
	address := ""
	if request.mode == state.ModeExternal && request.endpoint.Valid() {
		b.endpoint.Store(request.endpoint)
		address = request.endpoint.Address
	} else {
		b.endpoint.Store(nil)
	}
	if current.TargetMode == request.mode && current.Endpoint == address {
		return nil
	}
	// Session fields are only written on the adapter goroutine.
	_, err := b.adapter.Do(ctx, "switch_mode", func(ctx context.Context) (any, error) {
		return b.sessions.SwitchMode(ctx, request.mode, address, request.reason)
	})
	return err
}

// handleProbeResult turns a probe outcome into a routing decision.
func (b *Bridge) handleProbeResult(_ context.Context, endpoint probe.Endpoint, probeErr error) {
	if !b.cfg.ForwardingEnabled {
		return
	}
	var candidate *probe.Endpoint
	if probeErr == nil {
		candidate = &endpoint
	}
	decision, err := probe.Resolve(b.cfg.Prefer, b.cfg.FallbackToLocal, candidate, probeErr)
	if err != nil {
		b.logger.Warn("probe result ignored", "error", err)
		return
	}
	for _, warning := range decision.Warnings {
		b.logger.Warn(warning, "address", b.prober.Address())
	}

	current := b.sessions.Status().TargetMode
	if decision.Mode == current {
		switch {
		case decision.Endpoint != nil:
			previous := b.endpoint.Load()
			if previous != nil && previous.Address == decision.Endpoint.Address {
				refreshed := *previous
				refreshed.LastHeartbeat = decision.Endpoint.LastHeartbeat
				refreshed.ServerVersion = decision.Endpoint.ServerVersion
				b.endpoint.CompareAndSwap(previous, &refreshed)
				return
			}
			b.requestModeAsync(decision.Mode, decision.Endpoint, "external peer recovered")
		case current == state.ModeExternal:
			b.endpoint.Store(nil)
		}
		return
	}
	reason := "probe found external peer"
	if decision.Mode == state.ModeLocal {
		reason = "external peer unavailable"
	}
	b.requestModeAsync(decision.Mode, decision.Endpoint, reason)
}

// Availability reports where commands could run.
type Availability struct {
	Local           bool            `cbor:"local"`
	SessionState    string          `cbor:"session_state"`
	External        bool            `cbor:"external"`
	ExternalAddress string          `cbor:"external_address,omitempty"`
	Endpoint        *probe.Endpoint `cbor:"endpoint,omitempty"`
	ExternalError   string          `cbor:"external_error,omitempty"`
	TargetMode      string          `cbor:"target_mode"`
}

// Detect probes the external peer without changing the target mode.
func (b *Bridge) Detect(ctx context.Context) Availability {
	status := b.sessions.Status()
	availability := Availability{
		Local:        true,
		SessionState: status.State,
		TargetMode:   status.TargetMode,
	}
	if b.prober == nil || !b.cfg.ForwardingEnabled {
		availability.ExternalError = probe.ErrDisabled.Error()
		return availability
	}
	availability.ExternalAddress = b.prober.Address()
	endpoint, err := b.prober.Probe(ctx)
	if err != nil {
		availability.ExternalError = err.Error()
		return availability
	}
	availability.External = true
	availability.Endpoint = &endpoint
	return availability
}

// SetTargetMode switches routing on request. External probes first and
// fails without a reachable peer; auto applies the configured policy to
// a fresh probe.
func (b *Bridge) SetTargetMode(ctx context.Context, mode string) (session.Status, error) {
	switch mode {
	case state.ModeLocal:
		return b.RequestMode(ctx, state.ModeLocal, nil, "requested")
	case state.ModeExternal, probe.PreferAuto:
	default:
		return b.sessions.Status(), fmt.Errorf("%w: unknown target mode %q", ErrValidation, mode)
	}
	if b.prober == nil || !b.cfg.ForwardingEnabled {
		if mode == probe.PreferAuto {
			return b.RequestMode(ctx, state.ModeLocal, nil, "auto without external probing")
		}
		return b.sessions.Status(), &ForwardingError{Err: probe.ErrDisabled}
	}
	endpoint, err := b.prober.Probe(ctx)
	if mode == state.ModeExternal {
		if err != nil {
			return b.sessions.Status(), &ForwardingError{Address: b.prober.Address(), Err: err}
		}
		return b.RequestMode(ctx, state.ModeExternal, &endpoint, "requested")
	}
	if err != nil {
		return b.RequestMode(ctx, state.ModeLocal, nil, "auto: "+err.Error())
	}
	return b.RequestMode(ctx, state.ModeExternal, &endpoint, "auto: external peer found")
}
