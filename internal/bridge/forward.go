package bridge

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ship-commander/cmdbridge/internal/events"
	"github.com/ship-commander/cmdbridge/internal/probe"
	"github.com/ship-commander/cmdbridge/internal/rpc"
	"github.com/ship-commander/cmdbridge/internal/session"
	"github.com/ship-commander/cmdbridge/internal/state"
)

// forward delivers command to the external peer. Only failures that
// happened before the peer could act are retried, once.
func (b *Bridge) forward(ctx context.Context, command *Command, endpoint *probe.Endpoint) Result {
	ctx, span := b.tracer.Start(ctx, "bridge.forward", trace.WithAttributes(
		attribute.String("command_id", command.ID),
		attribute.String("operation", command.Operation),
		attribute.String("endpoint", endpoint.Address),
	))
	defer span.End()

	args := make(map[string]any, len(command.Args)+1)
	maps.Copy(args, command.Args)
	response := b.cfg.ForwardResponseTimeout
	if command.Class == ClassExtended {
		// The peer must hand back the complete output; truncation happens here.
		args["line_limit"] = -1
		response = b.cfg.ExtendedTimeout
		if response <= 0 {
			response = b.cfg.Ceiling
		}
	}
	request := rpc.Request{
		Action:          command.Operation,
		RequestID:       command.ID,
		ProtocolVersion: rpc.ProtocolVersion,
		Args:            args,
	}
	client := b.newForwarder(endpoint.Address, b.cfg.ForwardConnectTimeout, response)

	var remote Result
	err := client.Call(ctx, request, &remote)
	if err != nil && rpc.Transient(err) {
		span.AddEvent("retry", trace.WithAttributes(attribute.String("error", err.Error())))
		remote = Result{}
		err = client.Call(ctx, request, &remote)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		forwardingErr := &ForwardingError{Address: endpoint.Address, Err: err}
		// A peer that answered is still trusted unless it no longer
		// speaks our protocol version.
		var remoteErr *rpc.RemoteError
		if !errors.As(err, &remoteErr) || rpc.IsProtocolMismatch(err) {
			b.invalidate(endpoint, err)
		}
		return Failure(KindForwarding, forwardingErr)
	}

	b.sessions.UpdateMetrics(func(metrics *session.Metrics) { metrics.Forwarded++ })
	if remote.Status == "" {
		return Failure(KindForwarding, &ForwardingError{Address: endpoint.Address, Err: errors.New("peer returned an empty result")})
	}
	remote.CommandID = ""
	return remote
}

// invalidate drops a failed endpoint and schedules recovery. It never
// blocks the dispatcher.
func (b *Bridge) invalidate(endpoint *probe.Endpoint, cause error) {
	if !b.endpoint.CompareAndSwap(endpoint, nil) {
		return
	}
	b.logger.Warn("external endpoint invalidated", "endpoint", endpoint.Address, "error", cause)
	b.bus.Publish(events.Event{
		Type:       events.EventTypeForwardingFailure,
		Timestamp:  b.now().UTC(),
		EntityType: "endpoint",
		EntityID:   endpoint.Address,
		Payload: map[string]any{
			"error":             cause.Error(),
			"fallback_to_local": b.cfg.FallbackToLocal,
		},
		Severity: events.SeverityWarn,
	})
	if b.cfg.FallbackToLocal {
		b.requestModeAsync(state.ModeLocal, nil, fmt.Sprintf("forwarding to %s failed", endpoint.Address))
	}
	if b.monitor == nil {
		return
	}
	b.workers.Add(1)
	go func() {
		defer b.workers.Done()
		ctx, cancel := context.WithTimeout(b.background, time.Minute)
		defer cancel()
		_, _ = b.monitor.Reprobe(ctx, "forwarding_failure")
	}()
}
