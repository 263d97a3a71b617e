// Package bridge serializes concurrent commands into ordered, exclusive
// execution against the owned session, either locally through the
// adapter or forwarded to an external peer.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ship-commander/cmdbridge/internal/adapter"
	"github.com/ship-commander/cmdbridge/internal/events"
	"github.com/ship-commander/cmdbridge/internal/outputstore"
	"github.com/ship-commander/cmdbridge/internal/probe"
	"github.com/ship-commander/cmdbridge/internal/rpc"
	"github.com/ship-commander/cmdbridge/internal/session"
	"github.com/ship-commander/cmdbridge/internal/state"
	"github.com/ship-commander/cmdbridge/internal/telemetry/invariants"
)

// Class selects the timeout policy of a command.
type Class string

const (
	// ClassStandard commands get the short standard timeout.
	ClassStandard Class = "standard"
	// ClassExtended commands get the extended timeout and output capture.
	ClassExtended Class = "extended"
)

// Handler executes a command against the local session. It always runs
// on the adapter goroutine.
type Handler func(ctx context.Context, sessions *session.Manager) (any, error)

// Command is one request for exclusive, ordered execution.
type Command struct {
	ID          string
	Operation   string
	Args        map[string]any
	Class       Class
	Timeout     time.Duration
	LineLimit   *int
	SubmittedAt time.Time
	Handler     Handler
}

// Config holds routing and timeout policy.
type Config struct {
	Prefer                 string
	FallbackToLocal        bool
	ForwardingEnabled      bool
	StandardTimeout        time.Duration
	ExtendedTimeout        time.Duration
	Ceiling                time.Duration
	ForwardConnectTimeout  time.Duration
	ForwardResponseTimeout time.Duration
	HeartbeatInterval      time.Duration
	DefaultLineLimit       int
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Prefer:                 probe.PreferAuto,
		FallbackToLocal:        true,
		ForwardingEnabled:      true,
		StandardTimeout:        5 * time.Second,
		ExtendedTimeout:        240 * time.Second,
		Ceiling:                10 * time.Minute,
		ForwardConnectTimeout:  2 * time.Second,
		ForwardResponseTimeout: 30 * time.Second,
		DefaultLineLimit:       30,
	}
}

// EventBus publishes bridge lifecycle events.
type EventBus interface {
	Publish(event events.Event)
}

type forwarder interface {
	Call(ctx context.Context, request rpc.Request, result any) error
}

// Option customizes bridge construction.
type Option func(*Bridge)

// WithLogger configures structured logging.
func WithLogger(logger *log.Logger) Option {
	return func(bridge *Bridge) {
		if logger != nil {
			bridge.logger = logger
		}
	}
}

// WithTracer configures the tracer used for submit, dispatch and forward
// spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(bridge *Bridge) {
		if tracer != nil {
			bridge.tracer = tracer
		}
	}
}

// WithEventBus configures where lifecycle events are published.
func WithEventBus(bus EventBus) Option {
	return func(bridge *Bridge) {
		if bus != nil {
			bridge.bus = bus
		}
	}
}

// WithProber enables discovery of an external peer.
func WithProber(prober *probe.Prober) Option {
	return func(bridge *Bridge) {
		if prober != nil {
			bridge.prober = prober
		}
	}
}

const (
	ticketPending int32 = iota
	ticketDispatched
	ticketAbandoned
)

type modeRequest struct {
	// mode is empty for a barrier that only waits for the queue ahead.
	mode     string
	endpoint *probe.Endpoint
	reason   string
	applied  chan error
}

type ticket struct {
	seq     uint64
	ctx     context.Context
	command *Command
	mode    *modeRequest
	state   atomic.Int32
	done    chan Result
}

// Bridge is the single admission point for commands.
type Bridge struct {
	cfg      Config
	adapter  *adapter.Adapter
	sessions *session.Manager
	outputs  *outputstore.Store
	prober   *probe.Prober
	monitor  *probe.Monitor
	bus      EventBus
	logger   *log.Logger
	tracer   trace.Tracer
	now      func() time.Time

	newForwarder func(address string, connect, response time.Duration) forwarder

	mu       sync.Mutex
	queue    []*ticket
	sequence uint64
	closed   bool
	wake     chan struct{}
	done     chan struct{}

	lastDispatched uint64
	inFlight       atomic.Int32
	endpoint       atomic.Pointer[probe.Endpoint]

	background context.Context
	cancel     context.CancelFunc
	workers    sync.WaitGroup
}

// New creates a bridge and starts its dispatcher.
func New(
	adapterLoop *adapter.Adapter,
	sessions *session.Manager,
	outputs *outputstore.Store,
	cfg Config,
	options ...Option,
) (*Bridge, error) {
	if adapterLoop == nil {
		return nil, errors.New("adapter is required")
	}
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if outputs == nil {
		return nil, errors.New("output store is required")
	}
	prefer, err := probe.ParsePreference(cfg.Prefer)
	if err != nil {
		return nil, err
	}
	cfg.Prefer = prefer
	defaults := DefaultConfig()
	if cfg.StandardTimeout <= 0 {
		cfg.StandardTimeout = defaults.StandardTimeout
	}
	if cfg.ExtendedTimeout < 0 {
		cfg.ExtendedTimeout = 0
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = defaults.Ceiling
	}
	if cfg.ForwardConnectTimeout <= 0 {
		cfg.ForwardConnectTimeout = defaults.ForwardConnectTimeout
	}
	if cfg.ForwardResponseTimeout <= 0 {
		cfg.ForwardResponseTimeout = defaults.ForwardResponseTimeout
	}

	background, cancel := context.WithCancel(context.Background())
	bridge := &Bridge{
		cfg:      cfg,
		adapter:  adapterLoop,
		sessions: sessions,
		outputs:  outputs,
		bus:      events.New(),
		logger:   log.New(io.Discard),
		tracer:   otel.Tracer("cmdbridge/bridge"),
		now:      time.Now,
		newForwarder: func(address string, connect, response time.Duration) forwarder {
			return rpc.NewClient(address, rpc.WithConnectTimeout(connect), rpc.WithResponseTimeout(response))
		},
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		background: background,
		cancel:     cancel,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(bridge)
	}

	if bridge.prober != nil && cfg.ForwardingEnabled {
		monitor, err := probe.NewMonitor(bridge.prober, bridge.bus, probe.MonitorConfig{
			HeartbeatInterval: cfg.HeartbeatInterval,
			OnResult:          bridge.handleProbeResult,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create probe monitor: %w", err)
		}
		bridge.monitor = monitor
	}

	go bridge.run()
	return bridge, nil
}

// Start probes for an external peer once, applies the resulting mode and
// starts the heartbeat monitor. It returns once the mode is settled.
func (b *Bridge) Start(ctx context.Context) error {
	if b == nil {
		return errors.New("bridge is nil")
	}
	if b.monitor == nil {
		return nil
	}
	if _, err := b.monitor.RunOnce(ctx, "startup"); err != nil {
		b.logger.Info("no external peer at startup", "address", b.prober.Address(), "error", err)
	}
	if err := b.barrier(ctx); err != nil {
		return err
	}

	b.workers.Add(1)
	go func() {
		defer b.workers.Done()
		b.monitor.Start(b.background)
	}()
	return nil
}

// Close stops accepting commands, fails anything still queued and waits
// for the in-flight command and background probes to finish or ctx to
// expire.
func (b *Bridge) Close(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.signal()
	b.cancel()

	finished := make(chan struct{})
	go func() {
		<-b.done
		b.workers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for bridge shutdown: %w", ctx.Err())
	}
}

// Submit enqueues command and blocks until it reaches a terminal result.
// The wait is bounded by the command's timeout and always by the
// configured ceiling. A command that times out before dispatch is
// skipped; one that was already dispatched runs to completion and its
// result is discarded.
func (b *Bridge) Submit(ctx context.Context, command Command) Result {
	if b == nil {
		return Failure(KindInternal, errors.New("bridge is nil"))
	}
	if command.ID == "" {
		command.ID = uuid.NewString()
	}
	if command.Class == "" {
		command.Class = ClassStandard
	}
	if command.SubmittedAt.IsZero() {
		command.SubmittedAt = b.now().UTC()
	}

	ctx, span := b.tracer.Start(ctx, "bridge.submit", trace.WithAttributes(
		attribute.String("command_id", command.ID),
		attribute.String("operation", command.Operation),
		attribute.String("class", string(command.Class)),
	))
	defer span.End()

	result := b.await(ctx, command)
	result.CommandID = command.ID
	span.SetAttributes(attribute.String("status", string(result.Status)))
	if result.Error != nil {
		span.SetAttributes(attribute.String("error_kind", string(result.Error.Kind)))
		span.SetStatus(codes.Error, result.Error.Message)
	}
	return result
}

func (b *Bridge) await(ctx context.Context, command Command) Result {
	wait := b.waitLimit(command)
	t := &ticket{ctx: ctx, command: &command, done: make(chan Result, 1)}
	if err := b.enqueue(t); err != nil {
		return Failure(KindInternal, err)
	}
	b.sessions.UpdateMetrics(func(metrics *session.Metrics) { metrics.Submitted++ })

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case result := <-t.done:
		return result
	case <-timer.C:
		return b.abandon(t, fmt.Sprintf("timed out after %s", wait))
	case <-ctx.Done():
		return b.abandon(t, fmt.Sprintf("was cancelled by the caller (%v)", ctx.Err()))
	}
}

// abandon gives up the caller's wait. The dispatcher skips a ticket that
// is still pending; a dispatched one finishes and its result is dropped.
func (b *Bridge) abandon(t *ticket, reason string) Result {
	operation := t.command.Operation
	if t.state.CompareAndSwap(ticketPending, ticketAbandoned) {
		b.sessions.UpdateMetrics(func(metrics *session.Metrics) {
			metrics.TimedOut++
			metrics.Abandoned++
		})
		return Failure(KindTimeout, fmt.Errorf("%s %s before dispatch; command abandoned", operation, reason))
	}
	select {
	case result := <-t.done:
		return result
	default:
	}
	b.sessions.UpdateMetrics(func(metrics *session.Metrics) { metrics.TimedOut++ })
	return Failure(KindTimeout, fmt.Errorf("%s %s; command is still running and its result will be discarded", operation, reason))
}

func (b *Bridge) waitLimit(command Command) time.Duration {
	limit := command.Timeout
	if limit <= 0 {
		limit = b.cfg.StandardTimeout
		if command.Class == ClassExtended {
			limit = b.cfg.ExtendedTimeout
		}
	}
	if limit <= 0 || limit > b.cfg.Ceiling {
		limit = b.cfg.Ceiling
	}
	return limit
}

func (b *Bridge) enqueue(t *ticket) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.sequence++
	t.seq = b.sequence
	b.queue = append(b.queue, t)
	depth := len(b.queue)
	b.mu.Unlock()

	b.sessions.UpdateMetrics(func(metrics *session.Metrics) { metrics.QueueDepth = depth })
	b.signal()
	return nil
}

func (b *Bridge) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// next blocks until a ticket is queued. It returns nil once the bridge
// is closed and the queue is empty.
func (b *Bridge) next() (*ticket, bool) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			t := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			depth, closed := len(b.queue), b.closed
			b.mu.Unlock()
			b.sessions.UpdateMetrics(func(metrics *session.Metrics) { metrics.QueueDepth = depth })
			return t, closed
		}
		if b.closed {
			b.mu.Unlock()
			return nil, true
		}
		b.mu.Unlock()
		<-b.wake
	}
}

// run is the dispatcher: the only goroutine that starts commands, one at
// a time in admission order.
func (b *Bridge) run() {
	defer close(b.done)
	for {
		t, closed := b.next()
		if t == nil {
			return
		}
		invariants.CheckFIFOCompletion(t.ctx, "bridge.dispatch", b.lastDispatched+1, t.seq)
		b.lastDispatched = t.seq

		if t.mode != nil {
			if closed {
				t.mode.applied <- ErrClosed
				continue
			}
			t.mode.applied <- b.applyMode(t.ctx, t.mode)
			continue
		}
		if !t.state.CompareAndSwap(ticketPending, ticketDispatched) {
			continue
		}
		if closed {
			t.done <- Failure(KindInternal, ErrClosed)
			continue
		}

		inFlight := b.inFlight.Add(1)
		invariants.CheckSingleDispatch(t.ctx, "bridge.dispatch", t.command.ID, int(inFlight))
		b.sessions.UpdateMetrics(func(metrics *session.Metrics) { metrics.InFlight = int(inFlight) })

		result := b.dispatch(t)

		remaining := b.inFlight.Add(-1)
		b.sessions.UpdateMetrics(func(metrics *session.Metrics) {
			metrics.InFlight = int(remaining)
			metrics.Completed++
			if result.Status != StatusOK {
				metrics.Failed++
			}
		})
		t.done <- result
	}
}

func (b *Bridge) dispatch(t *ticket) Result {
	command := t.command
	started := time.Now()
	ctx, span := b.tracer.Start(context.WithoutCancel(t.ctx), "bridge.dispatch", trace.WithAttributes(
		attribute.String("command_id", command.ID),
		attribute.String("operation", command.Operation),
		attribute.Int64("sequence", int64(t.seq)),
		attribute.Int64("queued_ms", started.Sub(command.SubmittedAt).Milliseconds()),
	))
	defer span.End()

	mode, endpoint := b.route()
	span.SetAttributes(attribute.String("mode", mode))

	var result Result
	switch {
	case mode == state.ModeExternal && endpoint != nil:
		result = b.forward(ctx, command, endpoint)
	case mode == state.ModeExternal && !b.cfg.FallbackToLocal:
		result = Failure(KindForwarding, &ForwardingError{Err: errors.New("no valid external endpoint and fallback to local is disabled")})
	default:
		result = b.runLocal(ctx, command)
	}
	if command.Class == ClassExtended && result.Status == StatusOK {
		result = b.captureOutput(command, result)
	}

	duration := time.Since(started)
	span.SetAttributes(
		attribute.String("status", string(result.Status)),
		attribute.Int64("duration_ms", duration.Milliseconds()),
	)
	if result.Error != nil {
		span.SetStatus(codes.Error, result.Error.Message)
	}
	b.publishCompleted(command, mode, result, duration)
	return result
}

// route picks where the next command runs. An external mode without a
// valid endpoint returns a nil endpoint.
func (b *Bridge) route() (string, *probe.Endpoint) {
	if !b.cfg.ForwardingEnabled {
		return state.ModeLocal, nil
	}
	if b.sessions.Status().TargetMode != state.ModeExternal {
		return state.ModeLocal, nil
	}
	endpoint := b.endpoint.Load()
	if !endpoint.Valid() {
		return state.ModeExternal, nil
	}
	return state.ModeExternal, endpoint
}

func (b *Bridge) runLocal(ctx context.Context, command *Command) Result {
	if command.Handler == nil {
		return Failure(KindInternal, fmt.Errorf("operation %q has no local handler", command.Operation))
	}
	handler := command.Handler
	value, err := b.adapter.Do(ctx, command.Operation, func(ctx context.Context) (any, error) {
		return handler(ctx, b.sessions)
	})
	if err != nil {
		return FromError(err)
	}
	return OK(value)
}

func (b *Bridge) publishCompleted(command *Command, mode string, result Result, duration time.Duration) {
	payload := map[string]any{
		"operation":   command.Operation,
		"status":      string(result.Status),
		"mode":        mode,
		"duration_ms": duration.Milliseconds(),
	}
	severity := events.SeverityInfo
	if result.Error != nil {
		payload["error_kind"] = string(result.Error.Kind)
		severity = events.SeverityWarn
	}
	b.bus.Publish(events.Event{
		Type:       events.EventTypeCommandCompleted,
		Timestamp:  b.now().UTC(),
		EntityType: "command",
		EntityID:   command.ID,
		Payload:    payload,
		Severity:   severity,
	})
	logger := b.logger.With("command_id", command.ID, "operation", command.Operation, "mode", mode)
	if result.Error != nil {
		logger.Warn("command failed", "kind", result.Error.Kind, "error", result.Error.Message, "duration_ms", duration.Milliseconds())
		return
	}
	logger.Debug("command completed", "duration_ms", duration.Milliseconds())
}
