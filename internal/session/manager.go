// Package session owns the lifecycle of the viewer session: construction
// on init, release on close, and the routing mode the bridge applies.
//
// Init, Close, Require and SwitchMode must only be called from the adapter
// goroutine.
// Status may be called from anywhere.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ship-commander/cmdbridge/internal/state"
	"github.com/ship-commander/cmdbridge/internal/viewer"
)

// ErrSessionNotReady is returned when an operation needs a running session.
var ErrSessionNotReady = errors.New("session not ready")

// Factory constructs the owned subsystem.
type Factory func(ctx context.Context, options viewer.Options) (*viewer.Viewer, error)

// DefaultFactory builds a headless viewer.
func DefaultFactory(_ context.Context, options viewer.Options) (*viewer.Viewer, error) {
	return viewer.New(options)
}

// Metrics are the bridge counters reported with the session status.
type Metrics struct {
	Submitted  uint64 `cbor:"submitted"`
	Completed  uint64 `cbor:"completed"`
	Failed     uint64 `cbor:"failed"`
	TimedOut   uint64 `cbor:"timed_out"`
	Abandoned  uint64 `cbor:"abandoned"`
	Forwarded  uint64 `cbor:"forwarded"`
	QueueDepth int    `cbor:"queue_depth"`
	InFlight   int    `cbor:"in_flight"`
}

// Status is an immutable snapshot of the session.
type Status struct {
	SessionID     string    `cbor:"session_id"`
	State         string    `cbor:"state"`
	TargetMode    string    `cbor:"target_mode"`
	Endpoint      string    `cbor:"endpoint,omitempty"`
	Title         string    `cbor:"title,omitempty"`
	StartedAt     time.Time `cbor:"started_at,omitempty"`
	Constructions uint64    `cbor:"constructions"`
	Metrics       Metrics   `cbor:"metrics"`
}

// Running reports whether the snapshot describes a running session.
func (s Status) Running() bool {
	return s.State == state.SessionRunning
}

// Option customizes manager construction.
type Option func(*Manager)

// WithFactory replaces the subsystem constructor.
func WithFactory(factory Factory) Option {
	return func(manager *Manager) {
		if factory != nil {
			manager.factory = factory
		}
	}
}

// WithMachine configures the transition validator.
func WithMachine(machine *state.Machine) Option {
	return func(manager *Manager) {
		if machine != nil {
			manager.machine = machine
		}
	}
}

// WithLogger configures lifecycle logging.
func WithLogger(logger *log.Logger) Option {
	return func(manager *Manager) {
		if logger != nil {
			manager.logger = logger
		}
	}
}

// WithTracer configures the tracer used for init and close spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(manager *Manager) {
		if tracer != nil {
			manager.tracer = tracer
		}
	}
}

// Manager tracks one logical session.
type Manager struct {
	factory Factory
	machine *state.Machine
	logger  *log.Logger
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string

	viewer *viewer.Viewer

	// mu serializes snapshot writers; readers only load the pointer.
	mu     sync.Mutex
	status atomic.Pointer[Status]
}

// NewManager creates a manager in the uninitialized state and local mode.
func NewManager(options ...Option) *Manager {
	manager := &Manager{
		factory: DefaultFactory,
		logger:  log.New(io.Discard),
		tracer:  otel.Tracer("cmdbridge/session"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(manager)
	}
	if manager.machine == nil {
		manager.machine = state.NewMachine("session")
	}
	manager.status.Store(&Status{
		State:      state.SessionUninitialized,
		TargetMode: state.ModeLocal,
	})
	return manager
}

// Init constructs the subsystem unless the session is already running.
// created reports whether a new subsystem was built.
func (m *Manager) Init(ctx context.Context, options viewer.Options) (status Status, created bool, err error) {
	if m == nil {
		return Status{}, false, errors.New("session manager is nil")
	}
	ctx, span := m.tracer.Start(ctx, "session.init")
	defer span.End()

	current := m.Status()
	if current.Running() {
		span.SetAttributes(
			attribute.String("session_id", current.SessionID),
			attribute.Bool("created", false),
		)
		return current, false, nil
	}

	instance, err := m.factory(ctx, options)
	if err != nil {
		err = fmt.Errorf("construct viewer: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return current, false, err
	}

	sessionID := m.newID()
	if err := m.machine.Transition(ctx, state.EntitySession, sessionID, current.State, state.SessionRunning, "init"); err != nil {
		_ = instance.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return current, false, err
	}

	m.viewer = instance
	status = m.update(func(next *Status) {
		next.SessionID = sessionID
		next.State = state.SessionRunning
		next.Title = instance.Title()
		next.StartedAt = m.now().UTC()
		next.Constructions++
	})
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Bool("created", true),
	)
	m.logger.Info("session started", "session_id", sessionID, "title", status.Title)
	return status, true, nil
}

// Close releases the subsystem. Closing a session that is not running is
// a no-op; closed reports whether anything was released.
func (m *Manager) Close(ctx context.Context) (closed bool, err error) {
	if m == nil {
		return false, errors.New("session manager is nil")
	}
	ctx, span := m.tracer.Start(ctx, "session.close")
	defer span.End()

	current := m.Status()
	span.SetAttributes(attribute.String("session_id", current.SessionID))
	if !current.Running() {
		return false, nil
	}

	if err := m.machine.Transition(ctx, state.EntitySession, current.SessionID, current.State, state.SessionClosed, "close"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if m.viewer != nil {
		if err := m.viewer.Close(); err != nil && !errors.Is(err, viewer.ErrClosed) {
			m.logger.Warn("viewer close failed", "session_id", current.SessionID, "error", err)
		}
		m.viewer = nil
	}
	m.update(func(next *Status) {
		next.State = state.SessionClosed
	})
	m.logger.Info("session closed", "session_id", current.SessionID)
	return true, nil
}

// Require returns the running subsystem or ErrSessionNotReady.
func (m *Manager) Require() (*viewer.Viewer, error) {
	if m == nil {
		return nil, ErrSessionNotReady
	}
	current := m.Status()
	if !current.Running() || m.viewer == nil {
		return nil, fmt.Errorf("%w: session is %s, call init_viewer first", ErrSessionNotReady, current.State)
	}
	return m.viewer, nil
}

// Status returns the latest snapshot without synchronizing with the
// adapter goroutine.
func (m *Manager) Status() Status {
	if m == nil {
		return Status{State: state.SessionUninitialized, TargetMode: state.ModeLocal}
	}
	return *m.status.Load()
}

// SwitchMode records the routing mode. Changing mode is validated as a
// target_mode transition; re-applying the current mode only refreshes
// the endpoint.
func (m *Manager) SwitchMode(ctx context.Context, mode, endpoint, reason string) (Status, error) {
	if m == nil {
		return Status{}, errors.New("session manager is nil")
	}
	mode, err := state.ParseMode(mode)
	if err != nil {
		return m.Status(), err
	}
	if mode == state.ModeLocal {
		endpoint = ""
	}
	current := m.Status()
	if current.TargetMode != mode {
		if err := m.machine.Transition(ctx, state.EntityTargetMode, "bridge", current.TargetMode, mode, reason); err != nil {
			return current, err
		}
		m.logger.Info("target mode switched", "from", current.TargetMode, "to", mode, "endpoint", endpoint, "reason", reason)
	}
	return m.update(func(next *Status) {
		next.TargetMode = mode
		next.Endpoint = strings.TrimSpace(endpoint)
	}), nil
}

// UpdateMetrics applies fn to a copy of the metrics and publishes it.
func (m *Manager) UpdateMetrics(fn func(*Metrics)) {
	if m == nil || fn == nil {
		return
	}
	m.update(func(next *Status) {
		fn(&next.Metrics)
	})
}

func (m *Manager) update(fn func(*Status)) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := *m.status.Load()
	fn(&next)
	m.status.Store(&next)
	return next
}
