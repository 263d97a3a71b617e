package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ship-commander/cmdbridge/internal/events"
	"github.com/ship-commander/cmdbridge/internal/telemetry/invariants"
)

// EntityType identifies which state machine to evaluate.
type EntityType string

const (
	// EntitySession is the session lifecycle state machine.
	EntitySession EntityType = "session"
	// EntityTargetMode is the local/external routing state machine.
	EntityTargetMode EntityType = "target_mode"
)

const (
	SessionUninitialized = "uninitialized"
	SessionRunning       = "running"
	SessionClosed        = "closed"
)

const (
	ModeLocal    = "local"
	ModeExternal = "external"
)

// historyLimit bounds the in-memory transition history.
const historyLimit = 256

var allowedTransitions = map[EntityType]map[string]map[string]struct{}{
	EntitySession: {
		SessionUninitialized: {
			SessionRunning: {},
		},
		SessionRunning: {
			SessionClosed: {},
		},
		SessionClosed: {
			SessionRunning: {},
		},
	},
	EntityTargetMode: {
		ModeLocal: {
			ModeExternal: {},
		},
		ModeExternal: {
			ModeLocal: {},
		},
	},
}

// Publisher receives transition events.
type Publisher interface {
	Publish(event events.Event)
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithPublisher publishes SessionTransition and ModeSwitch events for
// every accepted transition.
func WithPublisher(publisher Publisher) Option {
	return func(machine *Machine) {
		if publisher == nil {
			return
		}
		machine.publisher = publisher
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
	Actor      string
	Timestamp  time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for entity lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition %s %q from %q to %q: %s",
		e.EntityType,
		e.EntityID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine validates deterministic state transitions and keeps a bounded
// history of the accepted ones. It is safe for concurrent use.
type Machine struct {
	actor     string
	tracer    trace.Tracer
	publisher Publisher
	now       func() time.Time

	mu      sync.Mutex
	history []TransitionRecord
}

// NewMachine builds a transition validator. actor names the component
// recorded as the author of each transition.
func NewMachine(actor string, options ...Option) *Machine {
	normalizedActor := strings.TrimSpace(actor)
	if normalizedActor == "" {
		normalizedActor = "bridge"
	}

	machine := &Machine{
		actor:   normalizedActor,
		tracer:  otel.Tracer("cmdbridge/state"),
		now:     time.Now,
		history: []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	if machine.tracer == nil {
		machine.tracer = otel.Tracer("cmdbridge/state")
	}

	return machine
}

// Transition validates and records one state transition.
func (m *Machine) Transition(ctx context.Context, entityType EntityType, entityID, fromState, toState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	entityID = strings.TrimSpace(entityID)
	fromState = strings.TrimSpace(fromState)
	toState = strings.TrimSpace(toState)
	span.SetAttributes(
		attribute.String("entity_type", string(entityType)),
		attribute.String("entity_id", entityID),
		attribute.String("from_state", fromState),
		attribute.String("to_state", toState),
		attribute.String("reason", normalizedReason),
	)

	if entityID == "" {
		err := errors.New("entity id must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if fromState == "" || toState == "" {
		err := errors.New("from and to states must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !IsAllowed(entityType, fromState, toState) {
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			string(entityType),
			fromState,
			toState,
			false,
		)
		err := &IllegalTransitionError{
			EntityType: entityType,
			EntityID:   entityID,
			FromState:  fromState,
			ToState:    toState,
			Reason:     "illegal transition for entity lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		EntityType: entityType,
		EntityID:   entityID,
		FromState:  fromState,
		ToState:    toState,
		Reason:     normalizedReason,
		Actor:      m.actor,
		Timestamp:  m.now().UTC(),
	}

	m.mu.Lock()
	m.history = append(m.history, record)
	if overflow := len(m.history) - historyLimit; overflow > 0 {
		m.history = append([]TransitionRecord(nil), m.history[overflow:]...)
	}
	m.mu.Unlock()

	if m.publisher != nil {
		m.publisher.Publish(events.Event{
			Type:       eventTypeFor(entityType),
			Timestamp:  record.Timestamp,
			EntityType: string(entityType),
			EntityID:   entityID,
			Payload:    record,
			Severity:   events.SeverityInfo,
		})
	}

	span.SetStatus(codes.Ok, "state transition recorded")
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// IsAllowed reports whether the lifecycle of entityType permits the
// transition.
func IsAllowed(entityType EntityType, fromState, toState string) bool {
	entityTransitions, ok := allowedTransitions[entityType]
	if !ok {
		return false
	}
	nextStates, ok := entityTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}

func eventTypeFor(entityType EntityType) string {
	switch entityType {
	case EntityTargetMode:
		return events.EventTypeModeSwitch
	default:
		return events.EventTypeSessionTransition
	}
}
