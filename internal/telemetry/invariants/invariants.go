package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantSingleDispatch requires at most one command to touch owned state at a time.
	InvariantSingleDispatch = "single_dispatch"
	// InvariantFIFOCompletion requires commands to complete in admission order.
	InvariantFIFOCompletion = "fifo_completion"
	// InvariantStateTransitionLegal requires lifecycle transitions to follow deterministic state machines.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantModeSwitchIdle requires target mode changes to happen with nothing in flight.
	InvariantModeSwitchIdle = "mode_switch_idle"
	// InvariantOutputWithinCap requires live output records to fit under the byte cap.
	InvariantOutputWithinCap = "output_within_cap"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var (
	invariantChecksEnabled atomic.Bool
	violationCounts        sync.Map
)

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	StackTrace    string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// Counts returns how many violations of each invariant were reported in
// this process.
func Counts() map[string]uint64 {
	counts := make(map[string]uint64)
	violationCounts.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)
	counter, _ := violationCounts.LoadOrStore(invariantName, new(atomic.Uint64))
	counter.(*atomic.Uint64).Add(1)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if stack := strings.TrimSpace(details.StackTrace); stack != "" {
		attrs = append(attrs, attribute.String("stack_trace", stack))
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("cmdbridge/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckSingleDispatch validates the single_dispatch invariant. inFlight
// counts dispatched commands including the one being checked.
func CheckSingleDispatch(ctx context.Context, whereDetected string, commandID string, inFlight int) bool {
	if inFlight <= 1 {
		return true
	}
	InvariantViolation(ctx, InvariantSingleDispatch, SeverityError, ViolationDetails{
		WhatInvariant: "exactly one command executes against owned state",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("in_flight=%d while dispatching command=%s", inFlight, commandID),
		Additional: map[string]string{
			"command_id": commandID,
			"in_flight":  fmt.Sprintf("%d", inFlight),
		},
	})
	return false
}

// CheckFIFOCompletion validates the fifo_completion invariant.
func CheckFIFOCompletion(ctx context.Context, whereDetected string, wantSequence, gotSequence uint64) bool {
	if gotSequence > wantSequence {
		InvariantViolation(ctx, InvariantFIFOCompletion, SeverityError, ViolationDetails{
			WhatInvariant: "commands complete in admission order",
			WhereDetected: whereDetected,
			WhyViolated:   fmt.Sprintf("completed sequence=%d before sequence=%d", gotSequence, wantSequence),
			Additional: map[string]string{
				"want_sequence": fmt.Sprintf("%d", wantSequence),
				"got_sequence":  fmt.Sprintf("%d", gotSequence),
			},
		})
		return false
	}
	if gotSequence < wantSequence {
		InvariantViolation(ctx, InvariantFIFOCompletion, SeverityError, ViolationDetails{
			WhatInvariant: "commands complete in admission order",
			WhereDetected: whereDetected,
			WhyViolated:   fmt.Sprintf("sequence=%d completed twice or out of order", gotSequence),
		})
		return false
	}
	return true
}

// CheckModeSwitchIdle validates the mode_switch_idle invariant.
func CheckModeSwitchIdle(ctx context.Context, whereDetected string, fromMode, toMode string, inFlight int) bool {
	if inFlight == 0 {
		return true
	}
	InvariantViolation(ctx, InvariantModeSwitchIdle, SeverityError, ViolationDetails{
		WhatInvariant: "target mode changes only while no command is in flight",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("switch %s->%s with in_flight=%d", fromMode, toMode, inFlight),
		Additional: map[string]string{
			"from_mode": strings.TrimSpace(fromMode),
			"to_mode":   strings.TrimSpace(toMode),
		},
	})
	return false
}

// CheckOutputWithinCap validates the output_within_cap invariant.
func CheckOutputWithinCap(ctx context.Context, whereDetected string, sizeBytes, maxBytes int) bool {
	if sizeBytes <= maxBytes {
		return true
	}
	InvariantViolation(ctx, InvariantOutputWithinCap, SeverityWarn, ViolationDetails{
		WhatInvariant: "live output records fit under the byte cap",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("size_bytes=%d exceeds max_bytes=%d", sizeBytes, maxBytes),
	})
	return false
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	entityType string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "state machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for entity=%s from=%s to=%s", entityType, fromState, toState),
		Additional: map[string]string{
			"entity_type": strings.TrimSpace(entityType),
			"from_state":  strings.TrimSpace(fromState),
			"to_state":    strings.TrimSpace(toState),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}
