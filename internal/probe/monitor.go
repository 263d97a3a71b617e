package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ship-commander/cmdbridge/internal/events"
)

const (
	defaultRetryAttempts = 3
	defaultRetryInterval = 250 * time.Millisecond
)

// EventBus publishes probe outcomes.
type EventBus interface {
	Publish(event events.Event)
}

// ResultFunc receives every probe outcome.
type ResultFunc func(ctx context.Context, endpoint Endpoint, err error)

// MonitorConfig controls heartbeat cadence and re-probe retries.
type MonitorConfig struct {
	// HeartbeatInterval of zero disables periodic re-validation.
	HeartbeatInterval time.Duration
	RetryAttempts     uint
	RetryInterval     time.Duration
	OnResult          ResultFunc
}

// ProbeReport is the payload of ProbeResult events.
type ProbeReport struct {
	Address   string    `json:"address"`
	Reachable bool      `json:"reachable"`
	Error     string    `json:"error,omitempty"`
	Trigger   string    `json:"trigger"`
	CheckedAt time.Time `json:"checked_at"`
}

// Monitor re-validates the external peer on a ticker and on demand.
type Monitor struct {
	prober            *Prober
	bus               EventBus
	heartbeatInterval time.Duration
	retryAttempts     uint
	retryInterval     time.Duration
	onResult          ResultFunc
	now               func() time.Time
	newTicker         func(time.Duration) *time.Ticker
}

// NewMonitor builds a monitor around prober.
func NewMonitor(prober *Prober, bus EventBus, cfg MonitorConfig) (*Monitor, error) {
	if prober == nil {
		return nil, errors.New("prober is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.HeartbeatInterval < 0 {
		cfg.HeartbeatInterval = 0
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	return &Monitor{
		prober:            prober,
		bus:               bus,
		heartbeatInterval: cfg.HeartbeatInterval,
		retryAttempts:     cfg.RetryAttempts,
		retryInterval:     cfg.RetryInterval,
		onResult:          cfg.OnResult,
		now:               time.Now,
		newTicker:         time.NewTicker,
	}, nil
}

// Start re-validates the peer every heartbeat until ctx is cancelled.
// It returns immediately when the heartbeat is disabled.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil || m.heartbeatInterval <= 0 {
		return
	}
	ticker := m.newTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = m.RunOnce(ctx, "heartbeat")
		}
	}
}

// RunOnce performs one handshake and reports the outcome.
func (m *Monitor) RunOnce(ctx context.Context, trigger string) (Endpoint, error) {
	if m == nil {
		return Endpoint{}, errors.New("probe monitor is nil")
	}
	endpoint, err := m.prober.Probe(ctx)
	m.report(ctx, endpoint, err, trigger)
	return endpoint, err
}

// Reprobe retries the handshake with exponential backoff. A protocol
// mismatch or a non-bridge peer stops the retries immediately.
func (m *Monitor) Reprobe(ctx context.Context, trigger string) (Endpoint, error) {
	if m == nil {
		return Endpoint{}, errors.New("probe monitor is nil")
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.retryInterval
	policy.MaxInterval = 8 * m.retryInterval

	endpoint, err := backoff.Retry(ctx, func() (Endpoint, error) {
		endpoint, err := m.prober.Probe(ctx)
		if errors.Is(err, ErrProtocolMismatch) || errors.Is(err, ErrNotBridge) || errors.Is(err, ErrDisabled) {
			return Endpoint{}, backoff.Permanent(err)
		}
		return endpoint, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(m.retryAttempts))
	if err != nil && ctx.Err() == nil && !isProbeError(err) {
		err = fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	m.report(ctx, endpoint, err, trigger)
	return endpoint, err
}

func (m *Monitor) report(ctx context.Context, endpoint Endpoint, err error, trigger string) {
	report := ProbeReport{
		Address:   m.prober.Address(),
		Reachable: err == nil,
		Trigger:   trigger,
		CheckedAt: m.now().UTC(),
	}
	severity := events.SeverityInfo
	if err != nil {
		report.Error = err.Error()
		severity = events.SeverityWarn
		if errors.Is(err, ErrProtocolMismatch) {
			severity = events.SeverityError
		}
	}
	m.bus.Publish(events.Event{
		Type:       events.EventTypeProbeResult,
		Timestamp:  report.CheckedAt,
		EntityType: "endpoint",
		EntityID:   report.Address,
		Payload:    report,
		Severity:   severity,
	})
	if m.onResult != nil {
		m.onResult(ctx, endpoint, err)
	}
}

func isProbeError(err error) bool {
	return errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrNotBridge) ||
		errors.Is(err, ErrProtocolMismatch) ||
		errors.Is(err, ErrDisabled)
}
