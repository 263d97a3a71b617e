package bridge

import (
	"github.com/ship-commander/cmdbridge/internal/outputstore"
	"github.com/ship-commander/cmdbridge/internal/probe"
	"github.com/ship-commander/cmdbridge/internal/session"
	"github.com/ship-commander/cmdbridge/internal/telemetry/invariants"
)

// OutputStats summarizes the output store.
type OutputStats struct {
	Records  int `cbor:"records"`
	Bytes    int `cbor:"bytes"`
	MaxBytes int `cbor:"max_bytes"`
}

// AdapterStats summarizes the adapter loop.
type AdapterStats struct {
	Pending   int    `cbor:"pending"`
	Processed uint64 `cbor:"processed"`
	Failures  uint64 `cbor:"failures"`
}

// BridgeStatus is the bridge_status report.
type BridgeStatus struct {
	Session           session.Status    `cbor:"session"`
	Endpoint          *probe.Endpoint   `cbor:"endpoint,omitempty"`
	ProbeAddress      string            `cbor:"probe_address,omitempty"`
	Prefer            string            `cbor:"prefer"`
	FallbackToLocal   bool              `cbor:"fallback_to_local"`
	ForwardingEnabled bool              `cbor:"forwarding_enabled"`
	QueueDepth        int               `cbor:"queue_depth"`
	Outputs           OutputStats       `cbor:"outputs"`
	Adapter           AdapterStats      `cbor:"adapter"`
	Violations        map[string]uint64 `cbor:"invariant_violations,omitempty"`
}

// Status reports the bridge without touching the queue.
func (b *Bridge) Status() BridgeStatus {
	records, bytes, maxBytes := b.outputs.Stats()
	b.mu.Lock()
	depth := len(b.queue)
	b.mu.Unlock()

	status := BridgeStatus{
		Session:           b.sessions.Status(),
		Prefer:            b.cfg.Prefer,
		FallbackToLocal:   b.cfg.FallbackToLocal,
		ForwardingEnabled: b.cfg.ForwardingEnabled,
		QueueDepth:        depth,
		Outputs:           OutputStats{Records: records, Bytes: bytes, MaxBytes: maxBytes},
		Adapter: AdapterStats{
			Pending:   b.adapter.Pending(),
			Processed: b.adapter.Processed(),
			Failures:  b.adapter.Failures(),
		},
	}
	if counts := invariants.Counts(); len(counts) > 0 {
		status.Violations = counts
	}
	if endpoint := b.endpoint.Load(); endpoint != nil {
		copied := *endpoint
		status.Endpoint = &copied
	}
	if b.prober != nil {
		status.ProbeAddress = b.prober.Address()
	}
	return status
}

// Outputs exposes the output store for gateway-direct reads.
func (b *Bridge) Outputs() *outputstore.Store {
	return b.outputs
}

// Sessions exposes the session manager for read-only status.
func (b *Bridge) Sessions() *session.Manager {
	return b.sessions
}
