// Package probe discovers an external peer that speaks the bridge
// protocol and decides which target mode the bridge should run in.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ship-commander/cmdbridge/internal/rpc"
)

// DefaultTimeout bounds one handshake when no timeout is configured.
const DefaultTimeout = 2 * time.Second

var (
	// ErrUnreachable indicates nothing answered the handshake in time.
	ErrUnreachable = errors.New("external peer unreachable")
	// ErrNotBridge indicates the peer answered but is not a bridge session,
	// or is the probing bridge itself.
	ErrNotBridge = errors.New("external peer is not a bridge session")
	// ErrProtocolMismatch indicates the peer speaks another protocol version.
	ErrProtocolMismatch = rpc.ErrProtocolMismatch
	// ErrDisabled indicates no probe address is configured.
	ErrDisabled = errors.New("external probing disabled")
)

// Endpoint is an external peer trusted after a successful handshake.
type Endpoint struct {
	Address         string    `cbor:"address"`
	Host            string    `cbor:"host"`
	Port            int       `cbor:"port,omitempty"`
	ProtocolVersion string    `cbor:"protocol_version"`
	ServerVersion   string    `cbor:"server_version,omitempty"`
	InstanceID      string    `cbor:"instance_id,omitempty"`
	DiscoveredAt    time.Time `cbor:"discovered_at"`
	LastHeartbeat   time.Time `cbor:"last_heartbeat"`
}

// Valid reports whether the endpoint came from a handshake.
func (e *Endpoint) Valid() bool {
	return e != nil && strings.TrimSpace(e.Address) != "" && !e.DiscoveredAt.IsZero()
}

// Prober performs discovery handshakes against one address.
type Prober struct {
	address string
	self    string
	timeout time.Duration
	tracer  trace.Tracer
	now     func() time.Time
	call    func(ctx context.Context, request rpc.Request, result any) error
}

// Option customizes prober construction.
type Option func(*Prober)

// WithTimeout bounds the whole handshake.
func WithTimeout(timeout time.Duration) Option {
	return func(prober *Prober) {
		if timeout > 0 {
			prober.timeout = timeout
		}
	}
}

// WithSelfInstanceID makes the prober reject a peer that reports id,
// which is the probing bridge answering its own handshake.
func WithSelfInstanceID(id string) Option {
	return func(prober *Prober) {
		prober.self = strings.TrimSpace(id)
	}
}

// WithTracer configures the tracer used for handshake spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(prober *Prober) {
		if tracer != nil {
			prober.tracer = tracer
		}
	}
}

// NewProber creates a prober for address. An empty address disables
// probing.
func NewProber(address string, options ...Option) *Prober {
	prober := &Prober{
		address: strings.TrimSpace(address),
		timeout: DefaultTimeout,
		tracer:  otel.Tracer("cmdbridge/probe"),
		now:     time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(prober)
	}
	client := rpc.NewClient(prober.address,
		rpc.WithConnectTimeout(prober.timeout),
		rpc.WithResponseTimeout(prober.timeout),
	)
	prober.call = client.Call
	return prober
}

// Address returns the probed address.
func (p *Prober) Address() string {
	if p == nil {
		return ""
	}
	return p.address
}

// Probe performs one handshake and returns the discovered endpoint.
func (p *Prober) Probe(ctx context.Context) (Endpoint, error) {
	if p == nil || p.address == "" {
		return Endpoint{}, ErrDisabled
	}
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "probe.handshake")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()
	span.SetAttributes(
		attribute.String("address", p.address),
		attribute.String("protocol_version", rpc.ProtocolVersion),
	)

	endpoint, err := p.handshake(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Endpoint{}, err
	}
	span.SetAttributes(attribute.String("server_version", endpoint.ServerVersion))
	return endpoint, nil
}

func (p *Prober) handshake(ctx context.Context) (Endpoint, error) {
	var response rpc.HandshakeResponse
	if err := p.call(ctx, rpc.NewHandshakeRequest(), &response); err != nil {
		var remote *rpc.RemoteError
		if errors.As(err, &remote) {
			if rpc.IsProtocolMismatch(err) {
				return Endpoint{}, fmt.Errorf("%w: %s", ErrProtocolMismatch, remote.Message)
			}
			return Endpoint{}, fmt.Errorf("%w: %s", ErrNotBridge, remote.Message)
		}
		return Endpoint{}, fmt.Errorf("%w: %s: %v", ErrUnreachable, p.address, err)
	}

	if response.SessionType != rpc.SessionType {
		return Endpoint{}, fmt.Errorf("%w: session type %q", ErrNotBridge, response.SessionType)
	}
	if strings.TrimSpace(response.ProtocolVersion) == "" {
		return Endpoint{}, fmt.Errorf("%w: peer did not report a protocol version", ErrProtocolMismatch)
	}
	if err := rpc.CheckProtocolVersion(response.ProtocolVersion); err != nil {
		return Endpoint{}, err
	}
	if p.self != "" && response.InstanceID == p.self {
		return Endpoint{}, fmt.Errorf("%w: %s answers as this bridge", ErrNotBridge, p.address)
	}

	now := p.now().UTC()
	host, port := splitHostPort(p.address)
	return Endpoint{
		Address:         p.address,
		Host:            host,
		Port:            port,
		ProtocolVersion: response.ProtocolVersion,
		ServerVersion:   response.ServerVersion,
		InstanceID:      response.InstanceID,
		DiscoveredAt:    now,
		LastHeartbeat:   now,
	}, nil
}

func splitHostPort(address string) (string, int) {
	network, addr := rpc.SplitAddress(address)
	if network == "unix" {
		return addr, 0
	}
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return host, 0
	}
	return host, port
}
