package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is the canonical telemetry service name.
	ServiceName = "cmdbridge"
	// DefaultEnvironment is used when no environment variable is configured.
	DefaultEnvironment = "dev"
	// DefaultEndpoint is used when neither configuration nor
	// OTEL_EXPORTER_OTLP_ENDPOINT name a collector.
	DefaultEndpoint = "http://localhost:4318"
	// BatchTimeout configures batch span processor flush interval.
	BatchTimeout = 5 * time.Second
	// BatchSize configures batch span processor max export batch size.
	BatchSize = 512
)

var (
	// ServiceVersion is set at build time via ldflags when available.
	ServiceVersion = "dev"

	exporterFactory = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		certPath := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_CERTIFICATE"))
		if certPath != "" {
			tlsConfig, err := tlsConfigFromCertificate(certPath)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	fallbackOutput io.Writer = os.Stderr
)

// Option configures Init.
type Option func(*initOptions)

type initOptions struct {
	endpoint string
	bridge   BridgeAttributes
}

// BridgeAttributes describe the serving bridge on every exported span.
// Zero fields are omitted.
type BridgeAttributes struct {
	ListenAddress     string
	Prefer            string
	ForwardingEnabled bool
	ProtocolVersion   string
	InstanceID        string
}

func (b BridgeAttributes) attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if b.InstanceID != "" {
		attrs = append(attrs, attribute.String("service.instance.id", b.InstanceID))
	}
	if b.ListenAddress != "" {
		attrs = append(attrs, attribute.String("cmdbridge.listen_address", b.ListenAddress))
	}
	if b.Prefer != "" {
		attrs = append(attrs,
			attribute.String("cmdbridge.prefer", b.Prefer),
			attribute.Bool("cmdbridge.forwarding_enabled", b.ForwardingEnabled),
		)
	}
	if b.ProtocolVersion != "" {
		attrs = append(attrs, attribute.String("cmdbridge.protocol_version", b.ProtocolVersion))
	}
	return attrs
}

// WithEndpoint sets the collector endpoint, typically from the [otel]
// section of the configuration file. It takes precedence over the
// OTEL_EXPORTER_OTLP_ENDPOINT environment variable.
func WithEndpoint(endpoint string) Option {
	return func(opts *initOptions) {
		opts.endpoint = strings.TrimSpace(endpoint)
	}
}

// WithBridge adds the bridge identity and routing settings to the
// telemetry resource.
func WithBridge(bridge BridgeAttributes) Option {
	return func(opts *initOptions) {
		opts.bridge = bridge
	}
}

// Init configures OpenTelemetry with OTLP HTTP exporter, resource attributes, and batch processing.
// When the exporter cannot be created, spans are summarized on stderr instead.
func Init(ctx context.Context, options ...Option) (func(), error) {
	resolved := initOptions{}
	for _, option := range options {
		if option != nil {
			option(&resolved)
		}
	}

	endpoint := resolveEndpoint(resolved.endpoint)
	exporter, err := exporterFactory(ctx, endpoint)
	if err != nil {
		fmt.Fprintf(
			fallbackOutput,
			"warning: OTLP exporter unavailable for %s (%v); falling back to console exporter\n",
			endpoint,
			err,
		)
		exporter = &stderrSpanExporter{out: fallbackOutput}
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", resolveServiceVersion()),
		attribute.String("environment", resolveEnvironment()),
	}
	res, err := resource.New(ctx, resource.WithAttributes(append(attrs, resolved.bridge.attributes()...)...))
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				otel.Handle(err)
			}
		})
	}

	return shutdown, nil
}

func resolveEndpoint(configured string) string {
	if configured != "" {
		return configured
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return DefaultEndpoint
}

func resolveEnvironment() string {
	for _, key := range []string{"CMDBRIDGE_ENV", "ENVIRONMENT", "ENV"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

func resolveServiceVersion() string {
	version := strings.TrimSpace(ServiceVersion)
	if version == "" {
		return "dev"
	}
	return version
}

func tlsConfigFromCertificate(path string) (*tls.Config, error) {
	// #nosec G304 -- certificate path is explicitly provided by OTEL_EXPORTER_OTLP_CERTIFICATE configuration.
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read OTEL certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(certPEM); !ok {
		return nil, fmt.Errorf("parse OTEL certificate %q: no certificates found", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

type stderrSpanExporter struct {
	out io.Writer
}

func (e *stderrSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e == nil || e.out == nil {
		return nil
	}
	for _, span := range spans {
		duration := span.EndTime().Sub(span.StartTime()).Round(time.Millisecond)
		if _, err := fmt.Fprintf(e.out, "[SPAN] %s %s %v\n", span.Name(), duration, span.Status().Code); err != nil {
			return err
		}
		for _, event := range span.Events() {
			if _, err := fmt.Fprintf(e.out, "  [EVENT] %s\n", event.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *stderrSpanExporter) Shutdown(_ context.Context) error {
	return nil
}

func setExporterFactoryForTest(factory func(context.Context, string) (sdktrace.SpanExporter, error)) func() {
	previous := exporterFactory
	exporterFactory = factory
	return func() {
		exporterFactory = previous
	}
}

func setFallbackOutputForTest(w io.Writer) func() {
	previous := fallbackOutput
	fallbackOutput = w
	return func() {
		fallbackOutput = previous
	}
}
