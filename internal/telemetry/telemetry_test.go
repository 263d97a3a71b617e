package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type fakeExporter struct {
	exported []sdktrace.ReadOnlySpan
	shutdown bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	f.exported = append(f.exported, spans...)
	return nil
}

func (f *fakeExporter) Shutdown(_ context.Context) error {
	f.shutdown = true
	return nil
}

func TestInitUsesEnvironmentEndpointAndResourceAttributes(t *testing.T) {
	originalVersion := ServiceVersion
	ServiceVersion = "v1.2.3-test"
	defer func() { ServiceVersion = originalVersion }()

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("CMDBRIDGE_ENV", "prod")

	fake := &fakeExporter{}
	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return fake, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background())
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	if capturedEndpoint != "http://collector:4318" {
		t.Fatalf("endpoint = %q, want collector endpoint", capturedEndpoint)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "bridge.submit")
	span.End()

	shutdown()
	if !fake.shutdown {
		t.Fatal("expected exporter shutdown on telemetry shutdown")
	}
	if len(fake.exported) == 0 {
		t.Fatal("expected at least one exported span")
	}

	attrs := fake.exported[0].Resource().Attributes()
	assertResourceAttribute(t, attrs, "service.name", ServiceName)
	assertResourceAttribute(t, attrs, "service.version", "v1.2.3-test")
	assertResourceAttribute(t, attrs, "environment", "prod")
}

func TestInitConfiguredEndpointWinsOverEnvironment(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://env:4318")

	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return &fakeExporter{}, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), WithEndpoint(" http://configured:4318 "))
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	defer shutdown()

	if capturedEndpoint != "http://configured:4318" {
		t.Fatalf("endpoint = %q, want configured endpoint", capturedEndpoint)
	}
}

func TestInitUsesDefaultEndpointWhenUnset(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return &fakeExporter{}, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), nil)
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	defer shutdown()

	if capturedEndpoint != DefaultEndpoint {
		t.Fatalf("endpoint = %q, want %q", capturedEndpoint, DefaultEndpoint)
	}
}

func TestInitFallsBackToConsoleExporter(t *testing.T) {
	var out bytes.Buffer
	restoreOutput := setFallbackOutputForTest(&out)
	defer restoreOutput()
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("dial failed")
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), WithEndpoint("http://unreachable:4318"))
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "probe.handshake")
	span.AddEvent("probe.result")
	span.End()
	shutdown()

	output := out.String()
	if !strings.Contains(output, "falling back to console exporter") {
		t.Fatalf("output = %q, want fallback warning", output)
	}
	if !strings.Contains(output, "[SPAN] probe.handshake") {
		t.Fatalf("output = %q, want console span line", output)
	}
	if !strings.Contains(output, "[EVENT] probe.result") {
		t.Fatalf("output = %q, want console event line", output)
	}
}

func TestInitAddsBridgeResourceAttributes(t *testing.T) {
	fake := &fakeExporter{}
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		return fake, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), WithBridge(BridgeAttributes{
		ListenAddress:     "127.0.0.1:9999",
		Prefer:            "auto",
		ForwardingEnabled: true,
		ProtocolVersion:   "1",
		InstanceID:        "bridge-a",
	}))
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "gateway.call")
	span.End()
	shutdown()

	if len(fake.exported) == 0 {
		t.Fatal("expected at least one exported span")
	}
	attrs := fake.exported[0].Resource().Attributes()
	assertResourceAttribute(t, attrs, "service.instance.id", "bridge-a")
	assertResourceAttribute(t, attrs, "cmdbridge.listen_address", "127.0.0.1:9999")
	assertResourceAttribute(t, attrs, "cmdbridge.prefer", "auto")
	assertResourceAttribute(t, attrs, "cmdbridge.protocol_version", "1")
	for _, attr := range attrs {
		if attr.Key == "cmdbridge.forwarding_enabled" && !attr.Value.AsBool() {
			t.Fatalf("forwarding_enabled = %v, want true", attr.Value.Emit())
		}
	}
}

func TestBatchConfigConstants(t *testing.T) {
	if BatchSize != 512 {
		t.Fatalf("BatchSize = %d, want 512", BatchSize)
	}
	if BatchTimeout != 5*time.Second {
		t.Fatalf("BatchTimeout = %s, want 5s", BatchTimeout)
	}
}

func assertResourceAttribute(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != want {
				t.Fatalf("resource attr %s = %q, want %q", key, attr.Value.AsString(), want)
			}
			return
		}
	}
	t.Fatalf("resource attribute %q not found", key)
}

func TestResolveEnvironmentFallback(t *testing.T) {
	t.Setenv("CMDBRIDGE_ENV", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ENV", "Staging")

	if got := resolveEnvironment(); got != "staging" {
		t.Fatalf("environment = %q, want staging", got)
	}
}
