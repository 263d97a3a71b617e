package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ship-commander/cmdbridge/internal/adapter"
	"github.com/ship-commander/cmdbridge/internal/outputstore"
	"github.com/ship-commander/cmdbridge/internal/probe"
	"github.com/ship-commander/cmdbridge/internal/rpc"
	"github.com/ship-commander/cmdbridge/internal/session"
	"github.com/ship-commander/cmdbridge/internal/state"
	"github.com/ship-commander/cmdbridge/internal/viewer"
)

func newTestBridge(t *testing.T, cfg Config, options ...Option) *Bridge {
	t.Helper()
	loop := adapter.New()
	t.Cleanup(loop.Stop)
	bridge, err := New(loop, session.NewManager(), outputstore.New(1<<20), cfg, options...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = bridge.Close(ctx)
	})
	return bridge
}

func localConfig() Config {
	cfg := DefaultConfig()
	cfg.Prefer = probe.PreferLocal
	cfg.StandardTimeout = 2 * time.Second
	return cfg
}

func value(v any) Handler {
	return func(context.Context, *session.Manager) (any, error) { return v, nil }
}

func TestSubmitReturnsHandlerPayload(t *testing.T) {
	t.Parallel()

	bridge := newTestBridge(t, localConfig())
	result := bridge.Submit(context.Background(), Command{Operation: "list_layers", Handler: value([]string{"a"})})

	if result.Status != StatusOK {
		t.Fatalf("status = %q, want %q (%v)", result.Status, StatusOK, result.Err())
	}
	if result.CommandID == "" {
		t.Fatalf("command id is empty")
	}
	assert.Equal(t, []string{"a"}, result.Payload)
}

func TestSubmitRunsCommandsInAdmissionOrder(t *testing.T) {
	t.Parallel()

	bridge := newTestBridge(t, localConfig())

	var mu sync.Mutex
	var trace []string
	record := func(entry string) {
		mu.Lock()
		defer mu.Unlock()
		trace = append(trace, entry)
	}
	started := make(chan struct{})
	release := make(chan struct{})
	step := func(name string) Handler {
		return func(context.Context, *session.Manager) (any, error) {
			record(name + "-start")
			if name == "A" {
				close(started)
				<-release
				time.Sleep(50 * time.Millisecond)
			}
			record(name + "-end")
			return name, nil
		}
	}

	var wg sync.WaitGroup
	results := make(map[string]Result)
	var resultsMu sync.Mutex
	submit := func(name string) {
		defer wg.Done()
		result := bridge.Submit(context.Background(), Command{Operation: name, Handler: step(name)})
		resultsMu.Lock()
		results[name] = result
		resultsMu.Unlock()
	}

	wg.Add(1)
	go submit("A")
	<-started
	wg.Add(1)
	go submit("B")
	require.Eventually(t, func() bool { return bridge.Status().QueueDepth == 1 }, time.Second, time.Millisecond)
	wg.Add(1)
	go submit("C")
	require.Eventually(t, func() bool { return bridge.Status().QueueDepth == 2 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	want := []string{"A-start", "A-end", "B-start", "B-end", "C-start", "C-end"}
	assert.Equal(t, want, trace)
	for _, name := range []string{"A", "B", "C"} {
		assert.Equal(t, StatusOK, results[name].Status, name)
	}
}

func TestConcurrentSubmitsNeverOverlap(t *testing.T) {
	t.Parallel()

	bridge := newTestBridge(t, localConfig())
	var running, peak, total atomic.Int32
	handler := func(context.Context, *session.Manager) (any, error) {
		current := running.Add(1)
		for {
			seen := peak.Load()
			if current <= seen || peak.CompareAndSwap(seen, current) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
		total.Add(1)
		return nil, nil
	}

	const callers = 32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result := bridge.Submit(context.Background(), Command{Operation: fmt.Sprintf("op-%d", i), Handler: handler})
			assert.Equal(t, StatusOK, result.Status)
		}(i)
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Fatalf("peak concurrency = %d, want 1", got)
	}
	if got := total.Load(); got != callers {
		t.Fatalf("completed = %d, want %d", got, callers)
	}
	metrics := bridge.Status().Session.Metrics
	assert.Equal(t, uint64(callers), metrics.Submitted)
	assert.Equal(t, uint64(callers), metrics.Completed)
	assert.Zero(t, metrics.InFlight)
}

func TestHandlerErrorsAreClassified(t *testing.T) {
	t.Parallel()

	bridge := newTestBridge(t, localConfig())
	tests := []struct {
		name    string
		handler Handler
		want    Kind
	}{
		{
			name: "session not ready",
			handler: func(_ context.Context, sessions *session.Manager) (any, error) {
				return sessions.Require()
			},
			want: KindSessionNotReady,
		},
		{
			name: "invalid argument",
			handler: func(context.Context, *session.Manager) (any, error) {
				return nil, fmt.Errorf("%w: zoom must be positive", viewer.ErrInvalidArgument)
			},
			want: KindValidation,
		},
		{
			name: "panic",
			handler: func(context.Context, *session.Manager) (any, error) {
				panic("boom")
			},
			want: KindAdapter,
		},
		{
			name:    "missing handler",
			handler: nil,
			want:    KindInternal,
		},
	}

	for _, tt := range tests {
		result := bridge.Submit(context.Background(), Command{Operation: tt.name, Handler: tt.handler})
		if result.Status != StatusError {
			t.Fatalf("%s: status = %q, want %q", tt.name, result.Status, StatusError)
		}
		if result.Error.Kind != tt.want {
			t.Fatalf("%s: kind = %q, want %q (%s)", tt.name, result.Error.Kind, tt.want, result.Error.Message)
		}
	}

	after := bridge.Submit(context.Background(), Command{Operation: "after", Handler: value("alive")})
	assert.Equal(t, StatusOK, after.Status)
}

func TestCloseThenCommandReportsSessionNotReady(t *testing.T) {
	t.Parallel()

	bridge := newTestBridge(t, localConfig())
	ctx := context.Background()

	initResult := bridge.Submit(ctx, Command{Operation: "init_viewer", Handler: func(ctx context.Context, sessions *session.Manager) (any, error) {
		status, _, err := sessions.Init(ctx, viewer.Options{Title: "test", Width: 32, Height: 32})
		return status, err
	}})
	require.Equal(t, StatusOK, initResult.Status, initResult.Err())

	closeResult := bridge.Submit(ctx, Command{Operation: "close_viewer", Handler: func(ctx context.Context, sessions *session.Manager) (any, error) {
		return sessions.Close(ctx)
	}})
	require.Equal(t, StatusOK, closeResult.Status, closeResult.Err())

	listResult := bridge.Submit(ctx, Command{Operation: "list_layers", Handler: func(_ context.Context, sessions *session.Manager) (any, error) {
		v, err := sessions.Require()
		if err != nil {
			return nil, err
		}
		return len(v.Layers()), nil
	}})
	require.NotNil(t, listResult.Error)
	assert.Equal(t, KindSessionNotReady, listResult.Error.Kind)
	assert.Equal(t, state.SessionClosed, bridge.Status().Session.State)
}

func TestSubmitTimeoutAbandonsQueuedCommand(t *testing.T) {
	t.Parallel()

	bridge := newTestBridge(t, localConfig())
	release := make(chan struct{})
	started := make(chan struct{})
	var skippedRan atomic.Bool

	blocker := make(chan Result, 1)
	go func() {
		blocker <- bridge.Submit(context.Background(), Command{
			Operation: "slow",
			Timeout:   30 * time.Millisecond,
			Handler: func(context.Context, *session.Manager) (any, error) {
				close(started)
				<-release
				return "late", nil
			},
		})
	}()
	<-started

	queued := bridge.Submit(context.Background(), Command{
		Operation: "queued",
		Timeout:   50 * time.Millisecond,
		Handler: func(context.Context, *session.Manager) (any, error) {
			skippedRan.Store(true)
			return nil, nil
		},
	})
	require.Equal(t, StatusTimeout, queued.Status)
	assert.Contains(t, queued.Error.Message, "before dispatch")

	slow := <-blocker
	require.Equal(t, StatusTimeout, slow.Status)
	assert.Contains(t, slow.Error.Message, "still running")

	close(release)
	after := bridge.Submit(context.Background(), Command{Operation: "after", Handler: value("ok")})
	require.Equal(t, StatusOK, after.Status)
	if skippedRan.Load() {
		t.Fatalf("abandoned command was dispatched")
	}

	metrics := bridge.Status().Session.Metrics
	assert.Equal(t, uint64(2), metrics.TimedOut)
	assert.Equal(t, uint64(1), metrics.Abandoned)
}

func TestCallerCancellationAbandonsQueuedCommand(t *testing.T) {
	t.Parallel()

	bridge := newTestBridge(t, localConfig())
	release := make(chan struct{})
	started := make(chan struct{})
	go bridge.Submit(context.Background(), Command{Operation: "hold", Handler: func(context.Context, *session.Manager) (any, error) {
		close(started)
		<-release
		return nil, nil
	}})
	<-started
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := bridge.Submit(ctx, Command{Operation: "cancelled", Handler: value(nil)})
	require.Equal(t, StatusTimeout, result.Status)
	assert.Contains(t, result.Error.Message, "cancelled")
}

func TestWaitLimitIsBoundedByCeiling(t *testing.T) {
	t.Parallel()

	cfg := localConfig()
	cfg.ExtendedTimeout = 0
	cfg.Ceiling = time.Minute
	bridge := newTestBridge(t, cfg)

	tests := []struct {
		name    string
		command Command
		want    time.Duration
	}{
		{name: "standard default", command: Command{Class: ClassStandard}, want: 2 * time.Second},
		{name: "extended disabled uses ceiling", command: Command{Class: ClassExtended}, want: time.Minute},
		{name: "explicit timeout", command: Command{Timeout: 3 * time.Second}, want: 3 * time.Second},
		{name: "explicit timeout capped", command: Command{Timeout: time.Hour}, want: time.Minute},
	}
	for _, tt := range tests {
		if got := bridge.waitLimit(tt.command); got != tt.want {
			t.Fatalf("%s: waitLimit() = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestExtendedOutputIsTruncatedAndRecorded(t *testing.T) {
	t.Parallel()

	bridge := newTestBridge(t, localConfig())
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, fmt.Sprintf("line %d\n", i))
	}
	output := map[string]any{
		"status":     "ok",
		"returncode": 0,
		"stdout":     strings.Join(lines, ""),
		"stderr":     "warn\n",
	}

	result := bridge.Submit(context.Background(), Command{
		Operation: "execute_command",
		Class:     ClassExtended,
		Handler:   value(output),
	})
	require.Equal(t, StatusOK, result.Status, result.Err())

	payload, ok := result.Payload.(map[string]any)
	require.True(t, ok, "payload type %T", result.Payload)
	assert.Equal(t, true, payload["truncated"])
	assert.Equal(t, "1", payload["output_id"])
	assert.Equal(t, strings.Join(lines[:30], ""), payload["stdout"])
	assert.Equal(t, "warn\n", payload["stderr"])
	assert.Contains(t, payload["message"], "read_output('1')")

	page, err := bridge.Outputs().Read("1", outputstore.Range{Stream: outputstore.StreamStdout})
	require.NoError(t, err)
	assert.Equal(t, 50, page.TotalLines)
	assert.Equal(t, "execute_command", page.ToolName)
}

func TestExtendedOutputUnlimitedCarriesWarning(t *testing.T) {
	t.Parallel()

	bridge := newTestBridge(t, localConfig())
	unlimited := -1
	result := bridge.Submit(context.Background(), Command{
		Operation: "execute_command",
		Class:     ClassExtended,
		LineLimit: &unlimited,
		Handler:   value(map[string]any{"status": "ok", "returncode": 0, "stdout": "a\nb\n", "stderr": ""}),
	})
	require.Equal(t, StatusOK, result.Status, result.Err())

	payload := result.Payload.(map[string]any)
	assert.Equal(t, false, payload["truncated"])
	assert.Contains(t, payload["warning"], "large number of tokens")
	assert.NotContains(t, payload, "message")
}

func TestSubmitAfterCloseFails(t *testing.T) {
	t.Parallel()

	bridge := newTestBridge(t, localConfig())
	require.NoError(t, bridge.Close(context.Background()))

	result := bridge.Submit(context.Background(), Command{Operation: "late", Handler: value(nil)})
	require.Equal(t, StatusError, result.Status)
	assert.Equal(t, KindInternal, result.Error.Kind)
	assert.Contains(t, result.Error.Message, ErrClosed.Error())
}

func TestSubmitRecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	bridge := newTestBridge(t, localConfig(), WithTracer(provider.Tracer("test")))
	result := bridge.Submit(context.Background(), Command{Operation: "list_layers", Handler: value(nil)})
	require.Equal(t, StatusOK, result.Status)

	names := map[string]bool{}
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	for _, want := range []string{"bridge.submit", "bridge.dispatch"} {
		if !names[want] {
			t.Fatalf("span %q not recorded; got %v", want, names)
		}
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	loop := adapter.New()
	t.Cleanup(loop.Stop)
	sessions := session.NewManager()
	outputs := outputstore.New(1024)

	if _, err := New(nil, sessions, outputs, DefaultConfig()); err == nil {
		t.Fatalf("expected error for missing adapter")
	}
	if _, err := New(loop, nil, outputs, DefaultConfig()); err == nil {
		t.Fatalf("expected error for missing session manager")
	}
	if _, err := New(loop, sessions, nil, DefaultConfig()); err == nil {
		t.Fatalf("expected error for missing output store")
	}
	cfg := DefaultConfig()
	cfg.Prefer = "sometimes"
	if _, err := New(loop, sessions, outputs, cfg); err == nil {
		t.Fatalf("expected error for unknown preference")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want Kind
	}{
		{err: session.ErrSessionNotReady, want: KindSessionNotReady},
		{err: &ForwardingError{Err: errors.New("refused")}, want: KindForwarding},
		{err: fmt.Errorf("wrap: %w", ErrValidation), want: KindValidation},
		{err: viewer.ErrLayerNotFound, want: KindNotFound},
		{err: outputstore.ErrNotFound, want: KindNotFound},
		{err: context.DeadlineExceeded, want: KindTimeout},
		{err: adapter.ErrStopped, want: KindInternal},
		{err: errors.New("viewer exploded"), want: KindAdapter},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Fatalf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestResultDecodeReadsForwardedPayload(t *testing.T) {
	t.Parallel()

	data, err := rpc.Marshal(OK(map[string]any{"name": "cells", "visible": true}))
	require.NoError(t, err)
	var forwarded Result
	require.NoError(t, rpc.Unmarshal(data, &forwarded))

	var decoded struct {
		Name    string `cbor:"name"`
		Visible bool   `cbor:"visible"`
	}
	require.NoError(t, forwarded.Decode(&decoded))
	assert.Equal(t, "cells", decoded.Name)
	assert.True(t, decoded.Visible)
	assert.NoError(t, forwarded.Err())
}
