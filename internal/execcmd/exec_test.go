package execcmd

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordedRunner(t *testing.T, options ...Option) (*Runner, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return NewRunner(append(options, WithTracer(provider.Tracer("test")))...), recorder
}

func TestRunCapturesOutputAndRecordsSpan(t *testing.T) {
	t.Parallel()

	runner, recorder := newRecordedRunner(t)
	result, err := runner.Run(context.Background(), Request{Command: `sh -c 'echo hello; echo oops >&2'`, Dir: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, 0, result.ReturnCode)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, "oops\n", result.Stderr)
	assert.Equal(t, `sh -c 'echo hello; echo oops >&2'`, result.Command)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	if span.Name() != "exec.run" {
		t.Fatalf("span name = %q, want exec.run", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Fatalf("status code = %v, want %v", span.Status().Code, codes.Ok)
	}
	assert.Len(t, span.Events(), 2)
	assert.Contains(t, span.Attributes(), attribute.String("executable", "sh"))
}

func TestRunReportsNonZeroExitAsErrorStatus(t *testing.T) {
	t.Parallel()

	runner, recorder := newRecordedRunner(t)
	result, err := runner.Run(context.Background(), Request{Args: []string{"sh", "-c", "exit 3"}})
	require.NoError(t, err)
	assert.Equal(t, "error", result.Status)
	assert.Equal(t, 3, result.ReturnCode)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestRunMissingExecutableIsAnError(t *testing.T) {
	t.Parallel()

	_, err := NewRunner().Run(context.Background(), Request{Command: "definitely-not-a-real-binary-xyz"})
	assert.Error(t, err)
}

func TestRunKillsAfterTimeout(t *testing.T) {
	t.Parallel()

	started := time.Now()
	result, err := NewRunner().Run(context.Background(), Request{Command: "sleep 5", Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 4*time.Second)
	assert.Equal(t, "error", result.Status)
	assert.Equal(t, -1, result.ReturnCode)
	assert.Contains(t, result.Stderr, "timed out")
}

func TestRunEnforcesAllowList(t *testing.T) {
	t.Parallel()

	runner := NewRunner(WithAllowList([]string{"echo", " "}))
	_, err := runner.Run(context.Background(), Request{Command: "sh -c true"})
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("Run() error = %v, want ErrNotAllowed", err)
	}

	result, err := runner.Run(context.Background(), Request{Command: "echo allowed"})
	require.NoError(t, err)
	assert.Equal(t, "allowed\n", result.Stdout)
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    []string
		wantErr bool
	}{
		{raw: "ls -la", want: []string{"ls", "-la"}},
		{raw: `grep "two words" file.txt`, want: []string{"grep", "two words", "file.txt"}},
		{raw: `echo 'single quoted'`, want: []string{"echo", "single quoted"}},
		{raw: "   ", wantErr: true},
		{raw: `echo "unterminated`, wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseCommand(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseCommand(%q) error = nil, want error", tc.raw)
			}
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestInstallCommandFlags(t *testing.T) {
	t.Parallel()

	argv, err := InstallCommand("/usr/bin/python3", InstallOptions{
		Packages:      []string{"scikit-image", " ", "torch==2.3.1"},
		Upgrade:       true,
		NoDeps:        true,
		Pre:           true,
		IndexURL:      "https://example.invalid/simple",
		ExtraIndexURL: "https://extra.invalid/simple",
	})
	require.NoError(t, err)
	want := []string{
		"/usr/bin/python3", "-m", "pip", "install", "--no-input", "--disable-pip-version-check",
		"--upgrade", "--no-deps", "--pre",
		"--index-url", "https://example.invalid/simple",
		"--extra-index-url", "https://extra.invalid/simple",
		"scikit-image", "torch==2.3.1",
	}
	assert.Equal(t, want, argv)

	argv, err = InstallCommand("", InstallOptions{Packages: []string{"numpy"}})
	require.NoError(t, err)
	assert.Equal(t, DefaultPython, argv[0])

	_, err = InstallCommand("python3", InstallOptions{Packages: []string{" "}})
	assert.Error(t, err)
}

func TestInstallRunsConfiguredInterpreter(t *testing.T) {
	t.Parallel()

	// echo stands in for the interpreter and prints the pip arguments.
	runner := NewRunner(WithPython("echo"), WithAllowList([]string{"nothing"}))
	result, err := runner.Install(context.Background(), InstallOptions{Packages: []string{"numpy"}})
	require.NoError(t, err)
	assert.Equal(t, "-m pip install --no-input --disable-pip-version-check numpy\n", result.Stdout)
	assert.True(t, strings.HasPrefix(result.Command, "echo -m pip install"))
}

func TestRedactArgs(t *testing.T) {
	t.Parallel()

	got := redactArgs([]string{"--token", "abc", "--password=hunter2", "plain"})
	assert.Equal(t, []string{"--token", "<redacted>", "--password=<redacted>", "plain"}, got)
}
