// Package execcmd runs extended-class commands: arbitrary executables and
// package installs, with captured output and a trace span per run.
package execcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxOutputEventBytes = 1024

// DefaultPython is the interpreter used for package installs.
const DefaultPython = "python3"

var (
	// ErrEmptyCommand indicates no executable was given.
	ErrEmptyCommand = errors.New("command must not be empty")
	// ErrNotAllowed indicates the executable is not on the allow list.
	ErrNotAllowed = errors.New("command not allowed")
)

// Request describes one executable run. Command is a shell-style string;
// Args, when set, is used verbatim instead.
type Request struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Result is the captured outcome of a run. A non-zero exit is reported
// through Status and ReturnCode, not as an error.
type Result struct {
	Status     string `cbor:"status"`
	ReturnCode int    `cbor:"returncode"`
	Command    string `cbor:"command"`
	Stdout     string `cbor:"stdout"`
	Stderr     string `cbor:"stderr"`
	DurationMS int64  `cbor:"duration_ms"`
}

// Option customizes runner construction.
type Option func(*Runner)

// WithAllowList restricts runs to the named executables. An empty list
// allows everything.
func WithAllowList(commands []string) Option {
	return func(runner *Runner) {
		for _, command := range commands {
			if command = strings.TrimSpace(command); command != "" {
				runner.allow = append(runner.allow, command)
			}
		}
	}
}

// WithPython sets the interpreter used for package installs.
func WithPython(python string) Option {
	return func(runner *Runner) {
		if python = strings.TrimSpace(python); python != "" {
			runner.python = python
		}
	}
}

// WithTracer configures the tracer used for run spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(runner *Runner) {
		if tracer != nil {
			runner.tracer = tracer
		}
	}
}

// Runner executes commands.
type Runner struct {
	allow  []string
	python string
	tracer trace.Tracer
}

// NewRunner creates a runner.
func NewRunner(options ...Option) *Runner {
	runner := &Runner{
		python: DefaultPython,
		tracer: otel.Tracer("cmdbridge/execcmd"),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(runner)
	}
	return runner
}

// Python returns the configured interpreter.
func (r *Runner) Python() string {
	return r.python
}

// ParseCommand splits a shell-style command line into argv.
func ParseCommand(raw string) ([]string, error) {
	argv, err := shellquote.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", raw, err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return argv, nil
}

// FormatCommand renders argv as a shell-safe command line.
func FormatCommand(argv []string) string {
	return shellquote.Join(argv...)
}

// Run executes request and captures both output streams.
func (r *Runner) Run(ctx context.Context, request Request) (Result, error) {
	if r == nil {
		return Result{}, errors.New("runner is nil")
	}
	argv := request.Args
	if len(argv) == 0 {
		parsed, err := ParseCommand(request.Command)
		if err != nil {
			return Result{}, err
		}
		argv = parsed
	}
	if strings.TrimSpace(argv[0]) == "" {
		return Result{}, ErrEmptyCommand
	}
	if !r.allowed(argv[0]) {
		return Result{}, fmt.Errorf("%w: %s", ErrNotAllowed, argv[0])
	}
	return r.run(ctx, argv, request)
}

func (r *Runner) allowed(executable string) bool {
	if len(r.allow) == 0 {
		return true
	}
	return slices.Contains(r.allow, executable) || slices.Contains(r.allow, filepath.Base(executable))
}

func (r *Runner) run(ctx context.Context, argv []string, request Request) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}

	dir := strings.TrimSpace(request.Dir)
	_, span := r.tracer.Start(
		ctx,
		"exec.run",
		trace.WithAttributes(
			attribute.String("executable", argv[0]),
			attribute.String("args_redacted", strings.Join(redactArgs(argv[1:]), " ")),
			attribute.String("cwd", dir),
		),
	)
	started := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if len(request.Env) > 0 {
		cmd.Env = append(cmd.Environ(), request.Env...)
	}
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := resolveExitCode(ctx, cmd, err)
	result := Result{
		Status:     "ok",
		ReturnCode: exitCode,
		Command:    FormatCommand(argv),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: time.Since(started).Milliseconds(),
	}

	span.SetAttributes(attribute.Int("exit_code", exitCode))
	if text := strings.TrimSpace(result.Stdout); text != "" {
		span.AddEvent("exec.stdout", trace.WithAttributes(attribute.String("output", truncateOutput(text, maxOutputEventBytes))))
	}
	if text := strings.TrimSpace(result.Stderr); text != "" {
		span.AddEvent("exec.stderr", trace.WithAttributes(attribute.String("output", truncateOutput(text, maxOutputEventBytes))))
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) && ctx.Err() == nil {
			// The process never started.
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, fmt.Errorf("run %s: %w", result.Command, err)
		}
		result.Status = "error"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.Stderr += fmt.Sprintf("\ncommand timed out after %s", request.Timeout)
		}
		span.SetStatus(codes.Error, fmt.Sprintf("exit code %d", exitCode))
		return result, nil
	}

	span.SetStatus(codes.Ok, "command completed")
	return result, nil
}

func resolveExitCode(ctx context.Context, cmd *exec.Cmd, runErr error) int {
	if runErr == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if name, _, ok := strings.Cut(trimmed, "="); ok && isSensitiveToken(strings.ToLower(name)) {
			redacted = append(redacted, name+"=<redacted>")
			continue
		}
		if isSensitiveToken(strings.ToLower(trimmed)) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}
	return redacted
}

func isSensitiveToken(value string) bool {
	for _, candidate := range []string{"token", "password", "passwd", "secret", "api-key", "apikey", "auth", "bearer"} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}
