// Package adapter runs work items on one dedicated, OS-thread-locked
// goroutine. That goroutine is the only code allowed to touch the owned
// subsystem, so everything it owns needs no further locking.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultQueueSize = 64

// ErrStopped is returned by Do once Stop has been called.
var ErrStopped = errors.New("adapter stopped")

// PanicError carries a panic recovered while running a work item.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("work item panicked: %v", e.Value)
}

// Is enables errors.Is checks against any PanicError.
func (e *PanicError) Is(target error) bool {
	_, ok := target.(*PanicError)
	return ok
}

// Work is one unit executed on the adapter goroutine. The context keeps
// the caller's values but never its cancellation: accepted work always
// runs to completion.
type Work func(ctx context.Context) (any, error)

type outcome struct {
	value any
	err   error
}

type item struct {
	ctx    context.Context
	name   string
	work   Work
	future chan outcome
}

// Option customizes adapter construction.
type Option func(*Adapter)

// WithLogger configures the adapter logger.
func WithLogger(logger *log.Logger) Option {
	return func(adapter *Adapter) {
		if logger != nil {
			adapter.logger = logger
		}
	}
}

// WithTracer configures the tracer used for adapter.work spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(adapter *Adapter) {
		if tracer != nil {
			adapter.tracer = tracer
		}
	}
}

// WithQueueSize sets the hand-off buffer capacity.
func WithQueueSize(size int) Option {
	return func(adapter *Adapter) {
		if size > 0 {
			adapter.queueSize = size
		}
	}
}

// Adapter owns one locked OS thread and runs submitted work on it
// strictly in the order received.
type Adapter struct {
	logger    *log.Logger
	tracer    trace.Tracer
	queueSize int

	mu      sync.RWMutex
	stopped bool
	queue   chan item
	done    chan struct{}

	processed atomic.Uint64
	failures  atomic.Uint64
}

// New starts the adapter goroutine.
func New(options ...Option) *Adapter {
	adapter := &Adapter{
		logger:    log.New(io.Discard),
		tracer:    otel.Tracer("cmdbridge/adapter"),
		queueSize: defaultQueueSize,
		done:      make(chan struct{}),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(adapter)
	}
	adapter.queue = make(chan item, adapter.queueSize)

	go adapter.loop()
	return adapter
}

// Do hands work to the adapter goroutine and waits for its outcome. If
// ctx ends first Do returns ctx.Err(); the work still runs and its
// result is discarded.
func (a *Adapter) Do(ctx context.Context, name string, work Work) (any, error) {
	if a == nil {
		return nil, errors.New("adapter is nil")
	}
	if work == nil {
		return nil, errors.New("work is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	submitted := item{
		ctx:    context.WithoutCancel(ctx),
		name:   name,
		work:   work,
		future: make(chan outcome, 1),
	}

	if err := a.enqueue(ctx, submitted); err != nil {
		return nil, err
	}

	select {
	case result := <-submitted.future:
		return result.value, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Adapter) enqueue(ctx context.Context, submitted item) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		return ErrStopped
	}
	select {
	case a.queue <- submitted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new work, finishes everything already accepted and waits
// for the adapter goroutine to exit. It is safe to call more than once.
func (a *Adapter) Stop() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if !a.stopped {
		a.stopped = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

// Pending reports how many accepted items have not started yet.
func (a *Adapter) Pending() int {
	if a == nil {
		return 0
	}
	return len(a.queue)
}

// Processed reports how many items have finished, including failures.
func (a *Adapter) Processed() uint64 {
	if a == nil {
		return 0
	}
	return a.processed.Load()
}

// Failures reports how many items returned an error or panicked.
func (a *Adapter) Failures() uint64 {
	if a == nil {
		return 0
	}
	return a.failures.Load()
}

func (a *Adapter) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(a.done)

	for next := range a.queue {
		value, err := a.run(next)
		a.processed.Add(1)
		if err != nil {
			a.failures.Add(1)
		}
		next.future <- outcome{value: value, err: err}
	}
}

func (a *Adapter) run(next item) (value any, err error) {
	started := time.Now()
	ctx, span := a.tracer.Start(next.ctx, "adapter.work")
	span.SetAttributes(attribute.String("work", next.name))
	defer func() {
		if recovered := recover(); recovered != nil {
			stack := string(debug.Stack())
			a.logger.Error("work item panicked", "work", next.name, "panic", fmt.Sprint(recovered), "stack", stack)
			value = nil
			err = &PanicError{Value: recovered, Stack: stack}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	return next.work(ctx)
}
