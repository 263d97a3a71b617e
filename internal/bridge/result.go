package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/ship-commander/cmdbridge/internal/adapter"
	"github.com/ship-commander/cmdbridge/internal/execcmd"
	"github.com/ship-commander/cmdbridge/internal/outputstore"
	"github.com/ship-commander/cmdbridge/internal/rpc"
	"github.com/ship-commander/cmdbridge/internal/session"
	"github.com/ship-commander/cmdbridge/internal/viewer"
)

// Status is the terminal state of a command.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Kind classifies a failed command.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindTimeout         Kind = "timeout"
	KindAdapter         Kind = "adapter"
	KindForwarding      Kind = "forwarding"
	KindSessionNotReady Kind = "session_not_ready"
	KindNotFound        Kind = "not_found"
	KindInternal        Kind = "internal"
)

var (
	// ErrValidation marks caller input the bridge refuses to run.
	ErrValidation = errors.New("invalid arguments")
	// ErrClosed indicates the bridge no longer accepts commands.
	ErrClosed = errors.New("bridge closed")
)

// ErrorDetail describes why a command did not succeed.
type ErrorDetail struct {
	Kind    Kind   `cbor:"kind"`
	Message string `cbor:"message"`
}

// Result is the only thing a caller ever receives for a command.
type Result struct {
	Status    Status       `cbor:"status"`
	Payload   any          `cbor:"payload,omitempty"`
	Error     *ErrorDetail `cbor:"error,omitempty"`
	CommandID string       `cbor:"command_id,omitempty"`
}

// OK wraps a successful payload.
func OK(payload any) Result {
	return Result{Status: StatusOK, Payload: payload}
}

// Failure builds an error result of kind from err.
func Failure(kind Kind, err error) Result {
	message := "unknown error"
	if err != nil {
		message = err.Error()
	}
	status := StatusError
	if kind == KindTimeout {
		status = StatusTimeout
	}
	return Result{Status: status, Error: &ErrorDetail{Kind: kind, Message: message}}
}

// FromError classifies err into a failure result.
func FromError(err error) Result {
	return Failure(Classify(err), err)
}

// Err returns the failure as an error, or nil for a successful result.
func (r Result) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	if r.Error == nil {
		return fmt.Errorf("command finished with status %s", r.Status)
	}
	return fmt.Errorf("%s: %s", r.Error.Kind, r.Error.Message)
}

// Decode reads the payload into dst, whether it was produced locally or
// arrived from a peer.
func (r Result) Decode(dst any) error {
	if r.Payload == nil {
		return errors.New("result has no payload")
	}
	return rpc.Convert(r.Payload, dst)
}

// ForwardingError reports a command that could not be delivered to the
// external peer.
type ForwardingError struct {
	Address string
	Err     error
}

func (e *ForwardingError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("forwarding failed: %v", e.Err)
	}
	return fmt.Sprintf("forwarding to %s failed: %v", e.Address, e.Err)
}

func (e *ForwardingError) Unwrap() error {
	return e.Err
}

// Classify maps an error onto the failure taxonomy. Errors raised by
// handlers, recovered panics included, default to KindAdapter.
func Classify(err error) Kind {
	var forwarding *ForwardingError
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, session.ErrSessionNotReady):
		return KindSessionNotReady
	case errors.As(err, &forwarding):
		return KindForwarding
	case errors.Is(err, ErrValidation),
		errors.Is(err, viewer.ErrInvalidArgument),
		errors.Is(err, execcmd.ErrNotAllowed),
		errors.Is(err, execcmd.ErrEmptyCommand):
		return KindValidation
	case errors.Is(err, viewer.ErrLayerNotFound), errors.Is(err, outputstore.ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrClosed), errors.Is(err, adapter.ErrStopped):
		return KindInternal
	default:
		return KindAdapter
	}
}
