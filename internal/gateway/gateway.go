// Package gateway exposes the bridge operations by name: it validates
// arguments, turns each call into a bridge command and answers the
// operations that never touch the owned session.
package gateway

import (
	"context"
	"fmt"
	"io"
	"maps"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/ship-commander/cmdbridge/internal/bridge"
	"github.com/ship-commander/cmdbridge/internal/execcmd"
	"github.com/ship-commander/cmdbridge/internal/rpc"
	"github.com/ship-commander/cmdbridge/internal/viewer"
)

// Route tells how an operation is executed.
type Route string

const (
	// RouteQueued operations run through the bridge queue.
	RouteQueued Route = "queued"
	// RouteControl operations steer the bridge itself.
	RouteControl Route = "control"
	// RouteDirect operations are answered by the gateway alone.
	RouteDirect Route = "direct"
)

// extendedGrace is added to a caller-supplied process timeout so the
// wait outlives the process it bounds.
const extendedGrace = 5 * time.Second

type buildFunc func(g *Gateway, args Args) (bridge.Handler, error)

type directFunc func(ctx context.Context, g *Gateway, args Args) (any, error)

// Operation is one registry entry.
type Operation struct {
	Name        string
	Description string
	Class       bridge.Class
	Route       Route
	Params      []Param

	build  buildFunc
	direct directFunc
}

// OperationInfo is the introspection view of an operation.
type OperationInfo struct {
	Name        string  `cbor:"name" yaml:"name"`
	Description string  `cbor:"description" yaml:"description"`
	Class       string  `cbor:"class" yaml:"class"`
	Route       string  `cbor:"route" yaml:"route"`
	Params      []Param `cbor:"params" yaml:"params"`
}

// Option customizes gateway construction.
type Option func(*Gateway)

// WithRunner sets the executor for extended operations.
func WithRunner(runner *execcmd.Runner) Option {
	return func(gateway *Gateway) {
		if runner != nil {
			gateway.runner = runner
		}
	}
}

// WithViewerDefaults sets the options init_viewer falls back to.
func WithViewerDefaults(options viewer.Options) Option {
	return func(gateway *Gateway) {
		gateway.defaults = options
	}
}

// WithServerVersion sets the version reported in handshakes.
func WithServerVersion(version string) Option {
	return func(gateway *Gateway) {
		if version != "" {
			gateway.serverVersion = version
		}
	}
}

// WithInstanceID sets the identity reported in handshakes. The default
// is a fresh UUID per gateway.
func WithInstanceID(id string) Option {
	return func(gateway *Gateway) {
		if id != "" {
			gateway.instanceID = id
		}
	}
}

// WithTimelapseBudget bounds the combined size of timelapse frames.
func WithTimelapseBudget(bytes int) Option {
	return func(gateway *Gateway) {
		if bytes > 0 {
			gateway.timelapseBudget = bytes
		}
	}
}

// WithLogger configures structured logging.
func WithLogger(logger *log.Logger) Option {
	return func(gateway *Gateway) {
		if logger != nil {
			gateway.logger = logger
		}
	}
}

// Gateway maps operation names onto bridge commands.
type Gateway struct {
	bridge          *bridge.Bridge
	runner          *execcmd.Runner
	defaults        viewer.Options
	serverVersion   string
	instanceID      string
	timelapseBudget int
	logger          *log.Logger

	operations map[string]*Operation
}

// New builds a gateway over b with every operation registered.
func New(b *bridge.Bridge, options ...Option) (*Gateway, error) {
	if b == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	gateway := &Gateway{
		bridge:          b,
		runner:          execcmd.NewRunner(),
		defaults:        viewer.Options{Title: "cmdbridge", Width: 800, Height: 600},
		serverVersion:   "dev",
		instanceID:      uuid.NewString(),
		timelapseBudget: viewer.DefaultTimelapseBudget,
		logger:          log.New(io.Discard),
		operations:      make(map[string]*Operation),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(gateway)
	}
	for _, operation := range registry() {
		if _, exists := gateway.operations[operation.Name]; exists {
			return nil, fmt.Errorf("operation %q registered twice", operation.Name)
		}
		gateway.operations[operation.Name] = operation
	}
	return gateway, nil
}

// InstanceID returns the identity this gateway reports in handshakes.
func (g *Gateway) InstanceID() string {
	return g.instanceID
}

// Operations lists every operation sorted by name.
func (g *Gateway) Operations() []OperationInfo {
	names := make([]string, 0, len(g.operations))
	for name := range g.operations {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]OperationInfo, 0, len(names))
	for _, name := range names {
		operation := g.operations[name]
		class := string(operation.Class)
		if class == "" {
			class = string(bridge.ClassStandard)
		}
		params := operation.Params
		if params == nil {
			params = []Param{}
		}
		infos = append(infos, OperationInfo{
			Name:        operation.Name,
			Description: operation.Description,
			Class:       class,
			Route:       string(operation.Route),
			Params:      params,
		})
	}
	return infos
}

// Call validates raw and runs the named operation. It never returns a
// raw error: every outcome is a Result.
func (g *Gateway) Call(ctx context.Context, name string, raw map[string]any) bridge.Result {
	operation, ok := g.operations[name]
	if !ok {
		return bridge.Failure(bridge.KindValidation, &ValidationError{Operation: name, Message: "unknown operation"})
	}
	args, err := Validate(name, operation.Params, raw)
	if err != nil {
		return bridge.Failure(bridge.KindValidation, err)
	}

	if operation.Route != RouteQueued {
		value, err := operation.direct(ctx, g, args)
		if err != nil {
			return bridge.FromError(err)
		}
		return bridge.OK(value)
	}

	handler, err := operation.build(g, args)
	if err != nil {
		return bridge.Failure(bridge.KindValidation, err)
	}
	command := bridge.Command{
		Operation: name,
		Args:      forwardArgs(raw),
		Class:     operation.Class,
		Handler:   handler,
	}
	if operation.Class == bridge.ClassExtended {
		command.LineLimit = args.IntPtr("line_limit")
		if seconds := args.Float("timeout"); seconds > 0 {
			command.Timeout = time.Duration(seconds*float64(time.Second)) + extendedGrace
		}
	}
	result := g.bridge.Submit(ctx, command)
	if result.Error != nil {
		g.logger.Debug("operation failed", "operation", name, "command_id", result.CommandID, "kind", result.Error.Kind, "error", result.Error.Message)
	}
	return result
}

// Register installs one rpc action per operation on server. The
// handshake action answers with a bare handshake response so that any
// peer can probe this server. Every action rejects a request that
// names another protocol version.
func (g *Gateway) Register(server *rpc.Server) {
	for name := range g.operations {
		if name == rpc.ActionHandshake {
			continue
		}
		server.Handle(name, func(ctx context.Context, request rpc.Request) (any, error) {
			if err := rpc.CheckProtocolVersion(request.ProtocolVersion); err != nil {
				g.logger.Warn("rejected request from mismatched peer", "operation", name, "request_id", request.RequestID, "error", err)
				return nil, err
			}
			return g.Call(ctx, name, request.Args), nil
		})
	}
	server.Handle(rpc.ActionHandshake, func(_ context.Context, request rpc.Request) (any, error) {
		if err := rpc.CheckProtocolVersion(rpc.RequestedProtocolVersion(request)); err != nil {
			return nil, err
		}
		return rpc.NewHandshakeResponse(g.serverVersion, g.instanceID), nil
	})
}

func forwardArgs(raw map[string]any) map[string]any {
	args := make(map[string]any, len(raw))
	maps.Copy(args, raw)
	return args
}
