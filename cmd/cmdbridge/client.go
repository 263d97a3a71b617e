package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ship-commander/cmdbridge/internal/bridge"
	"github.com/ship-commander/cmdbridge/internal/config"
	"github.com/ship-commander/cmdbridge/internal/probe"
	"github.com/ship-commander/cmdbridge/internal/rpc"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// errOperationFailed marks a call whose Result carried status error.
var errOperationFailed = errors.New("operation failed")

const defaultCallTimeout = 11 * time.Minute

type callOptions struct {
	address string
	args    string
	timeout time.Duration
}

func newCallCommand(cfg *config.Config) *cobra.Command {
	opts := callOptions{}
	cmd := &cobra.Command{
		Use:   "call <operation>",
		Short: "Invoke one operation on a running bridge",
		Example: "  cmdbridge call init_viewer\n" +
			"  cmdbridge call add_points --args '{points: [[1, 2], [3, 4]], size: 5}'\n" +
			"  cmdbridge call execute_command --args '{\"command\": \"ls -la\", \"line_limit\": 10}'",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			args, err := parseArgs(opts.args)
			if err != nil {
				return err
			}
			result, err := callOperation(cmd.Context(), serverAddress(cfg, opts.address), positional[0], args, opts.timeout)
			if err != nil {
				return err
			}
			if err := renderResult(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.Status != bridge.StatusOK {
				return fmt.Errorf("%w: %s: %v", errOperationFailed, positional[0], result.Err())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.address, "address", "", "bridge address (defaults to listen_address)")
	cmd.Flags().StringVar(&opts.args, "args", "", "operation arguments as a JSON or YAML mapping")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", defaultCallTimeout, "response timeout")
	return cmd
}

// parseArgs accepts a YAML mapping. JSON objects are valid YAML.
func parseArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := yaml.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("parse --args: %w", err)
	}
	if args == nil {
		return nil, errors.New("parse --args: expected a mapping")
	}
	return args, nil
}

func callOperation(ctx context.Context, address, operation string, args map[string]any, timeout time.Duration) (bridge.Result, error) {
	client := rpc.NewClient(address, rpc.WithResponseTimeout(timeout))
	var result bridge.Result
	err := client.Call(ctx, rpc.Request{
		Action:          operation,
		RequestID:       uuid.NewString(),
		ProtocolVersion: rpc.ProtocolVersion,
		Args:            args,
	}, &result)
	if err != nil {
		return bridge.Result{}, err
	}
	return result, nil
}

// renderResult prints a Result as YAML.
func renderResult(w io.Writer, result bridge.Result) error {
	document := map[string]any{"status": string(result.Status)}
	if result.CommandID != "" {
		document["command_id"] = result.CommandID
	}
	if result.Payload != nil {
		document["payload"] = result.Payload
	}
	if result.Error != nil {
		document["error"] = map[string]any{
			"kind":    string(result.Error.Kind),
			"message": result.Error.Message,
		}
	}
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(document); err != nil {
		return fmt.Errorf("render result: %w", err)
	}
	return encoder.Close()
}

func newProbeCommand(cfg *config.Config) *cobra.Command {
	var (
		address string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Handshake with an external peer and report the endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := peerAddress(cfg, address)
			if timeout <= 0 && cfg != nil {
				timeout = cfg.Probe.Timeout
			}
			endpoint, err := probe.NewProber(target, probe.WithTimeout(timeout)).Probe(cmd.Context())
			if err != nil {
				return fmt.Errorf("probe %s: %w", target, err)
			}
			return renderEndpoint(cmd.OutOrStdout(), endpoint)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "peer address (defaults to probe.address)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "handshake timeout (defaults to probe.timeout)")
	return cmd
}

func newStatusCommand(cfg *config.Config) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session, routing and output store status of a running bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := callOperation(cmd.Context(), serverAddress(cfg, address), "bridge_status", nil, 10*time.Second)
			if err != nil {
				return err
			}
			if result.Status != bridge.StatusOK {
				return fmt.Errorf("%w: bridge_status: %v", errOperationFailed, result.Err())
			}
			var status bridge.BridgeStatus
			if err := result.Decode(&status); err != nil {
				return fmt.Errorf("decode bridge status: %w", err)
			}
			return renderStatus(cmd.OutOrStdout(), status, time.Now())
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "bridge address (defaults to listen_address)")
	return cmd
}
