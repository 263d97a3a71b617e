package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/cmdbridge/internal/config"
	"github.com/ship-commander/cmdbridge/internal/gateway"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newOpsCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "List every operation with its class and arguments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			operations, err := listOperations(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			switch strings.ToLower(strings.TrimSpace(format)) {
			case "", "table":
				return renderOperationsTable(cmd.OutOrStdout(), operations)
			case "yaml":
				return renderOperationsYAML(cmd.OutOrStdout(), operations)
			default:
				return fmt.Errorf("unknown format %q (want table or yaml)", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "output format: table or yaml")
	return cmd
}

// listOperations builds a local, never-forwarding stack just long enough
// to read the registry.
func listOperations(ctx context.Context, cfg *config.Config, logger *log.Logger) ([]gateway.OperationInfo, error) {
	local := *cfg
	local.ForwardingEnabled = false
	local.Prefer = "local"
	rt, err := newRuntime(&local, logger, "")
	if err != nil {
		return nil, err
	}
	operations := rt.gateway.Operations()
	if err := rt.Close(ctx); err != nil {
		return nil, err
	}
	return operations, nil
}

func renderOperationsYAML(w io.Writer, operations []gateway.OperationInfo) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(map[string]any{"operations": operations}); err != nil {
		return fmt.Errorf("render operations: %w", err)
	}
	return encoder.Close()
}
