package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/ship-commander/cmdbridge/internal/config"
	"github.com/ship-commander/cmdbridge/internal/logging"
	"github.com/ship-commander/cmdbridge/internal/rpc"
	"github.com/ship-commander/cmdbridge/internal/telemetry"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runID := uuid.NewString()
	logger, err := logging.New(ctx, logging.WithRunID(runID))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	telemetry.ServiceVersion = Version
	cmd := newRootCommand(ctx, cfg, logger.Logger)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return err
	}

	return nil
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "cmdbridge",
		Short:         "Serialized command bridge for a headless viewer session",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newServeCommand(cfg, logger),
		newCallCommand(cfg),
		newOpsCommand(cfg, logger),
		newProbeCommand(cfg),
		newStatusCommand(cfg),
		newBugreportCommand(cfg, logger),
		newVersionCommand(),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	_ = ctx
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version and wire protocol version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "cmdbridge %s (protocol %s)\n", Version, rpc.ProtocolVersion)
			return err
		},
	}
}

// serverAddress is where a local serve process listens.
func serverAddress(cfg *config.Config, flagValue string) string {
	if address := strings.TrimSpace(flagValue); address != "" {
		return address
	}
	if cfg == nil || strings.TrimSpace(cfg.ListenAddress) == "" {
		return config.Defaults().ListenAddress
	}
	return cfg.ListenAddress
}

// peerAddress is where an external peer is expected, falling back to
// the local server.
func peerAddress(cfg *config.Config, flagValue string) string {
	if address := strings.TrimSpace(flagValue); address != "" {
		return address
	}
	if cfg != nil {
		if address := strings.TrimSpace(cfg.Probe.Address); address != "" {
			return address
		}
	}
	return serverAddress(cfg, "")
}

func writeLine(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\n", args...)
}
