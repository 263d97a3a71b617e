package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/ship-commander/cmdbridge/internal/config"
	"github.com/ship-commander/cmdbridge/internal/events"
	"github.com/ship-commander/cmdbridge/internal/rpc"
	"github.com/ship-commander/cmdbridge/internal/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

type serveOptions struct {
	listen    string
	peer      bool
	telemetry bool
}

func newServeCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge and serve operations over RPC",
		Long: "Run the bridge and serve every operation as an RPC action.\n" +
			"With --peer the process acts as the external target for another\n" +
			"bridge and never forwards commands itself.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			resolved := *cfg
			if opts.listen != "" {
				resolved.ListenAddress = opts.listen
			}
			if opts.peer {
				resolved.ForwardingEnabled = false
				resolved.Prefer = "local"
			}
			instanceID := uuid.NewString()
			if opts.telemetry {
				shutdown, err := telemetry.Init(ctx,
					telemetry.WithEndpoint(resolved.OTelEndpoint),
					telemetry.WithBridge(telemetry.BridgeAttributes{
						ListenAddress:     resolved.ListenAddress,
						Prefer:            resolved.Prefer,
						ForwardingEnabled: resolved.ForwardingEnabled,
						ProtocolVersion:   rpc.ProtocolVersion,
						InstanceID:        instanceID,
					}),
				)
				if err != nil {
					return fmt.Errorf("initialize telemetry: %w", err)
				}
				defer shutdown()
			}
			return serve(ctx, &resolved, logger, instanceID, func(address string) {
				writeLine(cmd.OutOrStdout(), "cmdbridge listening on %s", address)
			})
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "listen address (host:port or unix:/path)")
	cmd.Flags().BoolVar(&opts.peer, "peer", false, "serve as an external peer: never forward")
	cmd.Flags().BoolVar(&opts.telemetry, "telemetry", true, "export OpenTelemetry spans")
	return cmd
}

// serve runs the bridge until ctx is cancelled. ready receives the bound
// address once the listener is up.
func serve(ctx context.Context, cfg *config.Config, logger *log.Logger, instanceID string, ready func(address string)) error {
	rt, err := newRuntime(cfg, logger, instanceID)
	if err != nil {
		return err
	}
	rt.bus.SubscribeAll(func(event events.Event) {
		logger.Debug("bridge event",
			"type", event.Type,
			"entity_type", event.EntityType,
			"entity_id", event.EntityID,
			"severity", event.Severity,
		)
	})

	server := rpc.NewServer(cfg.ListenAddress, rpc.WithServerLogger(logger))
	rt.gateway.Register(server)
	address, err := server.Listen()
	if err != nil {
		closeErr := rt.Close(context.Background())
		return errors.Join(err, closeErr)
	}
	logger.Info("bridge listening",
		"address", address,
		"prefer", cfg.Prefer,
		"forwarding_enabled", cfg.ForwardingEnabled,
	)

	if err := rt.bridge.Start(ctx); err != nil {
		closeErr := rt.Close(context.Background())
		return errors.Join(fmt.Errorf("start bridge: %w", err), closeErr)
	}
	if ready != nil {
		ready(address)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Serve(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down bridge")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return rt.Close(shutdownCtx)
	})

	err = group.Wait()
	stats := rt.bus.Stats()
	logger.Info("bridge stopped", "events_published", stats.Published, "events_dropped", stats.Dropped)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
