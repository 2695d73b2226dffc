package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"queuewatch/internal/clock/system"
	"queuewatch/internal/config"
	"queuewatch/internal/logging"
	"queuewatch/internal/monitor"
	"queuewatch/internal/store"
)

// newReplayCmd creates and configures the 'replay' subcommand.
func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [queue-id]",
		Short: "Rebuilds derived collections from stored history",
		Long: `Clears the entries and events collections and rebuilds them by walking
the full snapshot history oldest first, applying the same delta processing
the live loop uses. With no argument every configured queue is replayed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runReplay,
	}
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database, logger)
	if err != nil {
		return fmt.Errorf("connect mongodb: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := st.Close(closeCtx); cerr != nil {
			logger.Warn("close mongodb", zap.Error(cerr))
		}
	}()

	ids := cfg.Scrape.QueueIDs
	if len(args) == 1 {
		ids = args
	}

	mon := monitor.New(nil, st, system.New(), logger, monitor.Config{})
	for _, queueID := range ids {
		if err := mon.Replay(ctx, queueID); err != nil {
			return err
		}
	}
	return nil
}
