package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"queuewatch/internal/api"
	"queuewatch/internal/clock/system"
	"queuewatch/internal/config"
	"queuewatch/internal/logging"
	"queuewatch/internal/monitor"
	"queuewatch/internal/scraper"
	"queuewatch/internal/store"
)

// newWatchCmd creates and configures the 'watch' subcommand, the long-running
// scrape loop.
func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Starts the scrape loop",
		Long: `Polls every configured queue on the configured interval and records
snapshots, entry lifecycle changes, and open/close events into MongoDB.
Runs until interrupted.`,
		RunE: runWatch,
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if cfg.PartialCredentials() {
		logger.Warn("only one of auth.email and auth.password is set, scraping the public view")
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

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

	scr, err := scraper.New(scraper.Config{
		BaseURL:   cfg.Scrape.BaseURL,
		UserAgent: cfg.Scrape.UserAgent,
		Timeout:   cfg.Scrape.RequestTimeout,
		Email:     cfg.Auth.Email,
		Password:  cfg.Auth.Password,
		Location:  loc,
		DumpDir:   cfg.Scrape.DumpDir,
	}, logger)
	if err != nil {
		return fmt.Errorf("init scraper: %w", err)
	}

	mon := monitor.New(scr, st, system.New(), logger, monitor.Config{
		QueueIDs: cfg.Scrape.QueueIDs,
		Interval: cfg.Scrape.Interval,
	})

	srv := api.NewServer(cfg.Ops.MetricsAddr, st, logger)
	go func() {
		if serr := srv.Run(ctx); serr != nil {
			logger.Error("ops server failed", zap.Error(serr))
		}
	}()

	if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run monitor: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
