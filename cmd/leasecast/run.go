package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"leasecast/pkg/app"
	"leasecast/pkg/clock"
	"leasecast/pkg/logger"
	tracing "leasecast/pkg/observability"
	"leasecast/pkg/syncengine"
)

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run an instance until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstance(cmd.Context(), rootOpts)
		},
	}
}

func runInstance(ctx context.Context, opts *rootOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	logCfg := logger.DefaultConfig("leasecast")
	logCfg.Level = cfg.LogLevel
	logCfg.Encoding = cfg.LogEncoding
	log, err := logger.Init(logCfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("instance_id", cfg.InstanceID))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig("leasecast")
	traceCfg.InstanceID = cfg.InstanceID
	if cfg.TracingEndpoint != "" {
		traceCfg.Endpoint = cfg.TracingEndpoint
		traceCfg.Enabled = true
	}
	provider, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		return err
	}

	store, err := app.OpenStore(cfg, log.Named("storage"))
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := app.OpenMedium(cfg, log.Named("medium"))
	if err != nil {
		return err
	}
	defer m.Close()

	inst, err := app.New(cfg, store, m, syncengine.NewLoggingSink(log.Named("syncengine")), clock.Real{}, log)
	if err != nil {
		return err
	}
	if err := inst.Start(ctx); err != nil {
		_ = inst.Stop(context.Background())
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- inst.API.Start(ctx) }()

	log.Info("instance running",
		zap.String("persistence_key", cfg.PersistenceKey),
		zap.Bool("primary", inst.Elector.IsPrimary()))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-serveErr:
		log.Error("control API stopped", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := inst.API.Shutdown(shutdownCtx); err != nil {
		log.Warn("control API shutdown error", zap.Error(err))
	}
	if err := inst.Stop(shutdownCtx); err != nil {
		log.Warn("instance shutdown error", zap.Error(err))
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
	return runErr
}
