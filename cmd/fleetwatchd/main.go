// cmd/fleetwatchd/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fairhold/fleetwatch/internal/api"
	"github.com/fairhold/fleetwatch/internal/backup"
	"github.com/fairhold/fleetwatch/internal/cluster"
	"github.com/fairhold/fleetwatch/internal/config"
	"github.com/fairhold/fleetwatch/internal/discovery"
	"github.com/fairhold/fleetwatch/internal/executor"
	"github.com/fairhold/fleetwatch/internal/probe"
)

func main() {
	configPath := flag.String("config", config.GetEnvOrDefault("FLEETWATCH_CONFIG", "/etc/fleetwatch/config.yaml"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("loading config", zap.Error(err))
	}

	logger := buildLogger(cfg.Server.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting fleetwatch",
		zap.String("cluster", cfg.Cluster.Name),
		zap.String("backend", string(cfg.Cluster.Backend)),
		zap.Int("nodes", len(cfg.Cluster.Nodes)),
	)

	prober, err := probe.New(cfg.Cluster, cfg.Probe, logger)
	if err != nil {
		logger.Fatal("building prober", zap.Error(err))
	}
	agg := cluster.NewAggregator(cfg.Cluster, prober, cfg.Probe.Timeout, logger)
	driver := cluster.NewDriver(agg, cfg.Probe.Interval, logger)

	binder := discovery.NewBinder(cfg.Discovery.HostsFile, cfg.Discovery.LocalHostname, logger)
	if err := binder.BindAll(cfg.Cluster); err != nil {
		logger.Warn("initial hostname binding failed", zap.Error(err))
	}

	audit, err := executor.NewAuditLog(cfg.Executor.AuditPath)
	if err != nil {
		logger.Fatal("opening audit log", zap.Error(err))
	}
	commander, err := executor.NewCommander(cfg.Cluster, cfg.Probe, logger)
	if err != nil {
		logger.Fatal("building commander", zap.Error(err))
	}
	exec := executor.New(cfg.Cluster, commander, driver, binder, audit, executor.Options{
		RetryBudget:         cfg.Executor.RetryBudget,
		ConvergenceInterval: cfg.Executor.ConvergenceInterval,
	}, logger)

	runner, err := backup.NewRunner(cfg.Cluster, cfg.Probe, logger)
	if err != nil {
		logger.Fatal("building backup runner", zap.Error(err))
	}
	backups, err := backup.NewManager(cfg.Backup, cfg.Cluster, runner, audit, logger)
	if err != nil {
		logger.Fatal("building backup manager", zap.Error(err))
	}

	server := api.NewServer(cfg.Server, cfg.Cluster, driver, exec, backups, logger)
	metricsServer := api.NewMetricsServer(cfg.Server.MetricsPort, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go driver.Run(ctx)
	go pruneLoop(ctx, backups, logger)
	go func() {
		if err := metricsServer.Start(); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := server.Start(); err != nil {
		logger.Fatal("operator API failed", zap.Error(err))
	}
}

func buildLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// pruneLoop applies backup retention once a day.
func pruneLoop(ctx context.Context, backups *backup.Manager, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := backups.Prune(time.Now()); err != nil {
				logger.Warn("backup prune failed", zap.Error(err))
			}
		}
	}
}
