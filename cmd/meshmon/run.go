package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apiserver "github.com/meshmon/meshmon/internal/api_server"
	"github.com/meshmon/meshmon/internal/config"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/upgrade"
	"github.com/meshmon/meshmon/pkg/log"
	"github.com/meshmon/meshmon/pkg/metrics"
	"github.com/meshmon/meshmon/pkg/migrations"
	"github.com/meshmon/meshmon/pkg/version"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the meshmon service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			zap.S().Fatalf("reading configuration: %v", err)
		}

		logLvl, err := zap.ParseAtomicLevel(cfg.Service.LogLevel)
		if err != nil {
			logLvl = zap.NewAtomicLevelAt(zap.InfoLevel)
		}

		logger := log.InitLog(logLvl)
		defer func() { _ = logger.Sync() }()
		undo := zap.ReplaceGlobals(logger)
		defer undo()

		zap.S().Named("main").Infof("Starting meshmon %s", version.Get().GitVersion)
		defer zap.S().Named("main").Info("meshmon stopped")

		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Named("main").Fatalf("initializing data store: %v", err)
		}

		st := store.NewStore(db)
		defer st.Close()

		if err := migrations.MigrateStore(db, cfg.Database.Type); err != nil {
			zap.S().Named("main").Fatalf("running initial migration: %v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		ctrl := buildController(ctx, cfg, st)

		if cfg.UpgradeEnabled() {
			// Decide the fate of any upgrade that spanned the restart which
			// brought this process up, before serving traffic.
			if err := ctrl.Reconcile(ctx, version.Get().GitVersion); err != nil {
				zap.S().Named("main").Errorf("upgrade reconciliation failed: %v", err)
			}

			monitor := upgrade.NewMonitor(ctrl, cfg.Upgrade.MonitorInterval, cfg.Upgrade.RestartTimeout)
			monitor.Start(ctx)
		}

		metrics.RegisterUpgradeStatsCollector(st)

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.Address)
			if err != nil {
				zap.S().Named("main").Fatalf("creating listener: %s", err)
			}

			server := apiserver.New(cfg, st, ctrl, listener)
			if err := server.Run(ctx); err != nil {
				zap.S().Named("main").Fatalf("Error running server: %s", err)
			}
		}()

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.MetricsAddress)
			if err != nil {
				zap.S().Named("main").Fatalf("creating metrics listener: %s", err)
			}

			metricsServer := apiserver.NewMetricServer(cfg.Service.MetricsAddress, listener)
			if err := metricsServer.Run(ctx); err != nil {
				zap.S().Named("main").Fatalf("Error running metrics server: %s", err)
			}
		}()

		<-ctx.Done()
		return nil
	},
}

// buildController assembles the upgrade orchestrator: deployment method is
// detected once at startup and fixed for the life of the process.
func buildController(ctx context.Context, cfg *config.Config, st store.Store) *upgrade.Controller {
	method := upgrade.DetectDeploymentMethod(ctx, cfg)
	zap.S().Named("main").Infof("deployment method: %s", method)

	releases := upgrade.NewReleaseSource(cfg.Upgrade.ReleaseURL)
	driver := upgrade.NewDeploymentDriver(method, cfg, releases)
	backup := upgrade.NewBackupManager(cfg.ResolvedBackupDir(), backupSources(cfg)...)
	watchdog := upgrade.NewStatusFile(cfg.StatusFilePath())
	validator := upgrade.NewConfigurationValidator(cfg, method, releases)

	return upgrade.NewController(st, cfg, driver, backup, watchdog, validator, st.Ping)
}

// backupSources lists the files captured in an upgrade snapshot: the sqlite
// database plus any configured extra files.
func backupSources(cfg *config.Config) []string {
	var sources []string
	if cfg.Database.Type != "pgsql" && cfg.Database.Name != ":memory:" {
		sources = append(sources, cfg.Database.Name)
	}
	for _, f := range strings.Split(cfg.Upgrade.ConfigFiles, ",") {
		if f = strings.TrimSpace(f); f != "" {
			sources = append(sources, f)
		}
	}
	return sources
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
