package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meshmon/meshmon/internal/config"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/pkg/log"
	"github.com/meshmon/meshmon/pkg/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.InitLog(zap.NewAtomicLevelAt(zap.InfoLevel))
		defer func() { _ = logger.Sync() }()
		undo := zap.ReplaceGlobals(logger)
		defer undo()

		cfg, err := config.New()
		if err != nil {
			zap.S().Fatalf("reading configuration: %v", err)
		}

		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalf("initializing data store: %v", err)
		}

		st := store.NewStore(db)
		defer st.Close()

		if err := migrations.MigrateStore(db, cfg.Database.Type); err != nil {
			zap.S().Fatalf("running migration: %v", err)
		}

		zap.S().Info("db migrated")
		return nil
	},
}
