package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/signalhub/engine/pkg/config"
	"github.com/signalhub/engine/pkg/database"
	"github.com/signalhub/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := database.Open(context.Background(), database.Options{Driver: cfg.DatabaseDriver, DSN: cfg.DatabaseURL})
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	if err := database.Migrate(db); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	if cfg.MigrationsPath != "" {
		if err := database.RunSQLMigrations(db, cfg.MigrationsPath); err != nil {
			log.Fatal("sql migrations failed", zap.Error(err), zap.String("path", cfg.MigrationsPath))
		}
		log.Info("sql migrations applied", zap.String("path", cfg.MigrationsPath))
	}

	fmt.Fprintln(os.Stdout, "migrations completed")
}
