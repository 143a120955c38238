package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/jask/devicelink/internal/agentd"
	"github.com/jask/devicelink/internal/config"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Daemon.DatabasePath), 0o755); err != nil {
		logger.Fatal().Err(err).Msg("create data dir")
	}
	if err := agentd.RunMigrations(cfg.Daemon.DatabasePath, cfg.Daemon.MigrationsPath); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	db, err := agentd.Open(cfg.Daemon.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := agentd.New(cfg.Daemon.Listen, agentd.NewStore(db), logger)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server")
	}
}
