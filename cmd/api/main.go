package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"crash/internal/cache"
	"crash/internal/config"
	"crash/internal/database"
	"crash/internal/game"
	"crash/internal/logger"
	"crash/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init(cfg.Logger())

	if err := run(cfg, log); err != nil {
		log.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate(cfg.Database); err != nil {
		return err
	}

	db, err := database.New(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	ledger := database.NewLedger(db.Pool(), log)
	users := database.NewUsers(db.Pool(), database.DefaultUserCacheSize, database.DefaultUserCacheTTL)

	recent, err := ledger.History(ctx, cfg.Game.HistoryLength)
	if err != nil {
		return fmt.Errorf("failed to load round history: %w", err)
	}
	history := game.NewHistory(cfg.Game.HistoryLength, recent)

	// Fan-out outlives the signal context so the final crash event of a
	// shutdown still reaches clients.
	fanout, stopFanout := context.WithCancel(context.Background())
	defer stopFanout()

	hub := game.NewHub(log)
	go hub.Run(fanout)
	publishers := game.Publishers{hub}

	deps := server.Deps{Hub: hub, Users: users, DB: db}
	if cfg.Redis.Enabled {
		redisSvc, err := cache.New(ctx, cfg.Redis, log)
		if err != nil {
			log.Warn("Redis unavailable, running without event fan-out", "error", err)
		} else {
			defer redisSvc.Close()
			pub := cache.NewPublisher(redisSvc.GetClient(), cfg.Redis.EventsChannel, log)
			go pub.Run(fanout)
			publishers = append(publishers, pub)
			deps.Cache = redisSvc
			deps.Crashes = pub
		}
	}

	manager := game.NewManager(cfg.Engine(), ledger, publishers, history, log)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start game: %w", err)
	}
	deps.Engine = manager

	srv := server.New(cfg.Server, deps, log)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", cfg.Server.Addr)
		serveErr <- srv.Listen(cfg.Server.Addr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serveErr:
		log.Error("HTTP server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Settle every open bet before the listener goes away.
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error("Game shutdown incomplete", "error", err)
	} else {
		log.Info("Game settled")
	}

	if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	}
	stopFanout()
	log.Info("Server stopped")
	return nil
}

func migrate(cfg config.DatabaseConfig) error {
	sqlDB, err := database.OpenSQL(cfg.DSN())
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	return database.RunMigrations(sqlDB, cfg.MigrationsPath)
}
