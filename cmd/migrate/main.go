package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"crash/internal/config"
	"crash/internal/database"
	"crash/internal/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init(cfg.Logger()).With("component", "migrate")
	migrationsPath := cfg.Database.MigrationsPath

	command := os.Args[1]
	if command == "create" {
		if len(os.Args) < 3 {
			log.Error("Usage: migrate create <migration_name>")
			os.Exit(1)
		}
		up, down, err := createMigration(migrationsPath, os.Args[2], time.Now())
		if err != nil {
			log.Error("Failed to create migration", "error", err)
			os.Exit(1)
		}
		log.Info("Created migration files", "up", up, "down", down)
		return
	}

	db, err := database.OpenSQL(cfg.Database.DSN())
	if err != nil {
		log.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	switch command {
	case "up":
		log.Info("Running migrations", "path", migrationsPath)
		if err := database.RunMigrations(db, migrationsPath); err != nil {
			log.Error("Migration failed", "error", err)
			os.Exit(1)
		}
		log.Info("Migrations completed successfully")

	case "down":
		log.Info("Rolling back last migration")
		if err := database.RollbackMigration(db, migrationsPath); err != nil {
			log.Error("Rollback failed", "error", err)
			os.Exit(1)
		}
		log.Info("Rollback completed successfully")

	case "version":
		version, dirty, err := database.GetMigrationVersion(db, migrationsPath)
		if err != nil {
			log.Error("Failed to get version", "error", err)
			os.Exit(1)
		}
		if dirty {
			log.Warn("Schema is dirty and needs manual intervention", "version", version)
		} else {
			log.Info("Current version", "version", version)
		}

	default:
		log.Error("Unknown command", "command", command)
		printUsage()
		os.Exit(1)
	}
}

// createMigration writes an empty up/down pair numbered after the
// existing ones.
func createMigration(dir, name string, now time.Time) (string, string, error) {
	ups, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return "", "", fmt.Errorf("failed to read migrations directory: %w", err)
	}
	next := len(ups) + 1

	upFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.up.sql", next, name))
	downFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.down.sql", next, name))

	upContent := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n", name, now.UTC().Format(time.RFC3339))
	if err := os.WriteFile(upFile, []byte(upContent), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to create up migration: %w", err)
	}
	downContent := fmt.Sprintf("-- Rollback: %s\n\n", name)
	if err := os.WriteFile(downFile, []byte(downContent), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to create down migration: %w", err)
	}
	return upFile, downFile, nil
}

func printUsage() {
	fmt.Println("Database Migration Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  migrate up              Run all pending migrations")
	fmt.Println("  migrate down            Rollback the last migration")
	fmt.Println("  migrate version         Show current migration version")
	fmt.Println("  migrate create <name>   Create a new migration file")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  CONFIG_PATH             Optional YAML config file")
	fmt.Println("  BLUEPRINT_DB_HOST       Database host (default: localhost)")
	fmt.Println("  BLUEPRINT_DB_PORT       Database port (default: 5432)")
	fmt.Println("  BLUEPRINT_DB_DATABASE   Database name")
	fmt.Println("  BLUEPRINT_DB_USERNAME   Database user")
	fmt.Println("  BLUEPRINT_DB_PASSWORD   Database password")
	fmt.Println("  MIGRATIONS_PATH         Path to migrations (default: ./migrations)")
}
