package database

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"crash/internal/config"
)

const (
	minConns        = 2
	maxConnIdleTime = 5 * time.Minute
	maxConnLifetime = time.Hour
)

// Service represents a service that interacts with the database.
type Service interface {
	// Health returns a map of health status information.
	Health() map[string]string

	// Pool exposes the connection pool to the ledger and user store.
	Pool() *pgxpool.Pool

	// Close terminates the database connection pool.
	Close() error
}

type service struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New opens a pool against cfg and checks it with a ping.
func New(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := NewPool(ctx, cfg.DSN(), cfg.MaxConns)
	if err != nil {
		return nil, err
	}
	log := logger.With("component", "database")
	log.Info("Connected to database", "host", cfg.Host, "database", cfg.Name)
	return &service{pool: pool, log: log}, nil
}

// NewPool creates a PostgreSQL connection pool.
func NewPool(ctx context.Context, connString string, maxConns int32) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	poolCfg.MinConns = minConns
	poolCfg.MaxConnIdleTime = maxConnIdleTime
	poolCfg.MaxConnLifetime = maxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func (s *service) Pool() *pgxpool.Pool {
	return s.pool
}

// Health checks the health of the database connection by pinging the database.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		s.log.Error("Database health check failed", "error", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	ps := s.pool.Stat()
	stats["open_connections"] = strconv.Itoa(int(ps.TotalConns()))
	stats["in_use"] = strconv.Itoa(int(ps.AcquiredConns()))
	stats["idle"] = strconv.Itoa(int(ps.IdleConns()))
	stats["max_connections"] = strconv.Itoa(int(ps.MaxConns()))
	stats["wait_count"] = strconv.FormatInt(ps.EmptyAcquireCount(), 10)
	stats["wait_duration"] = ps.AcquireDuration().String()

	if ps.AcquiredConns() > ps.MaxConns()*4/5 {
		stats["message"] = "The database is experiencing heavy load."
	}

	return stats
}

// Close closes the database connection pool.
func (s *service) Close() error {
	s.log.Info("Disconnected from database")
	s.pool.Close()
	return nil
}
