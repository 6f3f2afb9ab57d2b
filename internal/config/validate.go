package config

import (
	"errors"
	"fmt"
)

// Validate checks high-impact runtime configuration constraints.
func (c Config) Validate() error {
	g := c.Game
	if g.TickRate <= 0 {
		return fmt.Errorf("game.tick_rate must be > 0, got %v", g.TickRate)
	}
	if g.RestartTime <= 0 {
		return fmt.Errorf("game.restart_time must be > 0, got %v", g.RestartTime)
	}
	if g.AfterCrashTime < 0 {
		return fmt.Errorf("game.after_crash_time must be >= 0, got %v", g.AfterCrashTime)
	}
	if g.BlockPoll <= 0 {
		return fmt.Errorf("game.block_poll must be > 0, got %v", g.BlockPoll)
	}
	if g.HeartbeatInterval <= 0 {
		return fmt.Errorf("game.heartbeat_interval must be > 0, got %v", g.HeartbeatInterval)
	}
	if g.GrowthRate <= 0 {
		return fmt.Errorf("game.growth_rate must be > 0, got %f", g.GrowthRate)
	}
	if g.RiskFraction <= 0 || g.RiskFraction > 1 {
		return fmt.Errorf("game.risk_fraction must be within (0,1], got %f", g.RiskFraction)
	}
	if g.ForceSettleWorkers <= 0 {
		return fmt.Errorf("game.force_settle_workers must be > 0, got %d", g.ForceSettleWorkers)
	}
	if g.HistoryLength <= 0 {
		return fmt.Errorf("game.history_length must be > 0, got %d", g.HistoryLength)
	}
	if g.CrashAt != 0 && g.CrashAt < 100 {
		return fmt.Errorf("game.crash_at must be 0 or >= 100, got %d", g.CrashAt)
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must be >= 0, got %d", c.Server.RateLimit)
	}
	if c.Database.Host == "" || c.Database.Name == "" {
		return errors.New("database.host and database.name are required")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("database.max_conns must be > 0, got %d", c.Database.MaxConns)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	return nil
}
