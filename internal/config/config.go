package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"gopkg.in/yaml.v3"

	"crash/internal/game"
	"crash/internal/logger"
)

type Config struct {
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`

	Server   ServerConfig   `yaml:"server"`
	Game     GameConfig     `yaml:"game"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AdminToken      string        `yaml:"admin_token"`
	RateLimit       int           `yaml:"rate_limit"` // requests per minute per client
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type GameConfig struct {
	TickRate           time.Duration `yaml:"tick_rate"`
	RestartTime        time.Duration `yaml:"restart_time"`
	AfterCrashTime     time.Duration `yaml:"after_crash_time"`
	BlockPoll          time.Duration `yaml:"block_poll"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	CommitRetry        time.Duration `yaml:"commit_retry"`
	GrowthRate         float64       `yaml:"growth_rate"`
	RiskFraction       float64       `yaml:"risk_fraction"`
	ForceSettleWorkers int           `yaml:"force_settle_workers"`
	HistoryLength      int           `yaml:"history_length"`
	Production         bool          `yaml:"production"`
	CrashAt            int64         `yaml:"crash_at"`
}

type DatabaseConfig struct {
	Host           string `yaml:"host"`
	Port           string `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	Name           string `yaml:"name"`
	Schema         string `yaml:"schema"`
	MaxConns       int32  `yaml:"max_conns"`
	MigrationsPath string `yaml:"migrations_path"`
}

type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	EventsChannel string `yaml:"events_channel"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	engine := game.DefaultConfig()
	return Config{
		Environment: "dev",
		Version:     "dev",
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       100,
			ShutdownTimeout: 30 * time.Second,
		},
		Game: GameConfig{
			TickRate:           engine.TickRate,
			RestartTime:        engine.RestartTime,
			AfterCrashTime:     engine.AfterCrashTime,
			BlockPoll:          engine.BlockPoll,
			HeartbeatInterval:  engine.HeartbeatInterval,
			CommitRetry:        engine.CommitRetry,
			GrowthRate:         engine.GrowthRate,
			RiskFraction:       engine.RiskFraction,
			ForceSettleWorkers: engine.ForceSettleWorkers,
			HistoryLength:      game.DefaultHistoryLength,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           "5432",
			User:           "postgres",
			Password:       "postgres",
			Name:           "crashdb",
			Schema:         "public",
			MaxConns:       20,
			MigrationsPath: "./migrations",
		},
		Redis: RedisConfig{
			Enabled:       true,
			Addr:          "localhost:6379",
			EventsChannel: "crash:events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path when it is set, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return cfg, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) ApplyEnv() {
	c.Environment = getEnv("APP_ENV", c.Environment)
	c.Server.Addr = getEnv("SERVER_ADDR", c.Server.Addr)
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	c.Server.AdminToken = getEnv("ADMIN_TOKEN", c.Server.AdminToken)

	c.Game.Production = getEnvAsBool("PRODUCTION", c.Game.Production)
	c.Game.CrashAt = int64(getEnvAsInt("CRASH_AT", int(c.Game.CrashAt)))

	c.Database.Host = getEnv("BLUEPRINT_DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("BLUEPRINT_DB_PORT", c.Database.Port)
	c.Database.User = getEnv("BLUEPRINT_DB_USERNAME", c.Database.User)
	c.Database.Password = getEnv("BLUEPRINT_DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("BLUEPRINT_DB_DATABASE", c.Database.Name)
	c.Database.Schema = getEnv("BLUEPRINT_DB_SCHEMA", c.Database.Schema)
	c.Database.MigrationsPath = getEnv("MIGRATIONS_PATH", c.Database.MigrationsPath)

	c.Redis.Enabled = getEnvAsBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_URL", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Engine returns the round engine settings. The crash override only
// survives outside production.
func (c Config) Engine() game.Config {
	g := c.Game
	cfg := game.Config{
		TickRate:           g.TickRate,
		RestartTime:        g.RestartTime,
		AfterCrashTime:     g.AfterCrashTime,
		BlockPoll:          g.BlockPoll,
		HeartbeatInterval:  g.HeartbeatInterval,
		CommitRetry:        g.CommitRetry,
		GrowthRate:         g.GrowthRate,
		RiskFraction:       g.RiskFraction,
		ForceSettleWorkers: g.ForceSettleWorkers,
		Production:         g.Production,
	}
	if !g.Production {
		cfg.CrashAt = g.CrashAt
	}
	return cfg
}

func (c Config) Logger() logger.Config {
	return logger.Config{
		Level:       c.Log.Level,
		Format:      c.Log.Format,
		ServiceName: "crash",
		Version:     c.Version,
		Environment: c.Environment,
		AddSource:   c.Environment == "dev",
	}
}

// DSN is the Postgres connection URL.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + d.Port,
		Path:     d.Name,
		RawQuery: "sslmode=disable&search_path=" + url.QueryEscape(d.Schema),
	}
	return u.String()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
