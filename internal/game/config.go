package game

import (
	"time"
)

// Config tunes the round engine.
type Config struct {
	TickRate          time.Duration // cadence of game ticks
	RestartTime       time.Duration // STARTING -> BLOCKING
	AfterCrashTime    time.Duration // minimum gap from crash to next STARTING
	BlockPoll         time.Duration // pending-join poll while BLOCKING
	HeartbeatInterval time.Duration // settlement stall log cadence
	CommitRetry       time.Duration // first backoff step when committing a round fails

	GrowthRate         float64
	RiskFraction       float64 // share of bankroll risked per round
	ForceSettleWorkers int

	// Production disables the running-total self-check and CrashAt.
	Production bool
	CrashAt    int64
}

func DefaultConfig() Config {
	return Config{
		TickRate:           150 * time.Millisecond,
		RestartTime:        5 * time.Second,
		AfterCrashTime:     3 * time.Second,
		BlockPoll:          100 * time.Millisecond,
		HeartbeatInterval:  time.Second,
		CommitRetry:        2 * time.Second,
		GrowthRate:         DefaultGrowthRate,
		RiskFraction:       0.03,
		ForceSettleWorkers: 4,
	}
}
