package game

import (
	"time"
)

// RoundState is the lifecycle position of the current round.
type RoundState string

const (
	StateStarting   RoundState = "STARTING"
	StateBlocking   RoundState = "BLOCKING"
	StateInProgress RoundState = "IN_PROGRESS"
	StateEnded      RoundState = "ENDED"
)

// PlayStatus tracks a single bet inside a round.
type PlayStatus string

const (
	StatusPlaying   PlayStatus = "PLAYING"
	StatusCashedOut PlayStatus = "CASHED_OUT"
)

// User identifies a player. Authentication happens outside the engine.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Round is the engine-owned state of the current round. It is never handed
// to the transport layer; Info produces a copy instead.
type Round struct {
	ID         int64
	CrashPoint int64 // hundredths, 0 = instant crash
	Hash       string
	StartTime  time.Time
	Duration   time.Duration
	State      RoundState
}

// Play is an accepted bet. Status moves PLAYING -> CASHED_OUT exactly once.
type Play struct {
	User        User
	PlayID      int64
	Bet         int64
	AutoCashOut int64
	Status      PlayStatus
	StoppedAt   int64 // valid only when Status == StatusCashedOut
}

func (p *Play) cashedOut() bool {
	return p.Status == StatusCashedOut
}

// RoundCommitment is what the ledger stores before a round opens for bets.
type RoundCommitment struct {
	CrashPoint int64
	Hash       string
}

// LastRound is the resume point of the fairness chain.
type LastRound struct {
	ID   int64
	Hash string
}

// Bonus is a credit paid from the bonus pool after a round.
type Bonus struct {
	PlayID int64 `json:"play_id"`
	User   User  `json:"user"`
	Amount int64 `json:"amount"`
}

// PlayerInfo is the per-user result kept in round snapshots.
type PlayerInfo struct {
	Bet       int64  `json:"bet"`
	StoppedAt *int64 `json:"stopped_at,omitempty"`
	Bonus     *int64 `json:"bonus,omitempty"`
}

// CompletedRound is a history entry for client bootstrap.
type CompletedRound struct {
	RoundID    int64                 `json:"game_id"`
	CrashPoint int64                 `json:"game_crash"`
	CreatedAt  time.Time             `json:"created"`
	Hash       string                `json:"hash"`
	PlayerInfo map[string]PlayerInfo `json:"player_info"`
}

// RoundInfo is a point-in-time copy of the round for the transport layer.
type RoundInfo struct {
	State      RoundState            `json:"state"`
	RoundID    int64                 `json:"game_id"`
	LastHash   string                `json:"last_hash"`
	MaxWin     int64                 `json:"max_win"`
	Elapsed    int64                 `json:"elapsed"`
	Created    time.Time             `json:"created"`
	Joined     []string              `json:"joined"`
	PlayerInfo map[string]PlayerInfo `json:"player_info"`
	CrashedAt  *int64                `json:"crashed_at,omitempty"`
	Paused     bool                  `json:"paused"`
}

// PlaceBetResult is returned to the caller of a successful bet.
type PlaceBetResult struct {
	PlayID int64 `json:"play_id"`
	Rank   int   `json:"rank"`
}

// CashOutResult is returned to the caller of a successful manual cashout.
type CashOutResult struct {
	StoppedAt int64 `json:"stopped_at"`
	Payout    int64 `json:"payout"`
}
