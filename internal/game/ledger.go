package game

import (
	"context"
)

// Ledger is the durable store of balances, plays and rounds. It owns its
// own retry policy; the engine issues each write exactly once and treats
// an error as terminal for that attempt.
type Ledger interface {
	// CommitRound stores the round row with its crash point and hash
	// before the round accepts bets.
	CommitRound(ctx context.Context, roundID int64) (RoundCommitment, error)
	// PlaceBet debits amount and records the play. Returns
	// ErrInsufficientFunds when the balance cannot cover it.
	PlaceBet(ctx context.Context, amount, autoCashOut, userID, roundID int64) (int64, error)
	// CashOut credits amount and marks the play settled. Returns
	// ErrDoubleCashOut when the play was already settled.
	CashOut(ctx context.Context, userID, playID, amount int64) error
	// EndRound marks the round ended and applies every bonus atomically,
	// returning how many bonus credits were applied.
	EndRound(ctx context.Context, roundID int64, bonuses []Bonus) (int64, error)
	// LastRoundInfo returns the last committed round id and hash.
	LastRoundInfo(ctx context.Context) (LastRound, error)
	// Bankroll returns the house balance used to size risk.
	Bankroll(ctx context.Context) (int64, error)
	// History returns up to limit ended rounds, newest first.
	History(ctx context.Context, limit int) ([]CompletedRound, error)
}
