package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"crash/internal/game"
)

// SQLSTATE codes the ledger reacts to.
const (
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

const (
	// minBankroll keeps the force point meaningful on an empty house.
	minBankroll = 1e8
	// bankrollReserve is held back from the spendable bankroll.
	bankrollReserve = 100e8

	conflictRetryInterval = 50 * time.Millisecond
	conflictRetryElapsed  = 5 * time.Second
)

// Ledger is the Postgres implementation of game.Ledger.
type Ledger struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ game.Ledger = (*Ledger)(nil)

func NewLedger(pool *pgxpool.Pool, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{pool: pool, log: logger.With("component", "ledger")}
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation
}

// inTx runs fn in a transaction, retrying the whole transaction when
// Postgres aborts it with a deadlock or serialization failure.
func (l *Ledger) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = conflictRetryInterval
	b.MaxElapsedTime = conflictRetryElapsed

	return backoff.RetryNotify(func() error {
		err := l.runTx(ctx, fn)
		if err != nil && !isConflict(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		l.log.Warn("Transaction conflict, retrying", "op", op, "retry_in", wait, "error", err)
	})
}

func (l *Ledger) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			l.log.Error("Failed to roll back transaction", "error", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CommitRound stores the round with the crash point derived from its
// precomputed hash. Committing an id twice returns the stored row.
func (l *Ledger) CommitRound(ctx context.Context, roundID int64) (game.RoundCommitment, error) {
	var hash string
	err := l.pool.QueryRow(ctx, `SELECT hash FROM game_hashes WHERE game_id = $1`, roundID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.RoundCommitment{}, fmt.Errorf("round %d: %w", roundID, game.ErrNoGameHash)
	}
	if err != nil {
		return game.RoundCommitment{}, fmt.Errorf("failed to read hash for round %d: %w", roundID, err)
	}

	crashPoint := game.CrashPointFromSeed(hash)
	_, err = l.pool.Exec(ctx,
		`INSERT INTO games (id, game_crash) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		roundID, crashPoint)
	if err != nil {
		return game.RoundCommitment{}, fmt.Errorf("failed to insert round %d: %w", roundID, err)
	}
	return game.RoundCommitment{CrashPoint: crashPoint, Hash: hash}, nil
}

// PlaceBet debits the stake and inserts the play in one transaction.
func (l *Ledger) PlaceBet(ctx context.Context, amount, autoCashOut, userID, roundID int64) (int64, error) {
	var playID int64
	err := l.inTx(ctx, "place_bet", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE users SET balance = balance - $1 WHERE id = $2`, amount, userID)
		if isCheckViolation(err) {
			return game.ErrInsufficientFunds
		}
		if err != nil {
			return fmt.Errorf("failed to debit user %d: %w", userID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("failed to debit user %d: %w", userID, ErrUserNotFound)
		}

		return tx.QueryRow(ctx,
			`INSERT INTO plays (user_id, game_id, bet, auto_cash_out)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			userID, roundID, amount, autoCashOut).Scan(&playID)
	})
	if err != nil {
		return 0, err
	}
	return playID, nil
}

// CashOut credits amount and marks the play settled. A play that is
// already settled leaves the balance untouched.
func (l *Ledger) CashOut(ctx context.Context, userID, playID, amount int64) error {
	return l.inTx(ctx, "cash_out", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE plays SET cash_out = $1 WHERE id = $2 AND user_id = $3 AND cash_out IS NULL`,
			amount, playID, userID)
		if err != nil {
			return fmt.Errorf("failed to settle play %d: %w", playID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("play %d: %w", playID, game.ErrDoubleCashOut)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE users SET balance = balance + $1 WHERE id = $2`, amount, userID); err != nil {
			return fmt.Errorf("failed to credit user %d: %w", userID, err)
		}
		return nil
	})
}

const applyBonusesQuery = `
WITH vals AS (
    SELECT unnest($1::bigint[]) AS user_id,
           unnest($2::bigint[]) AS play_id,
           unnest($3::bigint[]) AS bonus
),
p AS (
    UPDATE plays SET bonus = vals.bonus
    FROM vals
    WHERE plays.id = vals.play_id
    RETURNING vals.user_id
),
u AS (
    UPDATE users SET balance = balance + vals.bonus
    FROM vals
    WHERE users.id = vals.user_id
    RETURNING vals.user_id
)
SELECT COUNT(*) FROM p JOIN u ON p.user_id = u.user_id`

// EndRound marks the round ended and applies every bonus in the same
// transaction, returning the number of bonuses applied. Ending a round that
// is already ended credits nothing and reports the bonuses it recorded.
func (l *Ledger) EndRound(ctx context.Context, roundID int64, bonuses []game.Bonus) (int64, error) {
	userIDs := make([]int64, len(bonuses))
	playIDs := make([]int64, len(bonuses))
	amounts := make([]int64, len(bonuses))
	for i, b := range bonuses {
		userIDs[i] = b.User.ID
		playIDs[i] = b.PlayID
		amounts[i] = b.Amount
	}

	var applied int64
	err := l.inTx(ctx, "end_round", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE games SET ended = TRUE WHERE id = $1 AND NOT ended`, roundID)
		if err != nil {
			return fmt.Errorf("failed to end round %d: %w", roundID, err)
		}
		if tag.RowsAffected() == 0 {
			err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM plays WHERE game_id = $1 AND bonus IS NOT NULL`, roundID).Scan(&applied)
			if err != nil {
				return fmt.Errorf("failed to count bonuses for round %d: %w", roundID, err)
			}
			return nil
		}
		if len(bonuses) == 0 {
			applied = 0
			return nil
		}
		if err := tx.QueryRow(ctx, applyBonusesQuery, userIDs, playIDs, amounts).Scan(&applied); err != nil {
			return fmt.Errorf("failed to apply bonuses for round %d: %w", roundID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// LastRoundInfo returns the newest committed round, or the genesis link
// when nothing has been played.
func (l *Ledger) LastRoundInfo(ctx context.Context) (game.LastRound, error) {
	var id *int64
	if err := l.pool.QueryRow(ctx, `SELECT MAX(id) FROM games`).Scan(&id); err != nil {
		return game.LastRound{}, fmt.Errorf("failed to read last round: %w", err)
	}
	if id == nil {
		return game.LastRound{ID: game.GenesisRoundID, Hash: game.GenesisHash}, nil
	}

	var hash string
	err := l.pool.QueryRow(ctx, `SELECT hash FROM game_hashes WHERE game_id = $1`, *id).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.LastRound{}, fmt.Errorf("round %d: %w", *id, game.ErrNoGameHash)
	}
	if err != nil {
		return game.LastRound{}, fmt.Errorf("failed to read hash for round %d: %w", *id, err)
	}
	return game.LastRound{ID: *id, Hash: hash}, nil
}

// Bankroll is house funding minus what users hold, less a fixed reserve.
func (l *Ledger) Bankroll(ctx context.Context) (int64, error) {
	var funded, held int64
	err := l.pool.QueryRow(ctx, `
		SELECT (SELECT COALESCE(SUM(amount), 0) FROM fundings)::bigint,
		       (SELECT COALESCE(SUM(balance), 0) FROM users)::bigint`).Scan(&funded, &held)
	if err != nil {
		return 0, fmt.Errorf("failed to compute bankroll: %w", err)
	}
	return max(int64(minBankroll), funded-held-int64(bankrollReserve)), nil
}

const historyQuery = `
SELECT g.id, g.game_crash, g.created_at, COALESCE(h.hash, ''),
       COALESCE(json_agg(json_build_object(
           'username', u.username,
           'bet', p.bet,
           'cash_out', p.cash_out,
           'bonus', p.bonus
       )) FILTER (WHERE p.id IS NOT NULL), '[]')
FROM games g
LEFT JOIN game_hashes h ON h.game_id = g.id
LEFT JOIN plays p ON p.game_id = g.id
LEFT JOIN users u ON u.id = p.user_id
WHERE g.ended = TRUE
GROUP BY g.id, h.hash
ORDER BY g.id DESC
LIMIT $1`

type historyPlay struct {
	Username string `json:"username"`
	Bet      int64  `json:"bet"`
	CashOut  *int64 `json:"cash_out"`
	Bonus    *int64 `json:"bonus"`
}

// History returns up to limit ended rounds, newest first.
func (l *Ledger) History(ctx context.Context, limit int) ([]game.CompletedRound, error) {
	rows, err := l.pool.Query(ctx, historyQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var rounds []game.CompletedRound
	for rows.Next() {
		var (
			r     game.CompletedRound
			plays []byte
		)
		if err := rows.Scan(&r.RoundID, &r.CrashPoint, &r.CreatedAt, &r.Hash, &plays); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		var decoded []historyPlay
		if err := json.Unmarshal(plays, &decoded); err != nil {
			return nil, fmt.Errorf("failed to decode plays of round %d: %w", r.RoundID, err)
		}
		r.PlayerInfo = playerInfo(decoded)
		rounds = append(rounds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return rounds, nil
}

func playerInfo(plays []historyPlay) map[string]game.PlayerInfo {
	info := make(map[string]game.PlayerInfo, len(plays))
	for _, p := range plays {
		pi := game.PlayerInfo{Bet: p.Bet, Bonus: p.Bonus}
		if p.CashOut != nil && p.Bet > 0 {
			stoppedAt := int64(math.Round(100 * float64(*p.CashOut) / float64(p.Bet)))
			pi.StoppedAt = &stoppedAt
		}
		info[p.Username] = pi
	}
	return info
}
