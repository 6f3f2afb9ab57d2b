package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crash/internal/game"
)

// SeedHashes stores a chain of n links generated from seed and returns
// the last link. Round ids consume the chain backwards: the last
// generated link belongs to firstRoundID, so hashing any round's hash
// forward reproduces every earlier round's hash.
func SeedHashes(ctx context.Context, pool *pgxpool.Pool, seed string, n int, firstRoundID int64) (string, error) {
	hash := seed
	i := 0
	source := pgx.CopyFromFunc(func() ([]any, error) {
		if i >= n {
			return nil, nil
		}
		hash = game.NextHash(hash)
		row := []any{firstRoundID + int64(n-1-i), hash}
		i++
		return row, nil
	})

	copied, err := pool.CopyFrom(ctx, pgx.Identifier{"game_hashes"}, []string{"game_id", "hash"}, source)
	if err != nil {
		return "", fmt.Errorf("failed to store hash chain: %w", err)
	}
	if copied != int64(n) {
		return "", fmt.Errorf("stored %d of %d hashes", copied, n)
	}
	return hash, nil
}

// Fund records a house funding that raises the bankroll.
func Fund(ctx context.Context, pool *pgxpool.Pool, amount int64, description string) error {
	if _, err := pool.Exec(ctx,
		`INSERT INTO fundings (amount, description) VALUES ($1, $2)`, amount, description); err != nil {
		return fmt.Errorf("failed to record funding: %w", err)
	}
	return nil
}
