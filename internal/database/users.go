package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crash/internal/game"
)

var ErrUserNotFound = errors.New("user not found")

const (
	DefaultUserCacheSize = 10000
	DefaultUserCacheTTL  = 5 * time.Minute
)

// Users resolves usernames to ledger ids. Identities never change once
// created, so lookups are served from an expiring LRU.
type Users struct {
	pool  *pgxpool.Pool
	cache *expirable.LRU[string, game.User]
}

func NewUsers(pool *pgxpool.Pool, size int, ttl time.Duration) *Users {
	if size <= 0 {
		size = DefaultUserCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultUserCacheTTL
	}
	return &Users{
		pool:  pool,
		cache: expirable.NewLRU[string, game.User](size, nil, ttl),
	}
}

func cacheKey(username string) string {
	return strings.ToLower(username)
}

// ByName looks a user up case-insensitively.
func (u *Users) ByName(ctx context.Context, username string) (game.User, error) {
	key := cacheKey(username)
	if user, ok := u.cache.Get(key); ok {
		return user, nil
	}

	var user game.User
	err := u.pool.QueryRow(ctx,
		`SELECT id, username FROM users WHERE LOWER(username) = $1`, key).Scan(&user.ID, &user.Username)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.User{}, fmt.Errorf("%s: %w", username, ErrUserNotFound)
	}
	if err != nil {
		return game.User{}, fmt.Errorf("failed to look up %s: %w", username, err)
	}

	u.cache.Add(key, user)
	return user, nil
}

// Create registers a user with an opening balance.
func (u *Users) Create(ctx context.Context, username string, balance int64) (game.User, error) {
	user := game.User{Username: username}
	err := u.pool.QueryRow(ctx,
		`INSERT INTO users (username, balance) VALUES ($1, $2) RETURNING id`,
		username, balance).Scan(&user.ID)
	if err != nil {
		return game.User{}, fmt.Errorf("failed to create user %s: %w", username, err)
	}
	u.cache.Add(cacheKey(username), user)
	return user, nil
}

// Balance returns the user's current balance. It always reads the ledger.
func (u *Users) Balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := u.pool.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance of user %d: %w", userID, err)
	}
	return balance, nil
}
