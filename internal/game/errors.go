package game

import (
	"errors"
	"fmt"
)

// CodeError is a user-facing rejection carrying a stable code.
type CodeError struct {
	Code string
}

func (e *CodeError) Error() string {
	return e.Code
}

var (
	ErrGameInProgress     = &CodeError{Code: "GAME_IN_PROGRESS"}
	ErrAlreadyPlacedBet   = &CodeError{Code: "ALREADY_PLACED_BET"}
	ErrNotEnoughMoney     = &CodeError{Code: "NOT_ENOUGH_MONEY"}
	ErrGameNotInProgress  = &CodeError{Code: "GAME_NOT_IN_PROGRESS"}
	ErrNoBetPlaced        = &CodeError{Code: "NO_BET_PLACED"}
	ErrGameAlreadyCrashed = &CodeError{Code: "GAME_ALREADY_CRASHED"}
	ErrAlreadyCashedOut   = &CodeError{Code: "ALREADY_CASHED_OUT"}
	ErrInvalidBet         = &CodeError{Code: "INVALID_BET"}
	ErrGameStillActive    = &CodeError{Code: "GAME_STILL_ACTIVE"}
	ErrShuttingDown       = &CodeError{Code: "SHUTTING_DOWN"}
	ErrInternal           = &CodeError{Code: "INTERNAL_ERROR"}
)

// Ledger errors.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDoubleCashOut     = errors.New("double cashout")
	ErrNoGameHash        = errors.New("no game hash")
)

// InvariantError marks a broken engine invariant. These are defects, never
// retried, and always hidden from users behind ErrInternal.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in %s: %s", e.Op, e.Detail)
}

func invariant(op, format string, args ...any) error {
	return &InvariantError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// PublicCode maps any engine error to the code a user may see.
func PublicCode(err error) string {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrInternal.Code
}
