package game

import (
	"math"
)

// NoForcePoint means nothing is at stake and the round may run to its
// natural crash.
const NoForcePoint int64 = math.MaxInt64

// BonusRate is the share of every stake that funds the bonus pool.
const BonusRate = 0.01

// minForcePoint keeps forced settlement strictly above break-even.
const minForcePoint = 101

// exposure holds the running totals the force point is computed from.
type exposure struct {
	maxWin   int64
	openBet  int64 // stakes not yet cashed out
	totalWon int64 // profit already paid this round
}

func (e *exposure) reset(maxWin int64) {
	*e = exposure{maxWin: maxWin}
}

func (e *exposure) join(bet int64) {
	e.openBet += bet
}

func (e *exposure) cashOut(bet, profit int64) {
	e.openBet -= bet
	e.totalWon += profit
}

// ForcePoint is the multiplier at which every open bet must be settled so
// the round's loss stays within maxWin. Only the open bets' bonus
// reservation is charged against the budget.
func ForcePoint(maxWin, openBet, totalWon int64, bonusRate float64) int64 {
	if openBet == 0 {
		return NoForcePoint
	}

	left := float64(maxWin) - float64(totalWon) - float64(openBet)*bonusRate
	ratio := (left + float64(openBet)) / float64(openBet)

	fp := int64(math.Floor(ratio * 100))
	if fp < minForcePoint {
		return minForcePoint
	}
	return fp
}

// MaxWin is the per-round risk budget: a fixed fraction of the bankroll.
func MaxWin(bankroll int64, fraction float64) int64 {
	return int64(math.Round(float64(bankroll) * fraction))
}

// recount rebuilds the running totals from scratch. It backs the
// non-production consistency self-check.
func recount(players map[string]*Play) (openBet, totalWon int64) {
	for _, p := range players {
		if p.cashedOut() {
			totalWon += p.Bet * (p.StoppedAt - 100) / 100
		} else {
			openBet += p.Bet
		}
	}
	return openBet, totalWon
}
