package game

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForcePoint(t *testing.T) {
	tests := []struct {
		name     string
		maxWin   int64
		openBet  int64
		totalWon int64
		want     int64
	}{
		{"nothing open", 300, 0, 0, NoForcePoint},
		{"single bet", 300, 1000, 0, 129},
		{"profit already paid", 300, 1000, 200, 109},
		{"budget exhausted", 0, 1000, 0, minForcePoint},
		{"budget overdrawn", 300, 1000, 5000, minForcePoint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ForcePoint(tt.maxWin, tt.openBet, tt.totalWon, BonusRate))
		})
	}
}

func TestMaxWin(t *testing.T) {
	assert.Equal(t, int64(3_000_000), MaxWin(100_000_000, 0.03))
	assert.Equal(t, int64(0), MaxWin(0, 0.03))
}

// Settling every open bet at the force point keeps the house loss within
// the round budget, counting profit already paid out and the bonus
// reserved for the open bets.
func TestForcePoint_BoundsLoss(t *testing.T) {
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 1000; i++ {
		maxWin := int64(10_000 + r.Intn(1_000_000))
		var e exposure
		e.reset(maxWin)

		bets := make([]int64, 1+r.Intn(20))
		for j := range bets {
			bets[j] = int64(1+r.Intn(100)) * 100
			e.join(bets[j])
		}

		// Cash out a prefix below whatever force point was live at the time.
		cashed := r.Intn(len(bets))
		for j := 0; j < cashed; j++ {
			fp := ForcePoint(e.maxWin, e.openBet, e.totalWon, BonusRate)
			if fp <= minForcePoint {
				cashed = j
				break
			}
			at := 100 + int64(r.Intn(int(fp-100)+1))
			e.cashOut(bets[j], bets[j]*(at-100)/100)
		}

		fp := ForcePoint(e.maxWin, e.openBet, e.totalWon, BonusRate)
		if fp == minForcePoint {
			continue
		}
		var profit int64
		for _, b := range bets[cashed:] {
			profit += b * (fp - 100) / 100
		}
		loss := float64(e.totalWon+profit) + float64(e.openBet)*BonusRate
		assert.LessOrEqual(t, loss, float64(maxWin)+1,
			"maxWin=%d won=%d open=%d fp=%d", maxWin, e.totalWon, e.openBet, fp)
	}
}

func TestRecount(t *testing.T) {
	players := map[string]*Play{
		"a": cashed(1, 1000, 150),
		"b": lost(2, 300),
		"c": lost(3, 200),
	}

	openBet, totalWon := recount(players)
	assert.Equal(t, int64(500), openBet)
	assert.Equal(t, int64(500), totalWon)
}
