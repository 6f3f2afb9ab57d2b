package game

import (
	"fmt"
	"math"
	"sort"
)

// AllocateBonuses splits the round's bonus pool (1% of every stake) among
// cashed-out plays. Groups sharing a stopped-at multiplier are served from
// the highest multiplier down, each group capped at its stake share of the
// pool. Plays that never cashed out get nothing.
func AllocateBonuses(plays []*Play) ([]Bonus, error) {
	if len(plays) == 0 {
		return nil, nil
	}

	var bonusPool float64
	var largestBet int64
	for _, p := range plays {
		if p.Bet%100 != 0 {
			return nil, fmt.Errorf("bet %d of play %d is not a multiple of 100", p.Bet, p.PlayID)
		}
		bonusPool += float64(p.Bet / 100)
		if p.Bet > largestBet {
			largestBet = p.Bet
		}
	}
	if largestBet == 0 {
		return nil, nil
	}
	maxWinRatio := bonusPool / float64(largestBet)

	winners := make([]*Play, 0, len(plays))
	for _, p := range plays {
		if p.cashedOut() {
			winners = append(winners, p)
		}
	}
	sort.SliceStable(winners, func(i, j int) bool {
		return winners[i].StoppedAt > winners[j].StoppedAt
	})

	var results []Bonus
	for i := 0; i < len(winners); {
		if bonusPool <= 0 {
			break
		}

		j := i
		var totalBetAmount int64
		for ; j < len(winners) && winners[j].StoppedAt == winners[i].StoppedAt; j++ {
			totalBetAmount += winners[j].Bet
		}
		group := winners[i:j]
		i = j

		if totalBetAmount == 0 {
			continue
		}
		toAllocAll := math.Min(float64(totalBetAmount)*maxWinRatio, bonusPool)

		for _, p := range group {
			toAlloc := math.Round(float64(p.Bet) / float64(totalBetAmount) * toAllocAll)
			// Rounding half-up inside a group must not overdraw the pool.
			toAlloc = math.Min(toAlloc, bonusPool)
			if toAlloc <= 0 {
				continue
			}
			bonusPool -= toAlloc
			results = append(results, Bonus{
				PlayID: p.PlayID,
				User:   p.User,
				Amount: int64(toAlloc),
			})
		}
	}

	return results, nil
}
