package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completed(id int64) CompletedRound {
	return CompletedRound{
		RoundID:    id,
		CrashPoint: 100 + id,
		PlayerInfo: map[string]PlayerInfo{
			"alice": {Bet: 100},
			"bob":   {Bet: 200},
		},
	}
}

func roundIDs(rounds []CompletedRound) []int64 {
	ids := make([]int64, len(rounds))
	for i, r := range rounds {
		ids[i] = r.RoundID
	}
	return ids
}

func TestHistory_EvictsOldest(t *testing.T) {
	h := NewHistory(3, nil)
	for id := int64(1); id <= 5; id++ {
		h.Add(completed(id))
	}

	assert.Equal(t, 3, h.Len())
	assert.Equal(t, []int64{5, 4, 3}, roundIDs(h.Rounds()))
}

func TestHistory_Seed(t *testing.T) {
	h := NewHistory(3, []CompletedRound{completed(9), completed(8), completed(7), completed(6)})

	assert.Equal(t, []int64{9, 8, 7}, roundIDs(h.Rounds()))

	h.Add(completed(10))
	assert.Equal(t, []int64{10, 9, 8}, roundIDs(h.Rounds()))
}

func TestHistory_DefaultCapacity(t *testing.T) {
	h := NewHistory(0, nil)
	for id := int64(1); id <= 20; id++ {
		h.Add(completed(id))
	}
	assert.Equal(t, DefaultHistoryLength, h.Len())
}

func TestHistory_ForUser(t *testing.T) {
	h := NewHistory(3, []CompletedRound{completed(2), completed(1)})

	rounds := h.ForUser("alice")
	require.Len(t, rounds, 2)
	for _, r := range rounds {
		assert.Equal(t, map[string]PlayerInfo{"alice": {Bet: 100}}, r.PlayerInfo)
	}

	for _, r := range h.ForUser("") {
		assert.Empty(t, r.PlayerInfo)
	}

	// The stored rounds keep every player.
	assert.Len(t, h.Rounds()[0].PlayerInfo, 2)
}
