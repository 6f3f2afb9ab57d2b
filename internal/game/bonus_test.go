package game

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cashed(id, bet, at int64) *Play {
	return &Play{
		User:      User{ID: id, Username: userName(id)},
		PlayID:    id,
		Bet:       bet,
		Status:    StatusCashedOut,
		StoppedAt: at,
	}
}

func lost(id, bet int64) *Play {
	return &Play{
		User:   User{ID: id, Username: userName(id)},
		PlayID: id,
		Bet:    bet,
		Status: StatusPlaying,
	}
}

func userName(id int64) string {
	return string(rune('a'+id%26)) + string(rune('0'+id/26%10))
}

func bonusByPlay(bonuses []Bonus) map[int64]int64 {
	out := make(map[int64]int64, len(bonuses))
	for _, b := range bonuses {
		out[b.PlayID] = b.Amount
	}
	return out
}

func TestAllocateBonuses(t *testing.T) {
	tests := []struct {
		name  string
		plays []*Play
		want  map[int64]int64
	}{
		{
			name:  "no plays",
			plays: nil,
			want:  map[int64]int64{},
		},
		{
			name:  "same multiplier splits by stake",
			plays: []*Play{cashed(1, 100, 200), cashed(2, 300, 200)},
			want:  map[int64]int64{1: 1, 2: 3},
		},
		{
			name:  "higher multiplier served first",
			plays: []*Play{cashed(1, 100, 200), cashed(2, 300, 150)},
			want:  map[int64]int64{1: 1, 2: 3},
		},
		{
			name:  "losers get nothing",
			plays: []*Play{cashed(1, 100, 200), lost(2, 300)},
			want:  map[int64]int64{1: 1},
		},
		{
			name:  "nobody cashed out",
			plays: []*Play{lost(1, 100), lost(2, 300)},
			want:  map[int64]int64{},
		},
		{
			name:  "pool exhausted by higher multipliers",
			plays: []*Play{cashed(1, 10000, 300), cashed(2, 100, 200)},
			want:  map[int64]int64{1: 101},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AllocateBonuses(tt.plays)
			require.NoError(t, err)
			assert.Equal(t, tt.want, bonusByPlay(got))
		})
	}
}

func TestAllocateBonuses_RejectsOddStake(t *testing.T) {
	_, err := AllocateBonuses([]*Play{cashed(1, 150, 200)})
	assert.Error(t, err)
}

func TestAllocateBonuses_NeverExceedsPool(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for round := 0; round < 500; round++ {
		n := 1 + r.Intn(30)
		plays := make([]*Play, 0, n)
		var pool int64
		for i := 0; i < n; i++ {
			bet := int64(1+r.Intn(500)) * 100
			pool += bet / 100
			if r.Intn(3) == 0 {
				plays = append(plays, lost(int64(i), bet))
				continue
			}
			// Few distinct multipliers so groups form.
			plays = append(plays, cashed(int64(i), bet, int64(101+r.Intn(4)*50)))
		}

		bonuses, err := AllocateBonuses(plays)
		require.NoError(t, err)

		var total int64
		seen := make(map[int64]bool)
		for _, b := range bonuses {
			assert.Positive(t, b.Amount)
			assert.False(t, seen[b.PlayID], "play %d paid twice", b.PlayID)
			seen[b.PlayID] = true
			total += b.Amount
		}
		assert.LessOrEqual(t, total, pool, "round %d", round)
	}
}
