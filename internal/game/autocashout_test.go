package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func playing(id, bet, target int64) *Play {
	p := lost(id, bet)
	p.AutoCashOut = target
	return p
}

func TestNewPlayingList_SortsByTarget(t *testing.T) {
	joined := []*Play{playing(1, 100, 300), playing(2, 100, 150), playing(3, 100, 300), playing(4, 100, 110)}
	l := newPlayingList(joined)

	var ids []int64
	for _, p := range l.remaining() {
		ids = append(ids, p.PlayID)
	}
	assert.Equal(t, []int64{4, 2, 1, 3}, ids)
	assert.Equal(t, int64(1), joined[0].PlayID, "joined order must be untouched")
}

func TestPlayingList_Sweep(t *testing.T) {
	l := newPlayingList([]*Play{playing(1, 100, 150), playing(2, 100, 200), playing(3, 100, 120)})

	settle := func(p *Play, at int64) {
		p.Status = StatusCashedOut
		p.StoppedAt = at
	}

	assert.Equal(t, 0, l.sweep(110, 500, NoForcePoint, settle))
	assert.Len(t, l.remaining(), 3)

	assert.Equal(t, 2, l.sweep(160, 500, NoForcePoint, settle))
	require.Len(t, l.remaining(), 1)
	assert.Equal(t, int64(2), l.remaining()[0].PlayID)
}

func TestPlayingList_SweepRespectsLimits(t *testing.T) {
	settle := func(p *Play, at int64) {
		p.Status = StatusCashedOut
		p.StoppedAt = at
	}

	t.Run("crash point", func(t *testing.T) {
		l := newPlayingList([]*Play{playing(1, 100, 150)})
		assert.Equal(t, 0, l.sweep(300, 140, NoForcePoint, settle))
	})

	t.Run("force point", func(t *testing.T) {
		l := newPlayingList([]*Play{playing(1, 100, 150)})
		assert.Equal(t, 0, l.sweep(300, 500, 149, settle))
	})
}

func TestPlayingList_SweepSkipsManualCashOuts(t *testing.T) {
	a, b := playing(1, 100, 150), playing(2, 100, 200)
	l := newPlayingList([]*Play{a, b})

	// a cashed out by hand before its target
	a.Status = StatusCashedOut
	a.StoppedAt = 120

	var got []int64
	n := l.sweep(200, 500, NoForcePoint, func(p *Play, at int64) {
		got = append(got, p.PlayID)
		p.Status = StatusCashedOut
		p.StoppedAt = at
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{2}, got)
	assert.Equal(t, int64(120), a.StoppedAt)
	assert.Empty(t, l.remaining())
}
