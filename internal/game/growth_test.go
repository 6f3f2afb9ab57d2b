package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGrowth_Multiplier(t *testing.T) {
	g := Growth{Rate: DefaultGrowthRate}

	tests := []struct {
		name    string
		elapsed time.Duration
		want    int64
	}{
		{"start", 0, 100},
		{"just before 2x", 11552 * time.Millisecond, 199},
		{"just after 2x", 11553 * time.Millisecond, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.Multiplier(tt.elapsed))
		})
	}
}

func TestGrowth_Duration(t *testing.T) {
	g := Growth{Rate: DefaultGrowthRate}

	assert.Zero(t, g.Duration(0))
	assert.Zero(t, g.Duration(100))
	assert.InDelta(t, 11552.45, float64(g.Duration(200))/float64(time.Millisecond), 0.01)
}

func TestGrowth_RoundTrip(t *testing.T) {
	g := Growth{Rate: DefaultGrowthRate}

	for _, cp := range []int64{101, 119, 150, 200, 296, 483, 1000, 10000, 100000} {
		got := g.Multiplier(g.Duration(cp))
		assert.InDelta(t, cp, got, 1, "multiplier at duration(%d)", cp)
	}
}

func TestGrowth_RunTimeExceedsCrashPoint(t *testing.T) {
	g := Growth{Rate: DefaultGrowthRate}

	for _, cp := range []int64{0, 100, 119, 141, 483, 2500} {
		run := g.RunTime(cp)
		assert.Greater(t, g.Multiplier(run), cp, "crash point %d must be exceeded at run time", cp)
		if run > time.Millisecond {
			assert.LessOrEqual(t, g.Multiplier(run-2*time.Millisecond), cp+1)
		}
	}
}
