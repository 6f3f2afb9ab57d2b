package game

import (
	"math"
	"time"
)

// DefaultGrowthRate is r in multiplier(ms) = floor(100 * e^(r*ms)).
const DefaultGrowthRate = 0.00006

// Growth is the multiplier curve of a round.
type Growth struct {
	Rate float64 // per millisecond
}

// Multiplier returns the multiplier in hundredths after elapsed.
func (g Growth) Multiplier(elapsed time.Duration) int64 {
	ms := float64(elapsed) / float64(time.Millisecond)
	return int64(math.Floor(100 * math.Exp(g.Rate*ms)))
}

// Duration is the inverse of Multiplier: how long the curve takes to reach
// crashPoint. Values below 100 clamp to zero.
func (g Growth) Duration(crashPoint int64) time.Duration {
	if crashPoint <= 100 {
		return 0
	}
	ms := math.Log(float64(crashPoint)/100) / g.Rate
	return time.Duration(ms * float64(time.Millisecond))
}

// RunTime is how long a round with the given crash point stays in
// progress: the first moment the multiplier exceeds the crash point.
func (g Growth) RunTime(crashPoint int64) time.Duration {
	ms := math.Ceil(float64(g.Duration(crashPoint+1)) / float64(time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}
