package game

import (
	"sort"
)

// playingList holds the plays of a running round, sorted ascending by
// auto cash-out target when the round starts. It is consumed from the
// front only and never re-sorted, so the remaining plays are always a
// contiguous suffix of the original order.
type playingList struct {
	plays []*Play
	head  int
}

func newPlayingList(joined []*Play) *playingList {
	plays := make([]*Play, len(joined))
	copy(plays, joined)
	sort.SliceStable(plays, func(i, j int) bool {
		return plays[i].AutoCashOut < plays[j].AutoCashOut
	})
	return &playingList{plays: plays}
}

// remaining returns the unconsumed suffix. Callers must not modify it.
func (l *playingList) remaining() []*Play {
	return l.plays[l.head:]
}

// sweep drops plays from the front while they are already cashed out or
// their auto target qualifies at multiplier at. Qualifying plays are handed
// to cashOut with their target. It stops at the first play that does not
// qualify: with ascending targets nothing behind it can.
func (l *playingList) sweep(at, crashPoint, forcePoint int64, cashOut func(*Play, int64)) int {
	settled := 0
	for l.head < len(l.plays) {
		p := l.plays[l.head]
		if p.cashedOut() {
			l.head++
			continue
		}
		target := p.AutoCashOut
		if target > at || target > crashPoint || target > forcePoint {
			break
		}
		cashOut(p, target)
		settled++
		l.head++
	}
	return settled
}
