package game

import (
	"sync"
)

// DefaultHistoryLength is how many completed rounds clients receive on join.
const DefaultHistoryLength = 10

// History is a fixed-capacity ring of completed rounds, newest first. The
// oldest entry is overwritten once the ring is full.
type History struct {
	mu     sync.RWMutex
	rounds []CompletedRound
	start  int // index of the newest entry
	size   int
}

// NewHistory builds a ring seeded with rounds ordered newest first.
func NewHistory(capacity int, seed []CompletedRound) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryLength
	}
	h := &History{rounds: make([]CompletedRound, capacity)}
	for i := len(seed) - 1; i >= 0; i-- {
		h.Add(seed[i])
	}
	return h
}

// Add records a completed round as the newest entry.
func (h *History) Add(r CompletedRound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.start = (h.start - 1 + len(h.rounds)) % len(h.rounds)
	h.rounds[h.start] = r
	if h.size < len(h.rounds) {
		h.size++
	}
}

// Rounds returns the completed rounds, newest first.
func (h *History) Rounds() []CompletedRound {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]CompletedRound, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.rounds[(h.start+i)%len(h.rounds)]
	}
	return out
}

// ForUser strips every player's info except username's. An empty username
// strips all of it.
func (h *History) ForUser(username string) []CompletedRound {
	rounds := h.Rounds()
	for i := range rounds {
		info := make(map[string]PlayerInfo, 1)
		if username != "" {
			if pi, ok := rounds[i].PlayerInfo[username]; ok {
				info[username] = pi
			}
		}
		rounds[i].PlayerInfo = info
	}
	return rounds
}

// Len reports the number of stored rounds.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}
