package realtime

import (
	"sync"

	"github.com/minakawa-daiki/quizduel/pkg/battle"
)

// AdvisoryCounters keeps the live tap counts players stream during a mash.
// The counts exist purely to animate the opponent's meter; resolution uses
// the totals submitted to the battle engine, never these.
type AdvisoryCounters struct {
	mu      sync.Mutex
	tallies map[battle.BattleID]*mashTally
}

type mashTally struct {
	mashID string
	counts map[string]int
}

func NewAdvisoryCounters() *AdvisoryCounters {
	return &AdvisoryCounters{tallies: make(map[battle.BattleID]*mashTally)}
}

// Record stores the latest tap count for uid and returns a copy of all
// counts for the mash. A report for a new mashID discards the previous
// tally; a battle has at most one mash in flight. Counts only move up, so
// frames arriving out of order cannot walk the meter backwards.
func (a *AdvisoryCounters) Record(battleID battle.BattleID, mashID, uid string, taps int) map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.tallies[battleID]
	if !ok || t.mashID != mashID {
		t = &mashTally{mashID: mashID, counts: make(map[string]int)}
		a.tallies[battleID] = t
	}
	if taps > t.counts[uid] {
		t.counts[uid] = taps
	}

	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

func (a *AdvisoryCounters) ForgetBattle(battleID battle.BattleID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tallies, battleID)
}
