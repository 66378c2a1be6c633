package metrics

import (
	"sync"

	"github.com/minakawa-daiki/quizduel/pkg/battle"
	"github.com/minakawa-daiki/quizduel/pkg/matchmaking"
)

// BattleObserver derives counters from the battle update stream. It keeps a
// tiny shadow of each live battle (how many rounds were resolved, which mash
// it has seen) so repeated snapshots increment each counter exactly once.
type BattleObserver struct {
	m *Metrics

	mu   sync.Mutex
	seen map[battle.BattleID]*battleTrack
}

type battleTrack struct {
	resolved     int
	lastMashSeen string
}

func NewBattleObserver(m *Metrics) *BattleObserver {
	return &BattleObserver{m: m, seen: make(map[battle.BattleID]*battleTrack)}
}

// BattleUpdated implements battle.Notifier.
func (o *BattleObserver) BattleUpdated(b *battle.Battle) {
	o.mu.Lock()
	defer o.mu.Unlock()

	track, ok := o.seen[b.BattleID]
	if !ok {
		// Post-finish pokes rebroadcast an already finished battle; everything
		// below was counted when the finishing update came through.
		if b.Finished() {
			return
		}
		track = &battleTrack{}
		o.seen[b.BattleID] = track
		o.m.ActiveBattles.Inc()
		o.m.Matches.WithLabelValues(matchKind(b)).Inc()
	}

	for _, r := range b.Rounds {
		if r.Index < track.resolved {
			continue
		}
		if r.Status != battle.RoundScored && r.Status != battle.RoundTimedOut {
			break
		}
		o.m.RoundsScored.WithLabelValues(roundOutcome(r)).Inc()
		track.resolved = r.Index + 1
	}

	if b.Status == battle.StatusMash && b.Mash != nil && b.Mash.MashID != track.lastMashSeen {
		track.lastMashSeen = b.Mash.MashID
		o.m.MashGames.Inc()
	}

	if b.Finished() {
		if b.Result != nil {
			o.m.Finishes.WithLabelValues(string(b.Result.Reason)).Inc()
		}
		o.m.ActiveBattles.Dec()
		delete(o.seen, b.BattleID)
	}
}

func matchKind(b *battle.Battle) string {
	for _, p := range b.Players {
		if p.Bot {
			return "bot"
		}
	}
	return "human"
}

func roundOutcome(r *battle.Round) string {
	switch {
	case r.Status == battle.RoundTimedOut:
		return "timeout"
	case r.Mashed:
		return "mash"
	default:
		return "graded"
	}
}

// TicketObserver keeps the waiting-tickets gauge in step with the queue's
// notification stream.
type TicketObserver struct {
	m *Metrics

	mu      sync.Mutex
	waiting map[string]struct{}
}

func NewTicketObserver(m *Metrics) *TicketObserver {
	return &TicketObserver{m: m, waiting: make(map[string]struct{})}
}

// TicketUpdated implements matchmaking.TicketNotifier.
func (o *TicketObserver) TicketUpdated(t *matchmaking.Ticket) {
	key := t.UserID + "/" + t.PoolID
	o.mu.Lock()
	defer o.mu.Unlock()
	_, tracked := o.waiting[key]
	if t.Status == matchmaking.StatusWaiting {
		if !tracked {
			o.waiting[key] = struct{}{}
			o.m.WaitingTickets.Inc()
		}
		return
	}
	if tracked {
		delete(o.waiting, key)
		o.m.WaitingTickets.Dec()
	}
}
