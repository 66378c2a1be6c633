package matchmaking

import (
	"time"

	"github.com/minakawa-daiki/quizduel/pkg/battle"
)

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusMatched Status = "matched"

	// Terminal statuses appear only on notifications; the ticket itself is
	// deleted from the store.
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Ticket is one user's place in one pool's queue. A user holds at most one
// ticket per pool, and a ticket's BattleID is assigned exactly once: whoever
// binds it first (a real opponent or the bot fallback) wins, the loser's
// battle is simply never referenced.
type Ticket struct {
	UserID    string          `firestore:"userId" json:"userId"`
	PoolID    string          `firestore:"poolId" json:"poolId"`
	Status    Status          `firestore:"status" json:"status"`
	BattleID  battle.BattleID `firestore:"battleId" json:"battleId,omitempty"`
	QueuedAt  time.Time       `firestore:"queuedAt" json:"queuedAt"`
	MatchedAt time.Time       `firestore:"matchedAt" json:"matchedAt,omitempty"`
}

func (t *Ticket) Matched() bool {
	return t.Status == StatusMatched
}
