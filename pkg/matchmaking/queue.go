package matchmaking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/minakawa-daiki/quizduel/pkg/battle"
	"github.com/minakawa-daiki/quizduel/pkg/internal/retry"
)

var ErrNotQueued = errors.New("user is not queued in this pool")

const (
	sweepInterval    = time.Minute
	ticketStaleAfter = 10 * time.Minute
	sweepBatchSize   = 100
	botUIDPrefix     = "bot-"
)

// BattleService is the slice of the battle engine matchmaking needs.
type BattleService interface {
	CreateBattle(ctx context.Context, poolID string, seats [2]battle.Seat) (*battle.Battle, error)
	BattleFinished(ctx context.Context, id battle.BattleID) (bool, error)
}

// TicketNotifier receives every committed ticket change; the realtime feed
// hangs off this so a waiting player learns their battleId without polling.
type TicketNotifier interface {
	TicketUpdated(t *Ticket)
}

// Queue pairs players per pool. All mutations for one pool run under that
// pool's lock, which is what makes ticket binding single-assignment: the
// first writer (opponent join or bot fallback) binds BattleID, later writers
// observe it and back off.
type Queue struct {
	store   Store
	battles BattleService
	clock   clockwork.Clock
	logger  zerolog.Logger
	retry   retry.Policy

	mu    sync.Mutex
	pools map[string]*sync.Mutex

	notifyMu  sync.RWMutex
	notifiers []TicketNotifier
}

func NewQueue(store Store, battles BattleService, clock clockwork.Clock, logger zerolog.Logger) *Queue {
	return &Queue{
		store:   store,
		battles: battles,
		clock:   clock,
		logger:  logger,
		retry:   retry.DefaultPolicy(),
		pools:   map[string]*sync.Mutex{},
	}
}

func (q *Queue) AddNotifier(n TicketNotifier) {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()
	q.notifiers = append(q.notifiers, n)
}

// Join enqueues the user, or pairs them immediately when someone is waiting.
// Re-joining is idempotent: an open ticket is returned as is, and a matched
// ticket is honored while its battle is still live.
func (q *Queue) Join(ctx context.Context, uid, poolID string) (*Ticket, error) {
	if uid == "" || poolID == "" {
		return nil, errors.New("uid and poolId must not be empty")
	}
	unlock := q.lockPool(poolID)
	defer unlock()

	t, err := q.store.GetTicket(ctx, uid, poolID)
	switch {
	case err == nil && !t.Matched():
		return t, nil
	case err == nil:
		finished, ferr := q.battles.BattleFinished(ctx, t.BattleID)
		if ferr != nil && !errors.Is(ferr, battle.ErrBattleNotFound) {
			return nil, ferr
		}
		if ferr == nil && !finished {
			return t, nil
		}
		// The bound battle is over or gone; fall through to a fresh ticket.
		if err := q.store.DeleteTicket(ctx, uid, poolID); err != nil {
			return nil, err
		}
	case !errors.Is(err, ErrTicketNotFound):
		return nil, err
	}

	waiting, err := q.store.FindWaiting(ctx, poolID, uid)
	if errors.Is(err, ErrTicketNotFound) {
		t := &Ticket{
			UserID:   uid,
			PoolID:   poolID,
			Status:   StatusWaiting,
			QueuedAt: q.clock.Now(),
		}
		if err := q.store.PutTicket(ctx, t); err != nil {
			return nil, errors.Wrap(err, "failed to enqueue ticket")
		}
		q.logger.Info().Str("uid", uid).Str("poolId", poolID).Msg("queued for battle")
		q.notify(t)
		return t, nil
	}
	if err != nil {
		return nil, err
	}

	b, err := q.battles.CreateBattle(ctx, poolID, [2]battle.Seat{
		{UID: waiting.UserID},
		{UID: uid},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create battle for pair")
	}
	now := q.clock.Now()
	waiting.Status = StatusMatched
	waiting.BattleID = b.BattleID
	waiting.MatchedAt = now
	if err := q.store.PutTicket(ctx, waiting); err != nil {
		return nil, errors.Wrap(err, "failed to bind waiting ticket")
	}
	t = &Ticket{
		UserID:    uid,
		PoolID:    poolID,
		Status:    StatusMatched,
		BattleID:  b.BattleID,
		QueuedAt:  now,
		MatchedAt: now,
	}
	if err := q.store.PutTicket(ctx, t); err != nil {
		return nil, errors.Wrap(err, "failed to bind joining ticket")
	}
	q.logger.Info().
		Str("battleId", string(b.BattleID)).
		Str("poolId", poolID).
		Str("uid1", waiting.UserID).
		Str("uid2", uid).
		Msg("matched")
	q.notify(waiting)
	q.notify(t)
	return t, nil
}

// Cancel removes the user's waiting ticket. Cancelling an absent ticket is a
// no-op; cancelling after a battle was bound is too late and leaves the
// ticket alone.
func (q *Queue) Cancel(ctx context.Context, uid, poolID string) error {
	unlock := q.lockPool(poolID)
	defer unlock()

	t, err := q.store.GetTicket(ctx, uid, poolID)
	if errors.Is(err, ErrTicketNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if t.Matched() {
		return nil
	}
	if err := q.store.DeleteTicket(ctx, uid, poolID); err != nil {
		return err
	}
	q.logger.Info().Str("uid", uid).Str("poolId", poolID).Msg("left the queue")
	t.Status = StatusCancelled
	q.notify(t)
	return nil
}

// MatchWithBot converts a waiting ticket into a bot battle. If a real
// opponent bound the ticket first, that battle wins and no bot battle is
// created. Battle creation is retried on transient failure with a capped
// backoff.
func (q *Queue) MatchWithBot(ctx context.Context, uid, poolID string) (*Ticket, error) {
	unlock := q.lockPool(poolID)
	defer unlock()

	t, err := q.store.GetTicket(ctx, uid, poolID)
	if errors.Is(err, ErrTicketNotFound) {
		return nil, errors.WithStack(ErrNotQueued)
	}
	if err != nil {
		return nil, err
	}
	if t.Matched() {
		return t, nil
	}

	var b *battle.Battle
	err = retry.Do(ctx, q.clock, q.retry, func(ctx context.Context) error {
		var cerr error
		b, cerr = q.battles.CreateBattle(ctx, poolID, [2]battle.Seat{
			{UID: uid},
			{UID: botUIDPrefix + uuid.Must(uuid.NewRandom()).String()[:8], Bot: true},
		})
		return cerr
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bot battle")
	}
	now := q.clock.Now()
	t.Status = StatusMatched
	t.BattleID = b.BattleID
	t.MatchedAt = now
	if err := q.store.PutTicket(ctx, t); err != nil {
		return nil, errors.Wrap(err, "failed to bind bot ticket")
	}
	q.logger.Info().
		Str("battleId", string(b.BattleID)).
		Str("poolId", poolID).
		Str("uid", uid).
		Msg("matched with bot")
	q.notify(t)
	return t, nil
}

// GetTicket reads the user's current ticket for the pool.
func (q *Queue) GetTicket(ctx context.Context, uid, poolID string) (*Ticket, error) {
	return q.store.GetTicket(ctx, uid, poolID)
}

// Run sweeps abandoned tickets: waiting ones nobody cancelled and matched
// ones whose battle is long over.
func (q *Queue) Run(ctx context.Context) error {
	ticker := q.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			cutoff := q.clock.Now().Add(-ticketStaleAfter)
			stale, err := q.store.ListStale(ctx, cutoff, sweepBatchSize)
			if err != nil {
				q.logger.Error().Err(err).Msg("failed to list stale tickets")
				continue
			}
			for _, t := range stale {
				q.expire(ctx, t, cutoff)
			}
		}
	}
}

func (q *Queue) expire(ctx context.Context, t *Ticket, cutoff time.Time) {
	unlock := q.lockPool(t.PoolID)
	defer unlock()

	// Re-read under the pool lock; the ticket may have moved on.
	cur, err := q.store.GetTicket(ctx, t.UserID, t.PoolID)
	if err != nil {
		return
	}
	ref := cur.QueuedAt
	if cur.Matched() {
		ref = cur.MatchedAt
	}
	if !ref.Before(cutoff) {
		return
	}
	if err := q.store.DeleteTicket(ctx, cur.UserID, cur.PoolID); err != nil {
		q.logger.Error().Err(err).Str("uid", cur.UserID).Msg("failed to expire ticket")
		return
	}
	q.logger.Info().
		Str("uid", cur.UserID).
		Str("poolId", cur.PoolID).
		Str("status", string(cur.Status)).
		Msg("expired stale ticket")
	cur.Status = StatusExpired
	q.notify(cur)
}

func (q *Queue) lockPool(poolID string) func() {
	q.mu.Lock()
	l, ok := q.pools[poolID]
	if !ok {
		l = &sync.Mutex{}
		q.pools[poolID] = l
	}
	q.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (q *Queue) notify(t *Ticket) {
	q.notifyMu.RLock()
	defer q.notifyMu.RUnlock()
	for _, n := range q.notifiers {
		tc := *t
		n.TicketUpdated(&tc)
	}
}
