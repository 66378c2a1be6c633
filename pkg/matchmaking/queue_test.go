package matchmaking

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minakawa-daiki/quizduel/pkg/battle"
	"github.com/minakawa-daiki/quizduel/pkg/internal/retry"
)

const testPool = "cs-basics"

type fakeBattleService struct {
	created  [][2]battle.Seat
	finished map[battle.BattleID]bool
	failures int
}

func newFakeBattleService() *fakeBattleService {
	return &fakeBattleService{finished: map[battle.BattleID]bool{}}
}

func (f *fakeBattleService) CreateBattle(ctx context.Context, poolID string, seats [2]battle.Seat) (*battle.Battle, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("transient create failure")
	}
	f.created = append(f.created, seats)
	id := battle.BattleID(fmt.Sprintf("battle-%d", len(f.created)))
	f.finished[id] = false
	return &battle.Battle{BattleID: id, PoolID: poolID}, nil
}

func (f *fakeBattleService) BattleFinished(ctx context.Context, id battle.BattleID) (bool, error) {
	fin, ok := f.finished[id]
	if !ok {
		return false, battle.ErrBattleNotFound
	}
	return fin, nil
}

func newTestQueue(svc BattleService, clock clockwork.Clock) *Queue {
	return NewQueue(NewInMemoryStore(), svc, clock, zerolog.Nop())
}

func TestJoinPairsWithWaitingPlayer(t *testing.T) {
	ctx := context.Background()
	svc := newFakeBattleService()
	q := newTestQueue(svc, clockwork.NewFakeClock())

	first, err := q.Join(ctx, "alice", testPool)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, first.Status)
	assert.Empty(t, first.BattleID)

	second, err := q.Join(ctx, "bob", testPool)
	require.NoError(t, err)
	assert.Equal(t, StatusMatched, second.Status)
	assert.NotEmpty(t, second.BattleID)

	bound, err := q.GetTicket(ctx, "alice", testPool)
	require.NoError(t, err)
	assert.Equal(t, StatusMatched, bound.Status)
	assert.Equal(t, second.BattleID, bound.BattleID)

	require.Len(t, svc.created, 1)
	assert.Equal(t, "alice", svc.created[0][0].UID)
	assert.Equal(t, "bob", svc.created[0][1].UID)
	assert.False(t, svc.created[0][0].Bot)
	assert.False(t, svc.created[0][1].Bot)
}

func TestJoinNeverPairsUserWithThemselves(t *testing.T) {
	ctx := context.Background()
	svc := newFakeBattleService()
	q := newTestQueue(svc, clockwork.NewFakeClock())

	first, err := q.Join(ctx, "alice", testPool)
	require.NoError(t, err)
	again, err := q.Join(ctx, "alice", testPool)
	require.NoError(t, err)

	assert.Equal(t, StatusWaiting, again.Status)
	assert.Equal(t, first.QueuedAt, again.QueuedAt)
	assert.Empty(t, svc.created)
}

func TestJoinHonorsLiveMatchAndReplacesFinishedOne(t *testing.T) {
	ctx := context.Background()
	svc := newFakeBattleService()
	q := newTestQueue(svc, clockwork.NewFakeClock())

	_, err := q.Join(ctx, "alice", testPool)
	require.NoError(t, err)
	matched, err := q.Join(ctx, "bob", testPool)
	require.NoError(t, err)

	// The battle is live, so re-joining returns the same binding.
	rejoined, err := q.Join(ctx, "bob", testPool)
	require.NoError(t, err)
	assert.Equal(t, matched.BattleID, rejoined.BattleID)
	require.Len(t, svc.created, 1)

	// Once it is over, the stale ticket makes way for a fresh queue entry.
	svc.finished[matched.BattleID] = true
	fresh, err := q.Join(ctx, "bob", testPool)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, fresh.Status)
	assert.Empty(t, fresh.BattleID)
}

func TestCancelIsIdempotentAndLosesToBinding(t *testing.T) {
	ctx := context.Background()
	svc := newFakeBattleService()
	q := newTestQueue(svc, clockwork.NewFakeClock())

	require.NoError(t, q.Cancel(ctx, "alice", testPool))

	_, err := q.Join(ctx, "alice", testPool)
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, "alice", testPool))
	_, err = q.GetTicket(ctx, "alice", testPool)
	assert.ErrorIs(t, err, ErrTicketNotFound)

	// A matched ticket is past the point of no return.
	_, err = q.Join(ctx, "alice", testPool)
	require.NoError(t, err)
	matched, err := q.Join(ctx, "bob", testPool)
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, "bob", testPool))
	still, err := q.GetTicket(ctx, "bob", testPool)
	require.NoError(t, err)
	assert.Equal(t, matched.BattleID, still.BattleID)
}

func TestMatchWithBotRequiresWaitingTicket(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(newFakeBattleService(), clockwork.NewFakeClock())

	_, err := q.MatchWithBot(ctx, "alice", testPool)
	assert.ErrorIs(t, err, ErrNotQueued)
}

func TestMatchWithBotBindsBotBattle(t *testing.T) {
	ctx := context.Background()
	svc := newFakeBattleService()
	q := newTestQueue(svc, clockwork.NewFakeClock())

	_, err := q.Join(ctx, "alice", testPool)
	require.NoError(t, err)
	got, err := q.MatchWithBot(ctx, "alice", testPool)
	require.NoError(t, err)

	assert.Equal(t, StatusMatched, got.Status)
	assert.NotEmpty(t, got.BattleID)
	require.Len(t, svc.created, 1)
	assert.Equal(t, "alice", svc.created[0][0].UID)
	assert.True(t, svc.created[0][1].Bot)
	assert.NotEqual(t, "alice", svc.created[0][1].UID)
}

func TestMatchWithBotLosesRaceToRealOpponent(t *testing.T) {
	ctx := context.Background()
	svc := newFakeBattleService()
	q := newTestQueue(svc, clockwork.NewFakeClock())

	_, err := q.Join(ctx, "alice", testPool)
	require.NoError(t, err)
	real, err := q.Join(ctx, "bob", testPool)
	require.NoError(t, err)

	// The wait timer fires just after the real match landed; the existing
	// binding wins and no bot battle is created.
	got, err := q.MatchWithBot(ctx, "alice", testPool)
	require.NoError(t, err)
	assert.Equal(t, real.BattleID, got.BattleID)
	assert.Len(t, svc.created, 1)
}

func TestMatchWithBotRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	svc := newFakeBattleService()
	svc.failures = 2
	q := newTestQueue(svc, clockwork.NewRealClock())
	q.retry = retry.Policy{MaxAttempts: 3, Backoff: time.Millisecond, MaxBackoff: time.Millisecond}

	_, err := q.Join(ctx, "alice", testPool)
	require.NoError(t, err)
	got, err := q.MatchWithBot(ctx, "alice", testPool)
	require.NoError(t, err)
	assert.Equal(t, StatusMatched, got.Status)

	// With the budget exhausted the fallback reports failure and the ticket
	// stays waiting.
	svc.failures = 5
	_, err = q.Join(ctx, "carol", testPool)
	require.NoError(t, err)
	_, err = q.MatchWithBot(ctx, "carol", testPool)
	require.Error(t, err)
	still, err := q.GetTicket(ctx, "carol", testPool)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, still.Status)
}

type recordingTicketNotifier struct {
	updates []*Ticket
}

func (n *recordingTicketNotifier) TicketUpdated(t *Ticket) {
	n.updates = append(n.updates, t)
}

func TestNotifierSeesBothBindings(t *testing.T) {
	ctx := context.Background()
	svc := newFakeBattleService()
	q := newTestQueue(svc, clockwork.NewFakeClock())
	rec := &recordingTicketNotifier{}
	q.AddNotifier(rec)

	_, err := q.Join(ctx, "alice", testPool)
	require.NoError(t, err)
	matched, err := q.Join(ctx, "bob", testPool)
	require.NoError(t, err)

	// queued(alice), bound(alice), bound(bob)
	require.Len(t, rec.updates, 3)
	assert.Equal(t, StatusWaiting, rec.updates[0].Status)
	for _, u := range rec.updates[1:] {
		assert.Equal(t, StatusMatched, u.Status)
		assert.Equal(t, matched.BattleID, u.BattleID)
	}
}

func TestRunExpiresAbandonedTickets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := newFakeBattleService()
	q := newTestQueue(svc, clock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()

	_, err := q.Join(ctx, "alice", testPool)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		clock.Advance(sweepInterval)
		_, err := q.GetTicket(context.Background(), "alice", testPool)
		return errors.Is(err, ErrTicketNotFound)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
