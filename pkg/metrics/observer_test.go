package metrics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/minakawa-daiki/quizduel/pkg/battle"
	"github.com/minakawa-daiki/quizduel/pkg/matchmaking"
	"github.com/minakawa-daiki/quizduel/pkg/question"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPool = "cs-basics"

func newTestEngine(t *testing.T, rules battle.Rules) (*battle.Engine, *clockwork.FakeClock) {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	questions := question.NewInMemoryStore()
	for i := 0; i < 8; i++ {
		require.NoError(t, questions.AddQuestion(ctx, &question.Question{
			ID:      fmt.Sprintf("q%d", i),
			PoolID:  testPool,
			Type:    question.TypeSingle,
			Prompt:  fmt.Sprintf("question %d", i),
			Choices: []string{"alpha", "beta", "gamma", "delta"},
			Answer:  "1",
		}))
	}
	return battle.NewEngine(battle.NewInMemoryStore(), questions, battle.StaticRabbits{"rabbit-white"}, rules, clock, zerolog.Nop()), clock
}

func TestBattleObserverCountsLifecycle(t *testing.T) {
	ctx := context.Background()
	m := New(prometheus.NewRegistry())
	observer := NewBattleObserver(m)

	rules := battle.DefaultRules()
	rules.MaxHP = 20
	engine, clock := newTestEngine(t, rules)
	engine.AddNotifier(observer)

	b, err := engine.CreateBattle(ctx, testPool, [2]battle.Seat{{UID: "alice"}, {UID: "bob"}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveBattles))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Matches.WithLabelValues("human")))

	// One graded round at 20 max HP eliminates the loser and ends the battle.
	_, err = engine.SubmitAnswer(ctx, b.BattleID, "alice", 0, "1")
	require.NoError(t, err)
	clock.Advance(200 * time.Millisecond)
	_, err = engine.SubmitAnswer(ctx, b.BattleID, "bob", 0, "0")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoundsScored.WithLabelValues("graded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Finishes.WithLabelValues(string(battle.FinishElimination))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveBattles))

	// A stale poke rebroadcasts the finished battle; nothing may recount.
	_, err = engine.ResolveDue(ctx, b.BattleID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Matches.WithLabelValues("human")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoundsScored.WithLabelValues("graded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Finishes.WithLabelValues(string(battle.FinishElimination))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveBattles))

	_, err = engine.CreateBattle(ctx, testPool, [2]battle.Seat{{UID: "carol"}, {UID: "bot-1", Bot: true}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Matches.WithLabelValues("bot")))
}

func TestBattleObserverCountsMashOnce(t *testing.T) {
	ctx := context.Background()
	m := New(prometheus.NewRegistry())
	observer := NewBattleObserver(m)

	engine, clock := newTestEngine(t, battle.DefaultRules())
	engine.AddNotifier(observer)

	b, err := engine.CreateBattle(ctx, testPool, [2]battle.Seat{{UID: "alice"}, {UID: "bob"}})
	require.NoError(t, err)

	_, err = engine.SubmitAnswer(ctx, b.BattleID, "alice", 0, "1")
	require.NoError(t, err)
	clock.Advance(50 * time.Millisecond)
	res, err := engine.SubmitAnswer(ctx, b.BattleID, "bob", 0, "1")
	require.NoError(t, err)
	require.Equal(t, battle.SubmitMash, res.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MashGames))

	// Both tap reports land; the extra battle updates must not recount.
	_, err = engine.SubmitMashResult(ctx, b.BattleID, "alice", res.Battle.Mash.MashID, 12)
	require.NoError(t, err)
	_, err = engine.SubmitMashResult(ctx, b.BattleID, "bob", res.Battle.Mash.MashID, 30)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MashGames))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoundsScored.WithLabelValues("mash")))
}

type metricsBattleStub struct{}

func (metricsBattleStub) CreateBattle(ctx context.Context, poolID string, seats [2]battle.Seat) (*battle.Battle, error) {
	return &battle.Battle{BattleID: "battle-1"}, nil
}

func (metricsBattleStub) BattleFinished(ctx context.Context, id battle.BattleID) (bool, error) {
	return false, nil
}

func TestTicketObserverTracksWaitingGauge(t *testing.T) {
	ctx := context.Background()
	m := New(prometheus.NewRegistry())
	observer := NewTicketObserver(m)

	queue := matchmaking.NewQueue(matchmaking.NewInMemoryStore(), metricsBattleStub{}, clockwork.NewFakeClock(), zerolog.Nop())
	queue.AddNotifier(observer)

	_, err := queue.Join(ctx, "alice", testPool)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WaitingTickets))

	_, err = queue.Join(ctx, "bob", testPool)
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WaitingTickets))

	_, err = queue.Join(ctx, "carol", testPool)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WaitingTickets))
	require.NoError(t, queue.Cancel(ctx, "carol", testPool))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WaitingTickets))
}
