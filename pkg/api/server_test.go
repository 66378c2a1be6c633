package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/minakawa-daiki/quizduel/pkg/auth"
	"github.com/minakawa-daiki/quizduel/pkg/battle"
	"github.com/minakawa-daiki/quizduel/pkg/matchmaking"
	"github.com/minakawa-daiki/quizduel/pkg/metrics"
	"github.com/minakawa-daiki/quizduel/pkg/presence"
	"github.com/minakawa-daiki/quizduel/pkg/question"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPool = "cs-basics"

type apiFixture struct {
	engine *battle.Engine
	clock  *clockwork.FakeClock
	srv    *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
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

	engine := battle.NewEngine(battle.NewInMemoryStore(), questions, battle.StaticRabbits{"rabbit-white"}, battle.DefaultRules(), clock, zerolog.Nop())
	queue := matchmaking.NewQueue(matchmaking.NewInMemoryStore(), engine, clock, zerolog.Nop())
	tracker := presence.NewTracker(engine, clock, 0, zerolog.Nop())
	verifier := auth.StaticVerifier{
		"alice-token":   "alice",
		"bob-token":     "bob",
		"carol-token":   "carol",
		"mallory-token": "mallory",
	}

	server := NewServer(engine, queue, tracker, verifier, metrics.New(nil), zerolog.Nop())
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &apiFixture{engine: engine, clock: clock, srv: srv}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type answerResult struct {
	Status battle.SubmitStatus `json:"status"`
	Battle *battle.Snapshot    `json:"battle"`
}

func TestMatchAndPlayFullBattle(t *testing.T) {
	f := newAPIFixture(t)

	var aliceTicket matchmaking.Ticket
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/matchmaking/cs-basics/join", "alice-token", nil, &aliceTicket))
	assert.Equal(t, matchmaking.StatusWaiting, aliceTicket.Status)

	var bobTicket matchmaking.Ticket
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/matchmaking/cs-basics/join", "bob-token", nil, &bobTicket))
	require.Equal(t, matchmaking.StatusMatched, bobTicket.Status)
	require.NotEmpty(t, bobTicket.BattleID)

	// Re-joining while the battle is live returns the same binding.
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/matchmaking/cs-basics/join", "alice-token", nil, &aliceTicket))
	assert.Equal(t, bobTicket.BattleID, aliceTicket.BattleID)

	base := "/battles/" + string(bobTicket.BattleID)
	var snap battle.Snapshot
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, base, "alice-token", nil, &snap))
	assert.Equal(t, battle.StatusQuestion, snap.Status)
	require.Len(t, snap.Rounds, 1)
	assert.NotEmpty(t, snap.Rounds[0].Prompt)

	// Alice wins every round; 5 hits of 20 off 100 HP eliminate Bob on the
	// last round.
	for i := 0; i < 5; i++ {
		var res answerResult
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/answer", "alice-token",
			&submitAnswerRequest{RoundIndex: i, Answer: "1"}, &res))
		require.Equal(t, battle.SubmitWaiting, res.Status)

		f.clock.Advance(500 * time.Millisecond)
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/answer", "bob-token",
			&submitAnswerRequest{RoundIndex: i, Answer: "0"}, &res))
		require.Equal(t, battle.SubmitScored, res.Status)
		assert.Equal(t, "alice", res.Battle.Rounds[i].WinnerUID)

		if i < 4 {
			require.Equal(t, battle.StatusRoundResult, res.Battle.Status)
			require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, fmt.Sprintf("%s/rounds/%d/start", base, i+1), "alice-token", nil, &snap))
			assert.Equal(t, battle.StatusQuestion, snap.Status)
			assert.Equal(t, i+1, snap.CurrentRound)
		} else {
			require.Equal(t, battle.StatusFinished, res.Battle.Status)
			require.NotNil(t, res.Battle.Result)
			assert.Equal(t, "alice", res.Battle.Result.WinnerUID)
			assert.Equal(t, battle.FinishElimination, res.Battle.Result.Reason)
		}
	}

	// The battle is over; further commands conflict.
	var out json.RawMessage
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, base+"/answer", "alice-token",
		&submitAnswerRequest{RoundIndex: 0, Answer: "1"}, &out))
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/matchmaking/cs-basics/join", "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/matchmaking/cs-basics/join", "wrong-token", nil, nil))
}

func TestForeignBattleIsForbidden(t *testing.T) {
	f := newAPIFixture(t)
	b, err := f.engine.CreateBattle(context.Background(), testPool, [2]battle.Seat{{UID: "alice"}, {UID: "bob"}})
	require.NoError(t, err)

	status := f.do(t, http.MethodGet, "/battles/"+string(b.BattleID), "mallory-token", nil, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestUnknownBattleIsNotFound(t *testing.T) {
	f := newAPIFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/battles/no-such-battle", "alice-token", nil, nil))
}

func TestMatchWithBotFallback(t *testing.T) {
	f := newAPIFixture(t)

	var ticket matchmaking.Ticket
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/matchmaking/cs-basics/join", "carol-token", nil, &ticket))
	require.Equal(t, matchmaking.StatusWaiting, ticket.Status)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/matchmaking/cs-basics/bot", "carol-token", nil, &ticket))
	require.Equal(t, matchmaking.StatusMatched, ticket.Status)

	var snap battle.Snapshot
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/battles/"+string(ticket.BattleID), "carol-token", nil, &snap))
	require.Len(t, snap.Players, 2)
	assert.True(t, snap.Players[1].Bot)

	// Asking for a bot without queueing first conflicts.
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/matchmaking/cs-basics/bot", "alice-token", nil, nil))
}

func TestCancelIsIdempotentOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/matchmaking/cs-basics/join", "alice-token", nil, nil))
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/matchmaking/cs-basics/cancel", "alice-token", nil, nil))
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/matchmaking/cs-basics/cancel", "alice-token", nil, nil))
}

func TestMalformedBodiesAreBadRequests(t *testing.T) {
	f := newAPIFixture(t)
	b, err := f.engine.CreateBattle(context.Background(), testPool, [2]battle.Seat{{UID: "alice"}, {UID: "bob"}})
	require.NoError(t, err)
	base := "/battles/" + string(b.BattleID)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+base+"/answer", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer alice-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, base+"/mash", "alice-token",
		&submitMashRequest{MashID: "m", Taps: -1}, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, base+"/rounds/x/start", "alice-token", nil, nil))
}

func TestRoundTimeoutEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	b, err := f.engine.CreateBattle(context.Background(), testPool, [2]battle.Seat{{UID: "alice"}, {UID: "bob"}})
	require.NoError(t, err)
	base := "/battles/" + string(b.BattleID)

	// Too early: the deadline has not passed yet.
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, base+"/rounds/0/timeout", "alice-token", nil, nil))

	f.clock.Advance(f.engine.Rules().RoundTimeout + time.Second)
	var snap battle.Snapshot
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/rounds/0/timeout", "alice-token", nil, &snap))
	assert.Equal(t, battle.RoundTimedOut, snap.Rounds[0].Status)

	// A racing client resolving the same round is a harmless no-op.
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/rounds/0/timeout", "bob-token", nil, &snap))
}
