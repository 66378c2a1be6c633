package battle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/minakawa-daiki/quizduel/pkg/question"
)

var (
	ErrNotPlayer          = errors.New("user is not a player in this battle")
	ErrBattleFinished     = errors.New("battle is finished")
	ErrStaleRound         = errors.New("round is already resolved")
	ErrRoundNotStarted    = errors.New("round has not started")
	ErrRoundNotReady      = errors.New("previous round is not resolved")
	ErrAlreadySubmitted   = errors.New("answer already submitted for this round")
	ErrDeadlineNotReached = errors.New("round deadline has not passed")
	ErrMashActive         = errors.New("tie-break is in progress")
	ErrMashNotActive      = errors.New("no tie-break is active")
	ErrMashAlreadyTallied = errors.New("tap count already reported")
)

// Seat names one side of a battle about to start.
type Seat struct {
	UID string
	Bot bool
}

// RabbitSource supplies each player's cosmetic rabbit lineup. Battles only
// carry the ids; what a rabbit looks like is the client's business.
type RabbitSource interface {
	RabbitsFor(ctx context.Context, uid string) ([]string, error)
}

// StaticRabbits hands every player the same stock lineup.
type StaticRabbits []string

func (r StaticRabbits) RabbitsFor(ctx context.Context, uid string) ([]string, error) {
	return append([]string(nil), r...), nil
}

// Notifier receives every committed battle mutation. Implementations must not
// block; the realtime feed and the bot driver hang off this.
type Notifier interface {
	BattleUpdated(b *Battle)
}

// FinishHook runs exactly once per battle, after the transition to finished
// has been committed.
type FinishHook func(b *Battle)

// SubmitStatus tells the submitting client what its answer did.
type SubmitStatus string

const (
	SubmitWaiting SubmitStatus = "waiting"
	SubmitScored  SubmitStatus = "scored"
	SubmitMash    SubmitStatus = "mash"
)

type SubmitResult struct {
	Status SubmitStatus
	Battle *Battle
}

// Engine owns every battle rule. All mutations funnel through
// Store.UpdateBattle, so a battle never sees two decisions at once.
type Engine struct {
	store     Store
	questions question.Store
	rabbits   RabbitSource
	rules     Rules
	clock     clockwork.Clock
	logger    zerolog.Logger

	mu          sync.RWMutex
	notifiers   []Notifier
	finishHooks []FinishHook

	wake chan struct{}
}

func NewEngine(store Store, questions question.Store, rabbits RabbitSource, rules Rules, clock clockwork.Clock, logger zerolog.Logger) *Engine {
	if rabbits == nil {
		rabbits = StaticRabbits{"rabbit-default"}
	}
	return &Engine{
		store:     store,
		questions: questions,
		rabbits:   rabbits,
		rules:     rules.withDefaults(),
		clock:     clock,
		logger:    logger,
		wake:      make(chan struct{}, 1),
	}
}

func (e *Engine) Rules() Rules { return e.rules }

func (e *Engine) AddNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifiers = append(e.notifiers, n)
}

func (e *Engine) AddFinishHook(h FinishHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finishHooks = append(e.finishHooks, h)
}

// Wake signals that some battle's NextDeadline may have moved closer. The
// watchdog drains it to re-arm its timer.
func (e *Engine) Wake() <-chan struct{} { return e.wake }

// CreateBattle pairs two seats over a fresh question draw and opens round 0.
func (e *Engine) CreateBattle(ctx context.Context, poolID string, seats [2]Seat) (*Battle, error) {
	if seats[0].UID == "" || seats[1].UID == "" {
		return nil, errors.New("seat uid must not be empty")
	}
	if seats[0].UID == seats[1].UID {
		return nil, errors.Errorf("cannot battle yourself: %s", seats[0].UID)
	}
	qs, err := e.questions.PickForPool(ctx, poolID, e.rules.TotalRounds)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to pick questions for pool %s", poolID)
	}

	now := e.clock.Now()
	rounds := make([]*Round, len(qs))
	for i, q := range qs {
		rounds[i] = &Round{
			Index:        i,
			QuestionID:   q.ID,
			QuestionType: q.Type,
			Prompt:       q.Prompt,
			Choices:      append([]string(nil), q.Choices...),
			Answer:       q.Answer,
			Submissions:  map[string]*Submission{},
			Status:       RoundOpen,
		}
	}
	players := make([]*Player, len(seats))
	for i, seat := range seats {
		rabbits, err := e.rabbits.RabbitsFor(ctx, seat.UID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load rabbits for %s", seat.UID)
		}
		players[i] = &Player{
			UID:       seat.UID,
			Rabbits:   rabbits,
			HP:        e.rules.MaxHP,
			Connected: true,
			Bot:       seat.Bot,
		}
	}

	b := &Battle{
		BattleID:        BattleID(uuid.Must(uuid.NewRandom()).String()),
		PoolID:          poolID,
		Players:         players,
		Status:          StatusQuestion,
		CurrentRound:    0,
		TotalRounds:     len(rounds),
		Rounds:          rounds,
		EndsAt:          now.Add(e.rules.MatchDuration),
		StatusChangedAt: now,
		CreatedAt:       now,
	}
	rounds[0].TimeoutAt = now.Add(e.rules.RoundTimeout)
	e.refreshDeadline(b)

	if err := e.store.CreateBattle(ctx, b); err != nil {
		return nil, errors.Wrap(err, "failed to create battle")
	}
	e.logger.Info().
		Str("battleId", string(b.BattleID)).
		Str("poolId", poolID).
		Str("uid1", seats[0].UID).
		Str("uid2", seats[1].UID).
		Bool("bot", seats[0].Bot || seats[1].Bot).
		Msg("battle created")
	e.afterCommit(b, false)
	return b, nil
}

func (e *Engine) GetBattle(ctx context.Context, id BattleID) (*Battle, error) {
	return e.store.GetBattle(ctx, id)
}

// BattleFinished reports whether the battle exists and is over. Matchmaking
// uses it to decide whether a matched ticket is still worth honoring.
func (e *Engine) BattleFinished(ctx context.Context, id BattleID) (bool, error) {
	b, err := e.store.GetBattle(ctx, id)
	if err != nil {
		return false, err
	}
	return b.Finished(), nil
}

// SubmitAnswer records one player's answer for the given round. The second
// answer (or a later timeout) triggers grading.
func (e *Engine) SubmitAnswer(ctx context.Context, id BattleID, uid string, roundIndex int, answer string) (*SubmitResult, error) {
	res := &SubmitResult{Status: SubmitWaiting}
	b, err := e.update(ctx, id, func(b *Battle) error {
		if b.Player(uid) == nil {
			return errors.WithStack(ErrNotPlayer)
		}
		if b.Finished() {
			return errors.WithStack(ErrBattleFinished)
		}
		if roundIndex < b.CurrentRound {
			return errors.WithStack(ErrStaleRound)
		}
		if roundIndex > b.CurrentRound {
			return errors.WithStack(ErrRoundNotStarted)
		}
		r := b.currentRound()
		if r.Status != RoundOpen {
			return errors.WithStack(ErrStaleRound)
		}
		if _, ok := r.Submissions[uid]; ok {
			return errors.WithStack(ErrAlreadySubmitted)
		}

		now := e.clock.Now()
		q := question.Question{Type: r.QuestionType, Answer: r.Answer}
		r.Submissions[uid] = &Submission{
			Answer:      answer,
			SubmittedAt: now,
			Correct:     q.Check(answer),
		}
		if len(r.Submissions) < len(b.Players) {
			res.Status = SubmitWaiting
			return nil
		}

		winner, mash := e.decideRound(r)
		if mash {
			e.startMash(b, r, now)
			res.Status = SubmitMash
			return nil
		}
		e.scoreRound(b, r, winner, false, false, now)
		res.Status = SubmitScored
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Battle = b
	return res, nil
}

// StartRound advances the battle out of roundResult into the given round.
// Calls for rounds that already started are no-ops, so both clients (and the
// watchdog) may race it freely.
func (e *Engine) StartRound(ctx context.Context, id BattleID, uid string, roundIndex int) (*Battle, error) {
	return e.update(ctx, id, func(b *Battle) error {
		if b.Player(uid) == nil {
			return errors.WithStack(ErrNotPlayer)
		}
		if b.Finished() {
			return errors.WithStack(ErrBattleFinished)
		}
		if roundIndex <= b.CurrentRound {
			return nil
		}
		if roundIndex >= b.TotalRounds || roundIndex > b.CurrentRound+1 {
			return errors.Wrapf(ErrRoundNotReady, "round %d", roundIndex)
		}
		switch b.Status {
		case StatusMash:
			return errors.WithStack(ErrMashActive)
		case StatusRoundResult:
			e.openRound(b, roundIndex, e.clock.Now())
			return nil
		default:
			return errors.WithStack(ErrRoundNotReady)
		}
	})
}

// ResolveRoundTimeout grades a round whose deadline passed with answers still
// missing. Racing resolvers observe an already-resolved round and no-op.
func (e *Engine) ResolveRoundTimeout(ctx context.Context, id BattleID, uid string, roundIndex int) (*Battle, error) {
	return e.update(ctx, id, func(b *Battle) error {
		if b.Player(uid) == nil {
			return errors.WithStack(ErrNotPlayer)
		}
		if b.Finished() {
			return nil
		}
		if roundIndex > b.CurrentRound {
			return errors.WithStack(ErrRoundNotStarted)
		}
		r := b.Rounds[roundIndex]
		if r.Status != RoundOpen {
			return nil
		}
		if e.clock.Now().Before(r.TimeoutAt) {
			return errors.WithStack(ErrDeadlineNotReached)
		}
		e.resolveTimeout(b, r, e.clock.Now())
		return nil
	})
}

// SwapRabbit cycles the caller's active rabbit. Cosmetic only.
func (e *Engine) SwapRabbit(ctx context.Context, id BattleID, uid string) (*Battle, error) {
	return e.update(ctx, id, func(b *Battle) error {
		p := b.Player(uid)
		if p == nil {
			return errors.WithStack(ErrNotPlayer)
		}
		if b.Finished() {
			return errors.WithStack(ErrBattleFinished)
		}
		if len(p.Rabbits) > 1 {
			p.ActiveRabbit = (p.ActiveRabbit + 1) % len(p.Rabbits)
		}
		return nil
	})
}

// SetConnected records presence transitions. A disconnect arms the forfeit
// deadline; a reconnect within the grace window disarms it.
func (e *Engine) SetConnected(ctx context.Context, id BattleID, uid string, connected bool) (*Battle, error) {
	return e.update(ctx, id, func(b *Battle) error {
		p := b.Player(uid)
		if p == nil {
			return errors.WithStack(ErrNotPlayer)
		}
		if b.Finished() || p.Connected == connected {
			return nil
		}
		p.Connected = connected
		if connected {
			p.DisconnectedAt = time.Time{}
		} else {
			p.DisconnectedAt = e.clock.Now()
		}
		e.refreshDeadline(b)
		return nil
	})
}

// ResolveDue fires whatever deadline has passed for the battle: match expiry,
// disconnect forfeit, round timeout, mash deadline or a stalled roundResult.
// Spurious calls only refresh the deadline.
func (e *Engine) ResolveDue(ctx context.Context, id BattleID) (*Battle, error) {
	return e.update(ctx, id, func(b *Battle) error {
		if b.Finished() {
			return nil
		}
		now := e.clock.Now()
		if !now.Before(b.EndsAt) {
			e.finish(b, e.winnerByHP(b), FinishExpired, now)
			return nil
		}
		if gone := e.forfeitDue(b, now); len(gone) > 0 {
			winner := ""
			if len(gone) == 1 {
				winner = b.Opponent(gone[0]).UID
			}
			e.finish(b, winner, FinishForfeit, now)
			return nil
		}
		switch b.Status {
		case StatusQuestion:
			r := b.currentRound()
			if r.Status == RoundOpen && !now.Before(r.TimeoutAt) {
				e.resolveTimeout(b, r, now)
				return nil
			}
		case StatusMash:
			if b.Mash != nil && !now.Before(b.Mash.Deadline) {
				e.resolveMash(b, now)
				return nil
			}
		case StatusRoundResult:
			if !now.Before(b.StatusChangedAt.Add(e.rules.ResultAdvanceAfter)) {
				e.openRound(b, b.CurrentRound+1, now)
				return nil
			}
		}
		e.refreshDeadline(b)
		return nil
	})
}

// update commits a mutation, then fans out notifications, finish hooks and a
// watchdog wake. Hooks run outside the battle's critical section.
func (e *Engine) update(ctx context.Context, id BattleID, mutate func(b *Battle) error) (*Battle, error) {
	finishedBefore := false
	b, err := e.store.UpdateBattle(ctx, id, func(b *Battle) error {
		finishedBefore = b.Finished()
		return mutate(b)
	})
	if err != nil {
		return nil, err
	}
	e.afterCommit(b, finishedBefore)
	return b, nil
}

func (e *Engine) afterCommit(b *Battle, finishedBefore bool) {
	e.mu.RLock()
	notifiers := e.notifiers
	hooks := e.finishHooks
	e.mu.RUnlock()
	for _, n := range notifiers {
		n.BattleUpdated(b)
	}
	if !finishedBefore && b.Finished() {
		for _, h := range hooks {
			h(b)
		}
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// decideRound picks a winner once both submissions are in. mash reports that
// the round goes to the tie-break instead.
func (e *Engine) decideRound(r *Round) (winner string, mash bool) {
	type graded struct {
		uid string
		sub *Submission
	}
	gs := make([]graded, 0, 2)
	for uid, s := range r.Submissions {
		gs = append(gs, graded{uid: uid, sub: s})
	}
	if len(gs) != 2 {
		return "", false
	}
	a, b := gs[0], gs[1]
	switch {
	case a.sub.Correct && b.sub.Correct:
		gap := a.sub.SubmittedAt.Sub(b.sub.SubmittedAt)
		if gap < 0 {
			gap = -gap
		}
		if e.rules.MashOnBothCorrect && gap <= e.rules.SimultaneityWindow {
			return "", true
		}
		if a.sub.SubmittedAt.Before(b.sub.SubmittedAt) {
			return a.uid, false
		}
		if b.sub.SubmittedAt.Before(a.sub.SubmittedAt) {
			return b.uid, false
		}
		return "", false
	case a.sub.Correct:
		return a.uid, false
	case b.sub.Correct:
		return b.uid, false
	default:
		return "", e.rules.MashOnBothIncorrect
	}
}

// resolveTimeout grades a round the deadline closed: missing answers count as
// incorrect, a sole correct submitter wins, and the tie-break never fires.
func (e *Engine) resolveTimeout(b *Battle, r *Round, now time.Time) {
	winner := ""
	for uid, s := range r.Submissions {
		if s.Correct {
			winner = uid
			break
		}
	}
	e.scoreRound(b, r, winner, false, true, now)
}

// scoreRound closes a round, applies damage and moves the battle on.
func (e *Engine) scoreRound(b *Battle, r *Round, winner string, mashed, timedOut bool, now time.Time) {
	if timedOut {
		r.Status = RoundTimedOut
	} else {
		r.Status = RoundScored
	}
	r.WinnerUID = winner
	r.Mashed = mashed
	b.Mash = nil

	if winner != "" {
		loser := b.Opponent(winner)
		loser.HP -= e.rules.DamagePerHit
		if loser.HP < 0 {
			loser.HP = 0
		}
		if loser.HP == 0 {
			e.finish(b, winner, FinishElimination, now)
			return
		}
	}
	if r.Index == b.TotalRounds-1 {
		e.finish(b, e.winnerByHP(b), FinishCompleted, now)
		return
	}
	e.transition(b, StatusRoundResult, now)
}

func (e *Engine) openRound(b *Battle, idx int, now time.Time) {
	b.CurrentRound = idx
	r := b.Rounds[idx]
	r.TimeoutAt = now.Add(e.rules.RoundTimeout)
	e.transition(b, StatusQuestion, now)
}

func (e *Engine) finish(b *Battle, winner string, reason FinishReason, now time.Time) {
	b.Mash = nil
	var per []RoundOutcome
	for _, r := range b.Rounds {
		if r.Status != RoundScored && r.Status != RoundTimedOut {
			continue
		}
		per = append(per, RoundOutcome{
			Index:      r.Index,
			QuestionID: r.QuestionID,
			WinnerUID:  r.WinnerUID,
			Mashed:     r.Mashed,
			TimedOut:   r.Status == RoundTimedOut,
		})
	}
	b.Result = &Result{
		WinnerUID:  winner,
		Reason:     reason,
		PerRound:   per,
		FinishedAt: now,
	}
	e.transition(b, StatusFinished, now)
	e.logger.Info().
		Str("battleId", string(b.BattleID)).
		Str("winner", winner).
		Str("reason", string(reason)).
		Msg("battle finished")
}

func (e *Engine) winnerByHP(b *Battle) string {
	a, c := b.Players[0], b.Players[1]
	switch {
	case a.HP > c.HP:
		return a.UID
	case c.HP > a.HP:
		return c.UID
	default:
		return ""
	}
}

func (e *Engine) transition(b *Battle, s Status, now time.Time) {
	b.Status = s
	b.StatusChangedAt = now
	e.refreshDeadline(b)
}

// forfeitDue lists players disconnected past the grace window. Bots never
// forfeit; their driver lives in-process.
func (e *Engine) forfeitDue(b *Battle, now time.Time) []string {
	var gone []string
	for _, p := range b.Players {
		if p.Bot || p.Connected || p.DisconnectedAt.IsZero() {
			continue
		}
		if !now.Before(p.DisconnectedAt.Add(e.rules.ForfeitAfter)) {
			gone = append(gone, p.UID)
		}
	}
	return gone
}

// refreshDeadline recomputes NextDeadline from scratch: the status-specific
// deadline, pending disconnect forfeits and the match-wide EndsAt, whichever
// comes first.
func (e *Engine) refreshDeadline(b *Battle) {
	if b.Finished() {
		b.NextDeadline = time.Time{}
		return
	}
	d := b.EndsAt
	earlier := func(t time.Time) {
		if t.Before(d) {
			d = t
		}
	}
	switch b.Status {
	case StatusQuestion:
		if r := b.currentRound(); r != nil {
			earlier(r.TimeoutAt)
		}
	case StatusMash:
		if b.Mash != nil {
			earlier(b.Mash.Deadline)
		}
	case StatusRoundResult:
		earlier(b.StatusChangedAt.Add(e.rules.ResultAdvanceAfter))
	}
	for _, p := range b.Players {
		if p.Bot || p.Connected || p.DisconnectedAt.IsZero() {
			continue
		}
		earlier(p.DisconnectedAt.Add(e.rules.ForfeitAfter))
	}
	b.NextDeadline = d
}
