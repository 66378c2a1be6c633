package bot

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/minakawa-daiki/quizduel/pkg/battle"
	"github.com/minakawa-daiki/quizduel/pkg/question"
	"github.com/rs/zerolog"
)

// Profile shapes how a bot plays. Delays are drawn uniformly from
// [Min, Max]; keep AnswerDelayMax below the round timeout and MashDelayMax
// below the mash window or the bot plays dead.
type Profile struct {
	Accuracy       float64
	AnswerDelayMin time.Duration
	AnswerDelayMax time.Duration
	MashDelayMin   time.Duration
	MashDelayMax   time.Duration
	TapsMin        int
	TapsMax        int
}

func DefaultProfile() Profile {
	return Profile{
		Accuracy:       0.7,
		AnswerDelayMin: 2 * time.Second,
		AnswerDelayMax: 6 * time.Second,
		MashDelayMin:   1 * time.Second,
		MashDelayMax:   3 * time.Second,
		TapsMin:        20,
		TapsMax:        60,
	}
}

func (p Profile) withDefaults() Profile {
	def := DefaultProfile()
	if p.Accuracy <= 0 {
		p.Accuracy = def.Accuracy
	}
	if p.AnswerDelayMin <= 0 {
		p.AnswerDelayMin = def.AnswerDelayMin
	}
	if p.AnswerDelayMax < p.AnswerDelayMin {
		p.AnswerDelayMax = p.AnswerDelayMin
	}
	if p.MashDelayMin <= 0 {
		p.MashDelayMin = def.MashDelayMin
	}
	if p.MashDelayMax < p.MashDelayMin {
		p.MashDelayMax = p.MashDelayMin
	}
	if p.TapsMin <= 0 {
		p.TapsMin = def.TapsMin
	}
	if p.TapsMax < p.TapsMin {
		p.TapsMax = p.TapsMin
	}
	return p
}

type actionKey struct {
	battleID battle.BattleID
	uid      string
	kind     string
	index    int
}

// Driver plays every bot seat. It observes battle updates and schedules one
// answer per open round and one tap report per mash, with human-looking
// delays. Round advancement stays with the resolver; the bot never rushes
// the opponent's result screen.
type Driver struct {
	engine  *battle.Engine
	profile Profile
	clock   clockwork.Clock
	logger  zerolog.Logger

	mu        sync.Mutex
	rnd       *rand.Rand
	scheduled map[actionKey]struct{}
}

func NewDriver(engine *battle.Engine, profile Profile, clock clockwork.Clock, logger zerolog.Logger) *Driver {
	return &Driver{
		engine:    engine,
		profile:   profile.withDefaults(),
		clock:     clock,
		logger:    logger,
		rnd:       rand.New(rand.NewSource(clock.Now().UnixNano())),
		scheduled: make(map[actionKey]struct{}),
	}
}

// BattleUpdated implements battle.Notifier.
func (d *Driver) BattleUpdated(b *battle.Battle) {
	if b.Finished() {
		d.forget(b.BattleID)
		return
	}
	for _, p := range b.Players {
		if !p.Bot {
			continue
		}
		switch b.Status {
		case battle.StatusQuestion:
			d.scheduleAnswer(b, p.UID)
		case battle.StatusMash:
			d.scheduleMash(b, p.UID)
		}
	}
}

func (d *Driver) scheduleAnswer(b *battle.Battle, uid string) {
	if b.CurrentRound >= len(b.Rounds) {
		return
	}
	r := b.Rounds[b.CurrentRound]
	if r.Status != battle.RoundOpen {
		return
	}
	if _, ok := r.Submissions[uid]; ok {
		return
	}
	key := actionKey{battleID: b.BattleID, uid: uid, kind: "answer", index: r.Index}
	answer, delay, ok := d.reserveAnswer(key, r)
	if !ok {
		return
	}
	id, idx := b.BattleID, r.Index
	d.clock.AfterFunc(delay, func() {
		if _, err := d.engine.SubmitAnswer(context.Background(), id, uid, idx, answer); err != nil {
			d.logger.Debug().Err(err).Str("battleId", string(id)).Str("uid", uid).Int("round", idx).Msg("bot answer not accepted")
		}
	})
}

func (d *Driver) scheduleMash(b *battle.Battle, uid string) {
	m := b.Mash
	if m == nil {
		return
	}
	if _, ok := m.Reports[uid]; ok {
		return
	}
	key := actionKey{battleID: b.BattleID, uid: uid, kind: "mash", index: m.RoundIndex}
	taps, delay, ok := d.reserveMash(key)
	if !ok {
		return
	}
	id, mashID := b.BattleID, m.MashID
	d.clock.AfterFunc(delay, func() {
		if _, err := d.engine.SubmitMashResult(context.Background(), id, uid, mashID, taps); err != nil {
			d.logger.Debug().Err(err).Str("battleId", string(id)).Str("uid", uid).Msg("bot mash report not accepted")
		}
	})
}

// reserveAnswer claims the action key and rolls the answer and delay under
// one lock; rand.Rand is not safe for concurrent use.
func (d *Driver) reserveAnswer(key actionKey, r *battle.Round) (answer string, delay time.Duration, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.scheduled[key]; dup {
		return "", 0, false
	}
	d.scheduled[key] = struct{}{}
	if d.rnd.Float64() < d.profile.Accuracy {
		answer = r.Answer
	} else {
		answer = wrongAnswer(r, d.rnd)
	}
	return answer, d.draw(d.profile.AnswerDelayMin, d.profile.AnswerDelayMax), true
}

func (d *Driver) reserveMash(key actionKey) (taps int, delay time.Duration, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.scheduled[key]; dup {
		return 0, 0, false
	}
	d.scheduled[key] = struct{}{}
	taps = d.profile.TapsMin
	if span := d.profile.TapsMax - d.profile.TapsMin; span > 0 {
		taps += d.rnd.Intn(span + 1)
	}
	return taps, d.draw(d.profile.MashDelayMin, d.profile.MashDelayMax), true
}

func (d *Driver) draw(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(d.rnd.Int63n(int64(max-min)+1))
}

func (d *Driver) forget(id battle.BattleID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.scheduled {
		if key.battleID == id {
			delete(d.scheduled, key)
		}
	}
}

// wrongAnswer fabricates a plausible miss. Empty submissions grade incorrect
// for multi and text, so they serve as the fallback.
func wrongAnswer(r *battle.Round, rnd *rand.Rand) string {
	switch r.QuestionType {
	case question.TypeSingle:
		n := len(r.Choices)
		if n < 2 {
			return ""
		}
		correct, err := strconv.Atoi(strings.TrimSpace(r.Answer))
		if err != nil {
			correct = -1
		}
		pick := rnd.Intn(n)
		if pick == correct {
			pick = (pick + 1) % n
		}
		return strconv.Itoa(pick)
	case question.TypeBoolean:
		if strings.EqualFold(strings.TrimSpace(r.Answer), "true") {
			return "false"
		}
		return "true"
	case question.TypeMulti:
		// An index past the last choice never appears in an answer.
		return strconv.Itoa(len(r.Choices))
	default:
		return ""
	}
}
