package battle

import (
	"time"

	"github.com/minakawa-daiki/quizduel/pkg/question"
)

type BattleID string

// Status is the battle-level state machine:
// question -> roundResult -> (question | mash) -> ... -> finished.
type Status string

const (
	StatusQuestion    Status = "question"
	StatusRoundResult Status = "roundResult"
	StatusMash        Status = "mash"
	StatusFinished    Status = "finished"
)

type RoundStatus string

const (
	RoundOpen     RoundStatus = "open"
	RoundMash     RoundStatus = "mash"
	RoundScored   RoundStatus = "scored"
	RoundTimedOut RoundStatus = "timedOut"
)

type FinishReason string

const (
	FinishElimination FinishReason = "elimination"
	FinishCompleted   FinishReason = "completed"
	FinishExpired     FinishReason = "expired"
	FinishForfeit     FinishReason = "forfeit"
)

// Battle is the authoritative record of one match. It is mutated only through
// Store.UpdateBattle, which serializes all writers per battle.
type Battle struct {
	BattleID     BattleID  `firestore:"battleId" json:"battleId"`
	PoolID       string    `firestore:"poolId" json:"poolId"`
	Players      []*Player `firestore:"players" json:"players"`
	Status       Status    `firestore:"status" json:"status"`
	CurrentRound int       `firestore:"currentRound" json:"currentRound"`
	TotalRounds  int       `firestore:"totalRounds" json:"totalRounds"`
	Rounds       []*Round  `firestore:"rounds" json:"rounds"`
	EndsAt       time.Time `firestore:"endsAt" json:"endsAt"`
	// NextDeadline is the earliest moment at which the watchdog may need to
	// act on this battle (round timeout, mash deadline, stalled result
	// display, disconnect forfeit or match expiry).
	NextDeadline time.Time `firestore:"nextDeadline" json:"-"`
	// StatusChangedAt marks the last status transition; the roundResult
	// display window is measured from it.
	StatusChangedAt time.Time `firestore:"statusChangedAt" json:"-"`
	Mash            *Mash     `firestore:"mash" json:"mash,omitempty"`
	Result          *Result   `firestore:"result" json:"result,omitempty"`
	CreatedAt       time.Time `firestore:"createdAt" json:"createdAt"`
}

type Player struct {
	UID          string   `firestore:"uid" json:"uid"`
	Rabbits      []string `firestore:"rabbits" json:"rabbits"`
	ActiveRabbit int      `firestore:"activeRabbit" json:"activeRabbit"`
	HP           int      `firestore:"hp" json:"hp"`
	Connected    bool     `firestore:"connected" json:"connected"`
	// DisconnectedAt is zero while connected; the forfeit grace window is
	// measured from it.
	DisconnectedAt time.Time `firestore:"disconnectedAt" json:"-"`
	Bot            bool      `firestore:"bot" json:"bot"`
}

// Round carries the authoritative answer inline so grading never needs a
// question lookup inside the battle's critical section. Snapshots redact it
// while the round is open.
type Round struct {
	Index        int           `firestore:"index" json:"index"`
	QuestionID   string        `firestore:"questionId" json:"questionId"`
	QuestionType question.Type `firestore:"questionType" json:"questionType"`
	// Prompt and Choices are copied from the question at battle creation so
	// a snapshot never needs a question lookup.
	Prompt      string                 `firestore:"prompt" json:"prompt"`
	Choices     []string               `firestore:"choices" json:"choices,omitempty"`
	Answer      string                 `firestore:"answer" json:"-"`
	TimeoutAt   time.Time              `firestore:"timeoutAt" json:"timeoutAt"`
	Submissions map[string]*Submission `firestore:"submissions" json:"-"`
	Status      RoundStatus            `firestore:"status" json:"status"`
	WinnerUID   string                 `firestore:"winnerUid" json:"winnerUid,omitempty"`
	// Mashed marks rounds whose winner came from the tie-break.
	Mashed bool `firestore:"mashed" json:"mashed"`
}

type Submission struct {
	Answer string `firestore:"answer" json:"answer"`
	// SubmittedAt is the server-observed receive time; client clocks are
	// never consulted for ordering.
	SubmittedAt time.Time `firestore:"submittedAt" json:"submittedAt"`
	Correct     bool      `firestore:"correct" json:"correct"`
}

// Mash is the rapid-tap tie-break sub-state. Advisory live counters travel on
// the realtime feed; only the Reports collected here ever score.
type Mash struct {
	MashID     string                 `firestore:"mashId" json:"mashId"`
	RoundIndex int                    `firestore:"roundIndex" json:"roundIndex"`
	Deadline   time.Time              `firestore:"deadline" json:"deadline"`
	Reports    map[string]*MashReport `firestore:"reports" json:"-"`
}

type MashReport struct {
	Taps       int       `firestore:"taps" json:"taps"`
	ReportedAt time.Time `firestore:"reportedAt" json:"reportedAt"`
}

type Result struct {
	// WinnerUID is empty on a draw.
	WinnerUID  string         `firestore:"winnerUid" json:"winnerUid"`
	Reason     FinishReason   `firestore:"reason" json:"reason"`
	PerRound   []RoundOutcome `firestore:"perRound" json:"perRound"`
	FinishedAt time.Time      `firestore:"finishedAt" json:"finishedAt"`
}

type RoundOutcome struct {
	Index      int    `firestore:"index" json:"index"`
	QuestionID string `firestore:"questionId" json:"questionId"`
	WinnerUID  string `firestore:"winnerUid" json:"winnerUid,omitempty"`
	// Mashed marks rounds whose winner came from the tie-break.
	Mashed   bool `firestore:"mashed" json:"mashed"`
	TimedOut bool `firestore:"timedOut" json:"timedOut"`
}

func (b *Battle) Finished() bool {
	return b.Status == StatusFinished
}

func (b *Battle) Player(uid string) *Player {
	for _, p := range b.Players {
		if p.UID == uid {
			return p
		}
	}
	return nil
}

func (b *Battle) Opponent(uid string) *Player {
	for _, p := range b.Players {
		if p.UID != uid {
			return p
		}
	}
	return nil
}

func (b *Battle) currentRound() *Round {
	if b.CurrentRound < 0 || b.CurrentRound >= len(b.Rounds) {
		return nil
	}
	return b.Rounds[b.CurrentRound]
}

// clone deep-copies a battle so store readers never alias engine-owned state.
func (b *Battle) clone() *Battle {
	c := *b
	c.Players = make([]*Player, len(b.Players))
	for i, p := range b.Players {
		pc := *p
		pc.Rabbits = append([]string(nil), p.Rabbits...)
		c.Players[i] = &pc
	}
	c.Rounds = make([]*Round, len(b.Rounds))
	for i, r := range b.Rounds {
		rc := *r
		rc.Choices = append([]string(nil), r.Choices...)
		rc.Submissions = make(map[string]*Submission, len(r.Submissions))
		for uid, s := range r.Submissions {
			sc := *s
			rc.Submissions[uid] = &sc
		}
		c.Rounds[i] = &rc
	}
	if b.Mash != nil {
		mc := *b.Mash
		mc.Reports = make(map[string]*MashReport, len(b.Mash.Reports))
		for uid, r := range b.Mash.Reports {
			rc := *r
			mc.Reports[uid] = &rc
		}
		c.Mash = &mc
	}
	if b.Result != nil {
		rc := *b.Result
		rc.PerRound = append([]RoundOutcome(nil), b.Result.PerRound...)
		c.Result = &rc
	}
	return &c
}
