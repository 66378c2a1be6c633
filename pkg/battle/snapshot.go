package battle

import "time"

// Snapshot is the client-safe projection of a battle. While a round is open
// its correct answer and the content of submissions stay hidden; opponents
// only learn that an answer landed and when. Everything is revealed once the
// round closes.
type Snapshot struct {
	BattleID     BattleID     `json:"battleId"`
	PoolID       string       `json:"poolId"`
	Status       Status       `json:"status"`
	CurrentRound int          `json:"currentRound"`
	TotalRounds  int          `json:"totalRounds"`
	Players      []PlayerView `json:"players"`
	Rounds       []RoundView  `json:"rounds"`
	Mash         *MashView    `json:"mash,omitempty"`
	Result       *Result      `json:"result,omitempty"`
	EndsAt       time.Time    `json:"endsAt"`
	CreatedAt    time.Time    `json:"createdAt"`
}

type PlayerView struct {
	UID          string   `json:"uid"`
	Rabbits      []string `json:"rabbits"`
	ActiveRabbit int      `json:"activeRabbit"`
	HP           int      `json:"hp"`
	Connected    bool     `json:"connected"`
	Bot          bool     `json:"bot"`
}

type RoundView struct {
	Index      int         `json:"index"`
	QuestionID string      `json:"questionId"`
	Prompt     string      `json:"prompt"`
	Choices    []string    `json:"choices,omitempty"`
	Status     RoundStatus `json:"status"`
	TimeoutAt  time.Time   `json:"timeoutAt"`
	WinnerUID  string      `json:"winnerUid,omitempty"`
	Mashed     bool        `json:"mashed,omitempty"`
	// CorrectAnswer is set only after the round is resolved.
	CorrectAnswer string                    `json:"correctAnswer,omitempty"`
	Submissions   map[string]SubmissionView `json:"submissions,omitempty"`
}

type SubmissionView struct {
	SubmittedAt time.Time `json:"submittedAt"`
	// Answer and Correct appear only after the round is resolved.
	Answer  string `json:"answer,omitempty"`
	Correct *bool  `json:"correct,omitempty"`
}

// MashView hides tap counts until the tie-break resolves; clients follow the
// advisory feed for live numbers.
type MashView struct {
	MashID     string          `json:"mashId"`
	RoundIndex int             `json:"roundIndex"`
	Deadline   time.Time       `json:"deadline"`
	Reported   map[string]bool `json:"reported"`
}

// NewSnapshot builds the projection both players receive. Rounds past the
// current one are withheld entirely so upcoming questions stay secret.
func NewSnapshot(b *Battle) *Snapshot {
	s := &Snapshot{
		BattleID:     b.BattleID,
		PoolID:       b.PoolID,
		Status:       b.Status,
		CurrentRound: b.CurrentRound,
		TotalRounds:  b.TotalRounds,
		Players:      make([]PlayerView, 0, len(b.Players)),
		Result:       b.Result,
		EndsAt:       b.EndsAt,
		CreatedAt:    b.CreatedAt,
	}
	for _, p := range b.Players {
		s.Players = append(s.Players, PlayerView{
			UID:          p.UID,
			Rabbits:      p.Rabbits,
			ActiveRabbit: p.ActiveRabbit,
			HP:           p.HP,
			Connected:    p.Connected,
			Bot:          p.Bot,
		})
	}
	for _, r := range b.Rounds {
		if r.Index > b.CurrentRound {
			break
		}
		s.Rounds = append(s.Rounds, newRoundView(r))
	}
	if b.Mash != nil {
		mv := &MashView{
			MashID:     b.Mash.MashID,
			RoundIndex: b.Mash.RoundIndex,
			Deadline:   b.Mash.Deadline,
			Reported:   make(map[string]bool, len(b.Mash.Reports)),
		}
		for uid := range b.Mash.Reports {
			mv.Reported[uid] = true
		}
		s.Mash = mv
	}
	return s
}

func newRoundView(r *Round) RoundView {
	closed := r.Status == RoundScored || r.Status == RoundTimedOut
	v := RoundView{
		Index:      r.Index,
		QuestionID: r.QuestionID,
		Prompt:     r.Prompt,
		Choices:    r.Choices,
		Status:     r.Status,
		TimeoutAt:  r.TimeoutAt,
		WinnerUID:  r.WinnerUID,
		Mashed:     r.Mashed,
	}
	if closed {
		v.CorrectAnswer = r.Answer
	}
	if len(r.Submissions) > 0 {
		v.Submissions = make(map[string]SubmissionView, len(r.Submissions))
		for uid, sub := range r.Submissions {
			sv := SubmissionView{SubmittedAt: sub.SubmittedAt}
			if closed {
				sv.Answer = sub.Answer
				correct := sub.Correct
				sv.Correct = &correct
			}
			v.Submissions[uid] = sv
		}
	}
	return v
}
