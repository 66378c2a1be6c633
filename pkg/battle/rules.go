package battle

import "time"

// Rules are the tunable match parameters. Zero fields are filled from
// DefaultRules by the engine.
type Rules struct {
	TotalRounds  int
	MaxHP        int
	DamagePerHit int

	// RoundTimeout bounds how long a round accepts answers.
	RoundTimeout time.Duration
	// ResultAdvanceAfter is how long a battle may sit in roundResult before
	// the watchdog starts the next round on behalf of stalled clients.
	ResultAdvanceAfter time.Duration
	// MashDuration bounds the tie-break tap window.
	MashDuration time.Duration
	// SimultaneityWindow is the tolerance within which two correct answers
	// count as simultaneous.
	SimultaneityWindow time.Duration
	// MatchDuration caps the whole battle; EndsAt = CreatedAt + MatchDuration.
	MatchDuration time.Duration
	// ForfeitAfter is the disconnect grace before the remaining player wins.
	ForfeitAfter time.Duration

	// MashOnBothCorrect triggers the tie-break when both answers are correct
	// and land within SimultaneityWindow of each other.
	MashOnBothCorrect bool
	// MashOnBothIncorrect triggers the tie-break when both players submitted
	// and both answers are wrong.
	MashOnBothIncorrect bool
}

func DefaultRules() Rules {
	return Rules{
		TotalRounds:         5,
		MaxHP:               100,
		DamagePerHit:        20,
		RoundTimeout:        20 * time.Second,
		ResultAdvanceAfter:  5 * time.Second,
		MashDuration:        5 * time.Second,
		SimultaneityWindow:  100 * time.Millisecond,
		MatchDuration:       10 * time.Minute,
		ForfeitAfter:        30 * time.Second,
		MashOnBothCorrect:   true,
		MashOnBothIncorrect: true,
	}
}

func (r Rules) withDefaults() Rules {
	d := DefaultRules()
	if r.TotalRounds <= 0 {
		r.TotalRounds = d.TotalRounds
	}
	if r.MaxHP <= 0 {
		r.MaxHP = d.MaxHP
	}
	if r.DamagePerHit <= 0 {
		r.DamagePerHit = d.DamagePerHit
	}
	if r.RoundTimeout <= 0 {
		r.RoundTimeout = d.RoundTimeout
	}
	if r.ResultAdvanceAfter <= 0 {
		r.ResultAdvanceAfter = d.ResultAdvanceAfter
	}
	if r.MashDuration <= 0 {
		r.MashDuration = d.MashDuration
	}
	if r.SimultaneityWindow <= 0 {
		r.SimultaneityWindow = d.SimultaneityWindow
	}
	if r.MatchDuration <= 0 {
		r.MatchDuration = d.MatchDuration
	}
	if r.ForfeitAfter <= 0 {
		r.ForfeitAfter = d.ForfeitAfter
	}
	return r
}
