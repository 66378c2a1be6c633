package battle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// startMash parks the round in the rapid-tap tie-break. Live tap counts are
// advisory and travel over the realtime feed; only the final reports
// collected here decide the round.
func (e *Engine) startMash(b *Battle, r *Round, now time.Time) {
	r.Status = RoundMash
	b.Mash = &Mash{
		MashID:     uuid.Must(uuid.NewRandom()).String(),
		RoundIndex: r.Index,
		Deadline:   now.Add(e.rules.MashDuration),
		Reports:    map[string]*MashReport{},
	}
	e.transition(b, StatusMash, now)
}

// SubmitMashResult records a player's authoritative tap count for the active
// tie-break. The second report (or the deadline) resolves the round.
func (e *Engine) SubmitMashResult(ctx context.Context, id BattleID, uid string, mashID string, taps int) (*Battle, error) {
	if taps < 0 {
		return nil, errors.Errorf("negative tap count: %d", taps)
	}
	return e.update(ctx, id, func(b *Battle) error {
		if b.Player(uid) == nil {
			return errors.WithStack(ErrNotPlayer)
		}
		if b.Finished() {
			return errors.WithStack(ErrBattleFinished)
		}
		if b.Status != StatusMash || b.Mash == nil {
			return errors.WithStack(ErrMashNotActive)
		}
		if mashID != "" && mashID != b.Mash.MashID {
			return errors.WithStack(ErrMashNotActive)
		}
		if _, ok := b.Mash.Reports[uid]; ok {
			return errors.WithStack(ErrMashAlreadyTallied)
		}
		b.Mash.Reports[uid] = &MashReport{Taps: taps, ReportedAt: e.clock.Now()}
		if len(b.Mash.Reports) == len(b.Players) {
			e.resolveMash(b, e.clock.Now())
		}
		return nil
	})
}

// resolveMash scores the tie-break round. Higher tap count wins; equal counts
// go to the earlier report; a player who never reported counts as zero taps,
// so a sole reporter wins. Nobody reporting leaves the round without a
// winner and no damage lands.
func (e *Engine) resolveMash(b *Battle, now time.Time) {
	m := b.Mash
	r := b.Rounds[m.RoundIndex]

	type tally struct {
		uid    string
		report *MashReport
	}
	ts := make([]tally, 0, 2)
	for uid, rep := range m.Reports {
		ts = append(ts, tally{uid: uid, report: rep})
	}

	winner := ""
	switch len(ts) {
	case 1:
		winner = ts[0].uid
	case 2:
		a, c := ts[0], ts[1]
		switch {
		case a.report.Taps > c.report.Taps:
			winner = a.uid
		case c.report.Taps > a.report.Taps:
			winner = c.uid
		case a.report.ReportedAt.Before(c.report.ReportedAt):
			winner = a.uid
		case c.report.ReportedAt.Before(a.report.ReportedAt):
			winner = c.uid
		}
	}
	e.scoreRound(b, r, winner, true, false, now)
}
