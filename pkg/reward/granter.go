package reward

import (
	"context"

	"github.com/minakawa-daiki/quizduel/pkg/battle"
	"github.com/rs/zerolog"
)

// Granter hands a finished battle to whatever system pays out points and
// cosmetics. Grant runs exactly once per battle; implementations own their
// own retries and idempotency.
type Granter interface {
	Grant(ctx context.Context, b *battle.Battle) error
}

// LogGranter records the hand-off and nothing else. The payout service
// proper lives outside this module.
type LogGranter struct {
	logger zerolog.Logger
}

func NewLogGranter(logger zerolog.Logger) *LogGranter {
	return &LogGranter{logger: logger}
}

func (g *LogGranter) Grant(ctx context.Context, b *battle.Battle) error {
	if b.Result == nil {
		return nil
	}
	g.logger.Info().
		Str("battleId", string(b.BattleID)).
		Str("winnerUid", b.Result.WinnerUID).
		Str("reason", string(b.Result.Reason)).
		Int("rounds", len(b.Result.PerRound)).
		Msg("reward hand-off")
	return nil
}

// FinishHook adapts a Granter to the battle engine's finish callback.
func FinishHook(g Granter, logger zerolog.Logger) battle.FinishHook {
	return func(b *battle.Battle) {
		if err := g.Grant(context.Background(), b); err != nil {
			logger.Error().Err(err).Str("battleId", string(b.BattleID)).Msg("failed to grant rewards")
		}
	}
}
