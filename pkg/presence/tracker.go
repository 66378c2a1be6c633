package presence

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/minakawa-daiki/quizduel/pkg/battle"
)

const DefaultLeaseTTL = 10 * time.Second

// ConnectionSink consumes presence transitions. The battle engine implements
// it; a disconnect there arms the forfeit grace window.
type ConnectionSink interface {
	SetConnected(ctx context.Context, id battle.BattleID, uid string, connected bool) (*battle.Battle, error)
}

type leaseKey struct {
	battleID battle.BattleID
	uid      string
}

// Tracker turns heartbeats into connected/disconnected signals. A client that
// may vanish without notice never gets to push an "I'm leaving" event, so
// liveness is a lease: renew it or be declared gone when it lapses.
type Tracker struct {
	sink   ConnectionSink
	clock  clockwork.Clock
	logger zerolog.Logger
	ttl    time.Duration

	mu     sync.Mutex
	leases map[leaseKey]time.Time
}

func NewTracker(sink ConnectionSink, clock clockwork.Clock, ttl time.Duration, logger zerolog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Tracker{
		sink:   sink,
		clock:  clock,
		logger: logger,
		ttl:    ttl,
		leases: map[leaseKey]time.Time{},
	}
}

// Touch renews the player's lease, creating it on first contact. Any
// authenticated activity counts as a heartbeat.
func (t *Tracker) Touch(ctx context.Context, id battle.BattleID, uid string) error {
	k := leaseKey{battleID: id, uid: uid}
	t.mu.Lock()
	_, existed := t.leases[k]
	t.leases[k] = t.clock.Now().Add(t.ttl)
	t.mu.Unlock()
	if existed {
		return nil
	}
	if _, err := t.sink.SetConnected(ctx, id, uid, true); err != nil {
		t.mu.Lock()
		delete(t.leases, k)
		t.mu.Unlock()
		return err
	}
	t.logger.Debug().Str("battleId", string(id)).Str("uid", uid).Msg("presence lease opened")
	return nil
}

// Release drops the lease immediately, for the one graceful case we do get:
// the feed connection closing under our feet.
func (t *Tracker) Release(ctx context.Context, id battle.BattleID, uid string) {
	k := leaseKey{battleID: id, uid: uid}
	t.mu.Lock()
	_, existed := t.leases[k]
	delete(t.leases, k)
	t.mu.Unlock()
	if !existed {
		return
	}
	t.markGone(ctx, k)
}

// Run sweeps lapsed leases until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(t.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			for _, k := range t.expire() {
				t.markGone(ctx, k)
			}
		}
	}
}

func (t *Tracker) expire() []leaseKey {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var lapsed []leaseKey
	for k, expiresAt := range t.leases {
		if !expiresAt.After(now) {
			lapsed = append(lapsed, k)
			delete(t.leases, k)
		}
	}
	return lapsed
}

func (t *Tracker) markGone(ctx context.Context, k leaseKey) {
	if _, err := t.sink.SetConnected(ctx, k.battleID, k.uid, false); err != nil {
		t.logger.Debug().Err(err).
			Str("battleId", string(k.battleID)).
			Str("uid", k.uid).
			Msg("failed to mark player disconnected")
		return
	}
	t.logger.Info().Str("battleId", string(k.battleID)).Str("uid", k.uid).Msg("presence lease lapsed")
}
