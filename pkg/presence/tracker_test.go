package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minakawa-daiki/quizduel/pkg/battle"
)

type presenceCall struct {
	uid       string
	connected bool
}

type fakeSink struct {
	mu    sync.Mutex
	calls []presenceCall
}

func (f *fakeSink) SetConnected(ctx context.Context, id battle.BattleID, uid string, connected bool) (*battle.Battle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, presenceCall{uid: uid, connected: connected})
	return nil, nil
}

func (f *fakeSink) snapshot() []presenceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]presenceCall(nil), f.calls...)
}

func TestTouchOpensLeaseOnce(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{}
	clock := clockwork.NewFakeClock()
	tr := NewTracker(sink, clock, 10*time.Second, zerolog.Nop())

	require.NoError(t, tr.Touch(ctx, "b1", "alice"))
	require.NoError(t, tr.Touch(ctx, "b1", "alice"))
	require.NoError(t, tr.Touch(ctx, "b1", "bob"))

	calls := sink.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, presenceCall{uid: "alice", connected: true}, calls[0])
	assert.Equal(t, presenceCall{uid: "bob", connected: true}, calls[1])
}

func TestReleaseMarksDisconnected(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{}
	tr := NewTracker(sink, clockwork.NewFakeClock(), 10*time.Second, zerolog.Nop())

	require.NoError(t, tr.Touch(ctx, "b1", "alice"))
	tr.Release(ctx, "b1", "alice")
	// Releasing an absent lease stays quiet.
	tr.Release(ctx, "b1", "alice")

	calls := sink.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, presenceCall{uid: "alice", connected: false}, calls[1])
}

func TestLapsedLeaseMarksDisconnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &fakeSink{}
	clock := clockwork.NewFakeClock()
	tr := NewTracker(sink, clock, 10*time.Second, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Run(ctx)
	}()

	require.NoError(t, tr.Touch(ctx, "b1", "alice"))

	require.Eventually(t, func() bool {
		clock.Advance(5 * time.Second)
		for _, c := range sink.snapshot() {
			if c.uid == "alice" && !c.connected {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	// A later heartbeat opens a fresh lease.
	require.NoError(t, tr.Touch(ctx, "b1", "alice"))
	calls := sink.snapshot()
	assert.Equal(t, presenceCall{uid: "alice", connected: true}, calls[len(calls)-1])

	cancel()
	<-done
}

func TestRenewedLeaseNeverLapses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &fakeSink{}
	clock := clockwork.NewFakeClock()
	tr := NewTracker(sink, clock, 10*time.Second, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Run(ctx)
	}()

	require.NoError(t, tr.Touch(ctx, "b1", "alice"))
	for i := 0; i < 6; i++ {
		clock.Advance(4 * time.Second)
		require.NoError(t, tr.Touch(ctx, "b1", "alice"))
	}

	for _, c := range sink.snapshot() {
		assert.True(t, c.connected)
	}

	cancel()
	<-done
}
