package battle

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	watchdogIdlePoll   = 5 * time.Second
	watchdogRetryWait  = time.Second
	watchdogDebounce   = 100 * time.Millisecond
	watchdogBatchSize  = 64
	watchdogNumWorkers = 4
)

// Watchdog sleeps until the earliest NextDeadline across live battles, then
// feeds the due ones to a small worker pool that calls Engine.ResolveDue.
// Engine.Wake re-arms the timer whenever a mutation may have produced a
// sooner deadline. Clients drive battles forward on the happy path; the
// watchdog is what keeps abandoned ones moving.
type Watchdog struct {
	engine *Engine
	logger zerolog.Logger

	workCh     chan BattleID
	inFlight   map[BattleID]bool
	inFlightMu sync.Mutex
}

func NewWatchdog(engine *Engine, logger zerolog.Logger) *Watchdog {
	return &Watchdog{
		engine:   engine,
		logger:   logger,
		workCh:   make(chan BattleID, watchdogNumWorkers*2),
		inFlight: map[BattleID]bool{},
	}
}

func (w *Watchdog) Run(ctx context.Context) error {
	clock := w.engine.clock
	store := w.engine.store
	wake := w.engine.Wake()

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer func() {
		cancelWorkers()
		close(w.workCh)
		wg.Wait()
	}()
	for i := 0; i < watchdogNumWorkers; i++ {
		wg.Add(1)
		go w.worker(workerCtx, &wg)
	}

	timer := clock.NewTimer(watchdogIdlePoll)
	defer timer.Stop()
	w.logger.Info().Int("workers", watchdogNumWorkers).Msg("battle watchdog started")

	for {
		select {
		case <-wake:
		default:
		}

		deadline, ok, err := store.EarliestDeadline(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("failed to fetch earliest deadline")
			if !w.sleep(ctx, timer, wake, watchdogRetryWait) {
				return nil
			}
			continue
		}
		if !ok {
			if !w.sleep(ctx, timer, wake, watchdogIdlePoll) {
				return nil
			}
			continue
		}

		if wait := deadline.Sub(clock.Now()); wait > 0 {
			if !w.sleep(ctx, timer, wake, wait) {
				return nil
			}
			continue
		}

		due, err := store.ListDue(ctx, clock.Now(), watchdogBatchSize)
		if err != nil {
			w.logger.Error().Err(err).Msg("failed to list due battles")
			if !w.sleep(ctx, timer, wake, watchdogRetryWait) {
				return nil
			}
			continue
		}

		queued := 0
		for _, b := range due {
			w.inFlightMu.Lock()
			if w.inFlight[b.BattleID] {
				w.inFlightMu.Unlock()
				continue
			}
			w.inFlight[b.BattleID] = true
			w.inFlightMu.Unlock()

			select {
			case <-ctx.Done():
				w.clearInFlight(b.BattleID)
				return nil
			case w.workCh <- b.BattleID:
				queued++
			}
		}
		// Everything due is already in flight; give the workers a moment
		// before re-reading deadlines.
		if queued == 0 {
			if !w.sleep(ctx, timer, wake, watchdogDebounce) {
				return nil
			}
		}
	}
}

// sleep waits for d, an early wake or shutdown. It reports false on shutdown.
func (w *Watchdog) sleep(ctx context.Context, timer clockwork.Timer, wake <-chan struct{}, d time.Duration) bool {
	timer.Reset(d)
	select {
	case <-timer.Chan():
		return true
	case <-wake:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Watchdog) worker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-w.workCh:
			if !ok {
				return
			}
			if _, err := w.engine.ResolveDue(ctx, id); err != nil {
				w.logger.Error().Err(err).Str("battleId", string(id)).Msg("failed to resolve due battle")
			}
			w.clearInFlight(id)
		}
	}
}

func (w *Watchdog) clearInFlight(id BattleID) {
	w.inFlightMu.Lock()
	delete(w.inFlight, id)
	w.inFlightMu.Unlock()
}
