package battle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var ErrBattleNotFound = errors.New("battle not found")

// Store persists battles. UpdateBattle runs mutate inside the battle's
// critical section, so every rule decision sees a consistent snapshot and
// concurrent commands are linearized per battle.
type Store interface {
	CreateBattle(ctx context.Context, b *Battle) error
	GetBattle(ctx context.Context, id BattleID) (*Battle, error)
	UpdateBattle(ctx context.Context, id BattleID, mutate func(b *Battle) error) (*Battle, error)
	// ListDue returns up to limit unfinished battles whose NextDeadline is at
	// or before now, earliest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Battle, error)
	// EarliestDeadline reports the soonest NextDeadline among unfinished
	// battles. ok is false when none are live.
	EarliestDeadline(ctx context.Context) (deadline time.Time, ok bool, err error)
}

type inMemoryEntry struct {
	mu     sync.Mutex
	battle *Battle
}

type InMemoryStore struct {
	mu      sync.RWMutex
	battles map[BattleID]*inMemoryEntry
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{battles: map[BattleID]*inMemoryEntry{}}
}

func (s *InMemoryStore) CreateBattle(ctx context.Context, b *Battle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.battles[b.BattleID]; ok {
		return errors.Errorf("battle already exists: %s", b.BattleID)
	}
	s.battles[b.BattleID] = &inMemoryEntry{battle: b.clone()}
	return nil
}

func (s *InMemoryStore) GetBattle(ctx context.Context, id BattleID) (*Battle, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.battle.clone(), nil
}

func (s *InMemoryStore) UpdateBattle(ctx context.Context, id BattleID, mutate func(b *Battle) error) (*Battle, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// Mutate a copy and swap on success so an aborted update leaves nothing
	// behind, same as the Firestore transaction.
	work := e.battle.clone()
	if err := mutate(work); err != nil {
		return nil, err
	}
	e.battle = work
	return work.clone(), nil
}

func (s *InMemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Battle, error) {
	s.mu.RLock()
	entries := make([]*inMemoryEntry, 0, len(s.battles))
	for _, e := range s.battles {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var due []*Battle
	for _, e := range entries {
		e.mu.Lock()
		if !e.battle.Finished() && !e.battle.NextDeadline.After(now) {
			due = append(due, e.battle.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextDeadline.Before(due[j].NextDeadline) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) EarliestDeadline(ctx context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	entries := make([]*inMemoryEntry, 0, len(s.battles))
	for _, e := range s.battles {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var earliest time.Time
	found := false
	for _, e := range entries {
		e.mu.Lock()
		if !e.battle.Finished() && (!found || e.battle.NextDeadline.Before(earliest)) {
			earliest = e.battle.NextDeadline
			found = true
		}
		e.mu.Unlock()
	}
	return earliest, found, nil
}

func (s *InMemoryStore) entry(id BattleID) (*inMemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.battles[id]
	if !ok {
		return nil, errors.WithStack(ErrBattleNotFound)
	}
	return e, nil
}
