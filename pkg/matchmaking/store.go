package matchmaking

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var ErrTicketNotFound = errors.New("ticket not found")

// Store persists queue tickets. Serialization is the Queue's job: every
// mutation happens under the owning pool's lock, so the store itself stays a
// plain CRUD surface.
type Store interface {
	GetTicket(ctx context.Context, uid, poolID string) (*Ticket, error)
	PutTicket(ctx context.Context, t *Ticket) error
	DeleteTicket(ctx context.Context, uid, poolID string) error
	// FindWaiting returns the longest-waiting ticket in the pool that does
	// not belong to excludeUID, or ErrTicketNotFound.
	FindWaiting(ctx context.Context, poolID, excludeUID string) (*Ticket, error)
	// ListStale returns tickets whose queue (waiting) or match (matched)
	// moment lies before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Ticket, error)
}

type InMemoryStore struct {
	mu      sync.RWMutex
	tickets map[string]*Ticket
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tickets: map[string]*Ticket{}}
}

func ticketKey(uid, poolID string) string {
	return uid + "/" + poolID
}

func (s *InMemoryStore) GetTicket(ctx context.Context, uid, poolID string) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[ticketKey(uid, poolID)]
	if !ok {
		return nil, errors.WithStack(ErrTicketNotFound)
	}
	tc := *t
	return &tc, nil
}

func (s *InMemoryStore) PutTicket(ctx context.Context, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc := *t
	s.tickets[ticketKey(t.UserID, t.PoolID)] = &tc
	return nil
}

func (s *InMemoryStore) DeleteTicket(ctx context.Context, uid, poolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tickets, ticketKey(uid, poolID))
	return nil
}

func (s *InMemoryStore) FindWaiting(ctx context.Context, poolID, excludeUID string) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *Ticket
	for _, t := range s.tickets {
		if t.PoolID != poolID || t.Status != StatusWaiting || t.UserID == excludeUID {
			continue
		}
		if oldest == nil || t.QueuedAt.Before(oldest.QueuedAt) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, errors.WithStack(ErrTicketNotFound)
	}
	tc := *oldest
	return &tc, nil
}

func (s *InMemoryStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []*Ticket
	for _, t := range s.tickets {
		ref := t.QueuedAt
		if t.Status == StatusMatched {
			ref = t.MatchedAt
		}
		if ref.Before(cutoff) {
			tc := *t
			stale = append(stale, &tc)
		}
		if limit > 0 && len(stale) >= limit {
			break
		}
	}
	return stale, nil
}
