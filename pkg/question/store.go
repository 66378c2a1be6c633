package question

import (
	"context"
	"errors"
	"math/rand"
	"sync"
)

var (
	ErrQuestionNotFound = errors.New("question not found")
	ErrPoolExhausted    = errors.New("not enough questions in pool")
)

type Store interface {
	GetQuestion(ctx context.Context, id string) (*Question, error)
	// PickForPool returns n distinct questions from the given pool.
	PickForPool(ctx context.Context, poolID string, n int) ([]*Question, error)
}

type InMemoryStore struct {
	questions map[string]*Question
	pools     map[string][]string
	mu        sync.RWMutex
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		questions: make(map[string]*Question),
		pools:     make(map[string][]string),
	}
}

func (s *InMemoryStore) AddQuestion(ctx context.Context, q *Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.questions[q.ID]; !ok {
		s.pools[q.PoolID] = append(s.pools[q.PoolID], q.ID)
	}
	s.questions[q.ID] = q
	return nil
}

func (s *InMemoryStore) GetQuestion(ctx context.Context, id string) (*Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.questions[id]
	if !ok {
		return nil, ErrQuestionNotFound
	}
	return q, nil
}

func (s *InMemoryStore) PickForPool(ctx context.Context, poolID string, n int) ([]*Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.pools[poolID]
	if len(ids) < n {
		return nil, ErrPoolExhausted
	}
	picked := make([]string, len(ids))
	copy(picked, ids)
	rand.Shuffle(len(picked), func(i, j int) {
		picked[i], picked[j] = picked[j], picked[i]
	})
	qs := make([]*Question, 0, n)
	for _, id := range picked[:n] {
		qs = append(qs, s.questions[id])
	}
	return qs, nil
}
