package question

import (
	"context"
	"math/rand"

	"google.golang.org/api/iterator"

	"cloud.google.com/go/firestore"
)

const (
	FirestoreCollection = "questions"
)

type FirestoreStore struct {
	c          *firestore.Client
	collection string
}

func NewFirestoreStore(c *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		c:          c,
		collection: FirestoreCollection,
	}
}

func (s *FirestoreStore) GetQuestion(ctx context.Context, id string) (*Question, error) {
	ds, err := s.c.Collection(s.collection).Where("id", "==", id).Documents(ctx).Next()
	if err == iterator.Done {
		return nil, ErrQuestionNotFound
	}
	if err != nil {
		return nil, err
	}
	if !ds.Exists() {
		return nil, ErrQuestionNotFound
	}
	var q Question
	if err := ds.DataTo(&q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *FirestoreStore) PickForPool(ctx context.Context, poolID string, n int) ([]*Question, error) {
	iter := s.c.Collection(s.collection).Where("poolId", "==", poolID).Documents(ctx)
	defer iter.Stop()
	var qs []*Question
	for {
		ds, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var q Question
		if err := ds.DataTo(&q); err != nil {
			return nil, err
		}
		qs = append(qs, &q)
	}
	if len(qs) < n {
		return nil, ErrPoolExhausted
	}
	rand.Shuffle(len(qs), func(i, j int) {
		qs[i], qs[j] = qs[j], qs[i]
	})
	return qs[:n], nil
}
