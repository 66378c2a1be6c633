package battle

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const firestoreCollection = "battles"

var liveStatuses = []Status{StatusQuestion, StatusRoundResult, StatusMash}

// FirestoreStore keeps one document per battle, keyed by BattleID.
// UpdateBattle runs inside a Firestore transaction, which gives the same
// per-battle serialization the in-memory store gets from its mutex.
type FirestoreStore struct {
	c          *firestore.Client
	collection string
}

var _ Store = &FirestoreStore{}

func NewFirestoreStore(c *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		c:          c,
		collection: firestoreCollection,
	}
}

func (s *FirestoreStore) CreateBattle(ctx context.Context, b *Battle) error {
	_, err := s.c.Collection(s.collection).Doc(string(b.BattleID)).Create(ctx, b)
	return err
}

func (s *FirestoreStore) GetBattle(ctx context.Context, id BattleID) (*Battle, error) {
	ds, err := s.c.Collection(s.collection).Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrBattleNotFound
		}
		return nil, err
	}
	var b Battle
	if err := ds.DataTo(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *FirestoreStore) UpdateBattle(ctx context.Context, id BattleID, mutate func(b *Battle) error) (*Battle, error) {
	ref := s.c.Collection(s.collection).Doc(string(id))
	var updated *Battle
	err := s.c.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ds, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrBattleNotFound
			}
			return err
		}
		var b Battle
		if err := ds.DataTo(&b); err != nil {
			return err
		}
		if err := mutate(&b); err != nil {
			return err
		}
		if err := tx.Set(ref, &b); err != nil {
			return err
		}
		updated = &b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *FirestoreStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Battle, error) {
	q := s.c.Collection(s.collection).
		Where("status", "in", liveStatuses).
		Where("nextDeadline", "<=", now).
		OrderBy("nextDeadline", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var due []*Battle
	for {
		ds, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var b Battle
		if err := ds.DataTo(&b); err != nil {
			return nil, err
		}
		due = append(due, &b)
	}
	return due, nil
}

func (s *FirestoreStore) EarliestDeadline(ctx context.Context) (time.Time, bool, error) {
	ds, err := s.c.Collection(s.collection).
		Where("status", "in", liveStatuses).
		OrderBy("nextDeadline", firestore.Asc).
		Limit(1).
		Documents(ctx).Next()
	if err == iterator.Done {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	var b Battle
	if err := ds.DataTo(&b); err != nil {
		return time.Time{}, false, err
	}
	return b.NextDeadline, true, nil
}
