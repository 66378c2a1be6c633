package matchmaking

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const firestoreCollection = "matchmakingTickets"

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

func (s *FirestoreStore) doc(uid, poolID string) *firestore.DocumentRef {
	return s.c.Collection(s.collection).Doc(ticketKey(uid, poolID))
}

func (s *FirestoreStore) GetTicket(ctx context.Context, uid, poolID string) (*Ticket, error) {
	ds, err := s.doc(uid, poolID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	var t Ticket
	if err := ds.DataTo(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *FirestoreStore) PutTicket(ctx context.Context, t *Ticket) error {
	_, err := s.doc(t.UserID, t.PoolID).Set(ctx, t)
	return err
}

func (s *FirestoreStore) DeleteTicket(ctx context.Context, uid, poolID string) error {
	_, err := s.doc(uid, poolID).Delete(ctx)
	return err
}

func (s *FirestoreStore) FindWaiting(ctx context.Context, poolID, excludeUID string) (*Ticket, error) {
	iter := s.c.Collection(s.collection).
		Where("poolId", "==", poolID).
		Where("status", "==", StatusWaiting).
		OrderBy("queuedAt", firestore.Asc).
		Limit(2).
		Documents(ctx)
	defer iter.Stop()
	for {
		ds, err := iter.Next()
		if err == iterator.Done {
			return nil, ErrTicketNotFound
		}
		if err != nil {
			return nil, err
		}
		var t Ticket
		if err := ds.DataTo(&t); err != nil {
			return nil, err
		}
		if t.UserID == excludeUID {
			continue
		}
		return &t, nil
	}
}

func (s *FirestoreStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Ticket, error) {
	var stale []*Ticket
	collect := func(q firestore.Query) error {
		iter := q.Documents(ctx)
		defer iter.Stop()
		for {
			ds, err := iter.Next()
			if err == iterator.Done {
				return nil
			}
			if err != nil {
				return err
			}
			var t Ticket
			if err := ds.DataTo(&t); err != nil {
				return err
			}
			stale = append(stale, &t)
		}
	}
	col := s.c.Collection(s.collection)
	if err := collect(col.
		Where("status", "==", StatusWaiting).
		Where("queuedAt", "<", cutoff).
		Limit(limit)); err != nil {
		return nil, err
	}
	if err := collect(col.
		Where("status", "==", StatusMatched).
		Where("matchedAt", "<", cutoff).
		Limit(limit)); err != nil {
		return nil, err
	}
	return stale, nil
}
