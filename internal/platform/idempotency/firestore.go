package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/printcraft/api/internal/platform/firestore"
)

const defaultCollection = "idempotency_keys"

type keyDocument struct {
	Fingerprint string              `firestore:"fingerprint"`
	Done        bool                `firestore:"done"`
	Status      int                 `firestore:"status,omitempty"`
	Header      map[string][]string `firestore:"header,omitempty"`
	Body        []byte              `firestore:"body,omitempty"`
	ExpiresAt   time.Time           `firestore:"expiresAt"`
}

func (d keyDocument) entry() Entry {
	return Entry{
		Fingerprint: d.Fingerprint,
		Done:        d.Done,
		Status:      d.Status,
		Header:      d.Header,
		Body:        d.Body,
		ExpiresAt:   d.ExpiresAt,
	}
}

// FirestoreStore keeps idempotency entries in Firestore. Set a TTL policy on
// expiresAt in production; Purge covers environments without one.
type FirestoreStore struct {
	provider *pfirestore.Provider
	keys     *pfirestore.Collection[keyDocument]
	name     string
}

// NewFirestoreStore returns a store writing to collection (default idempotency_keys).
func NewFirestoreStore(provider *pfirestore.Provider, collection string) *FirestoreStore {
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{
		provider: provider,
		keys:     pfirestore.NewCollection[keyDocument](provider, collection),
		name:     collection,
	}
}

func (s *FirestoreStore) Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (State, Entry, error) {
	ref, err := s.keys.DocumentRef(ctx, docID(key))
	if err != nil {
		return 0, Entry{}, err
	}

	var (
		state State
		entry Entry
	)
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && !isNotFound(err) {
			return err
		}
		if err == nil {
			var doc keyDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if current := doc.entry(); !current.expired(now) {
				if current.Fingerprint != fingerprint {
					return ErrKeyReused
				}
				entry = current
				state = StateInFlight
				if current.Done {
					state = StateDone
				}
				return nil
			}
		}
		doc := keyDocument{Fingerprint: fingerprint, ExpiresAt: now.Add(ttl)}
		entry, state = doc.entry(), StateNew
		return tx.Set(ref, doc)
	})
	if err != nil {
		return 0, Entry{}, err
	}
	return state, entry, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, key string, entry Entry) error {
	ref, err := s.keys.DocumentRef(ctx, docID(key))
	if err != nil {
		return err
	}
	return s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var doc keyDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if doc.Fingerprint != entry.Fingerprint {
				return ErrKeyReused
			}
		case !isNotFound(err):
			return err
		}
		return tx.Set(ref, keyDocument{
			Fingerprint: entry.Fingerprint,
			Done:        true,
			Status:      entry.Status,
			Header:      entry.Header,
			Body:        entry.Body,
			ExpiresAt:   entry.ExpiresAt,
		})
	})
}

func (s *FirestoreStore) Abandon(ctx context.Context, key string) error {
	ref, err := s.keys.DocumentRef(ctx, docID(key))
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && !isNotFound(err) {
		return pfirestore.WrapError(s.name+".abandon", err)
	}
	return nil
}

func (s *FirestoreStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	expired, err := s.keys.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("expiresAt", "<=", now).Limit(limit)
	})
	if err != nil || len(expired) == 0 {
		return 0, err
	}

	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	bw := client.BulkWriter(ctx)
	for _, doc := range expired {
		ref, err := s.keys.DocumentRef(ctx, doc.ID)
		if err != nil {
			return 0, err
		}
		if _, err := bw.Delete(ref); err != nil {
			return 0, pfirestore.WrapError(s.name+".purge", err)
		}
	}
	bw.End()
	return len(expired), nil
}

func isNotFound(err error) bool {
	var fsErr *pfirestore.Error
	if errors.As(pfirestore.WrapError("", err), &fsErr) {
		return fsErr.IsNotFound()
	}
	return false
}
