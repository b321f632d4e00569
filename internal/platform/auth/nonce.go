package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/printcraft/api/internal/platform/firestore"
)

// MemoryNonceStore keeps nonces in process. Replays that land on another
// instance are not caught; use FirestoreNonceStore when running more than one.
type MemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]time.Time
}

// NewMemoryNonceStore returns an empty MemoryNonceStore.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{now: time.Now, nonces: make(map[string]time.Time)}
}

func (s *MemoryNonceStore) Use(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.nonces {
		if !now.Before(exp) {
			delete(s.nonces, k)
		}
	}
	key := scope + "\x00" + nonce
	if _, seen := s.nonces[key]; seen {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

type nonceDocument struct {
	Scope     string    `firestore:"scope"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

// FirestoreNonceStore shares seen nonces across instances. Configure a TTL
// policy on expiresAt so documents are reclaimed.
type FirestoreNonceStore struct {
	provider *pfirestore.Provider
	nonces   *pfirestore.Collection[nonceDocument]
	now      func() time.Time
}

// NewFirestoreNonceStore stores nonces in the webhook_nonces collection.
func NewFirestoreNonceStore(provider *pfirestore.Provider) *FirestoreNonceStore {
	return &FirestoreNonceStore{
		provider: provider,
		nonces:   pfirestore.NewCollection[nonceDocument](provider, "webhook_nonces"),
		now:      time.Now,
	}
}

func (s *FirestoreNonceStore) Use(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	sum := sha256.Sum256([]byte(scope + "\x00" + nonce))
	ref, err := s.nonces.DocumentRef(ctx, hex.EncodeToString(sum[:]))
	if err != nil {
		return false, err
	}

	fresh := false
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		fresh = false
		snap, err := tx.Get(ref)
		if err == nil {
			var doc nonceDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if s.now().Before(doc.ExpiresAt) {
				return nil
			}
		} else if !isNotFound(err) {
			return err
		}
		fresh = true
		return tx.Set(ref, nonceDocument{Scope: scope, ExpiresAt: expiry})
	})
	if err != nil {
		return false, err
	}
	return fresh, nil
}

func isNotFound(err error) bool {
	fsErr, ok := pfirestore.WrapError("", err).(*pfirestore.Error)
	return ok && fsErr.IsNotFound()
}
