package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"time"
)

// DefaultTTL bounds how long a stored response is replayed.
const DefaultTTL = 24 * time.Hour

// ErrKeyReused is returned when a key is presented with a different request.
var ErrKeyReused = errors.New("idempotency: key already used for a different request")

// State is the outcome of Begin.
type State int

const (
	// StateNew means the caller owns the key and must Complete or Abandon it.
	StateNew State = iota
	// StateInFlight means another request holds the key.
	StateInFlight
	// StateDone means Entry carries the stored response.
	StateDone
)

// Entry is a stored response keyed by scoped idempotency key.
type Entry struct {
	Fingerprint string
	Done        bool
	Status      int
	Header      map[string][]string
	Body        []byte
	ExpiresAt   time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store persists key reservations and completed responses.
type Store interface {
	Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (State, Entry, error)
	Complete(ctx context.Context, key string, entry Entry) error
	Abandon(ctx context.Context, key string) error
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

// docID hashes the scoped key so arbitrary client input is a valid document id.
func docID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// replayableHeader reports whether a response header is stored for replay.
// Hop-by-hop and per-response headers are regenerated by the server.
func replayableHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Content-Length", "Date", "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "Trailer", "X-Cloud-Trace-Context":
		return false
	}
	return true
}

// MemoryStore keeps entries in process. Used in tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Begin(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (State, Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := docID(key)
	entry, ok := s.entries[id]
	if !ok || entry.expired(now) {
		entry = Entry{Fingerprint: fingerprint, ExpiresAt: now.Add(ttl)}
		s.entries[id] = entry
		return StateNew, entry, nil
	}
	if entry.Fingerprint != fingerprint {
		return 0, Entry{}, ErrKeyReused
	}
	if entry.Done {
		return StateDone, entry, nil
	}
	return StateInFlight, entry, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := docID(key)
	if current, ok := s.entries[id]; ok && current.Fingerprint != entry.Fingerprint {
		return ErrKeyReused
	}
	entry.Done = true
	entry.Body = append([]byte(nil), entry.Body...)
	s.entries[id] = entry
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, docID(key))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.entries {
		if limit > 0 && removed >= limit {
			break
		}
		if entry.expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}
