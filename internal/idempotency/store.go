package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/clearing-core/internal/storage"
)

// ErrFingerprintMismatch is returned when a client reuses an
// idempotency key for a request whose fingerprint differs from the
// one the key was first used with.
var ErrFingerprintMismatch = errors.New("idempotency: key reused for a different request")

// reservation tracks an in-flight request so concurrent callers
// carrying the same key wait for the first to finish instead of both
// racing into the ledger. Mirrors the gateway proxy's dedup cache, but
// backed by a durable Record once the first caller completes.
type reservation struct {
	fingerprint string
	done        chan struct{}
	txID        string
	err         error
}

// Store coordinates idempotent execution on top of a storage.Adapter.
// In-flight reservations live only in process memory (a retry arriving
// a few milliseconds after the original, while it is still inside its
// database transaction, must wait rather than double-execute); once
// the original completes, the durable record is what later calls —
// including calls after a process restart — are checked against.
type Store struct {
	db storage.Adapter

	mu    sync.Mutex
	inFlight map[string]*reservation
}

// New wraps a storage.Adapter with idempotency bookkeeping.
func New(db storage.Adapter) *Store {
	return &Store{db: db, inFlight: make(map[string]*reservation)}
}

// Outcome is what a caller should do having consulted the store.
type Outcome int

const (
	// Proceed means this is a new key: execute the request, then call
	// Store.Complete or Store.Cancel with the same key.
	Proceed Outcome = iota
	// Replay means a prior call already produced txID; return it
	// directly without re-executing anything.
	Replay
)

// Begin checks key against in-flight reservations and the durable
// record. If a completed record exists with a matching fingerprint,
// it returns (Replay, txID, nil). If one exists with a mismatched
// fingerprint, it returns ErrFingerprintMismatch. If another goroutine
// is currently processing the same key, Begin blocks until it finishes
// (or ctx is cancelled) and then re-evaluates. Otherwise it reserves
// the key and returns (Proceed, "", nil); the caller must follow up
// with Complete or Cancel.
func (s *Store) Begin(ctx context.Context, key, fingerprint string) (Outcome, string, error) {
	if key == "" {
		return Proceed, "", nil
	}

	s.mu.Lock()
	if r, ok := s.inFlight[key]; ok {
		done := r.done
		s.mu.Unlock()
		select {
		case <-done:
			return s.Begin(ctx, key, fingerprint)
		case <-ctx.Done():
			return Proceed, "", ctx.Err()
		}
	}
	s.inFlight[key] = &reservation{fingerprint: fingerprint, done: make(chan struct{})}
	s.mu.Unlock()

	rec, err := s.db.GetIdempotencyRecord(ctx, key)
	if err == nil {
		s.release(key, nil)
		if rec.RequestFingerprint != fingerprint {
			return Proceed, "", ErrFingerprintMismatch
		}
		return Replay, rec.TransactionID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		s.release(key, nil)
		return Proceed, "", err
	}
	return Proceed, "", nil
}

// Complete persists the durable record for key and releases any
// waiters so they observe the replay path.
func (s *Store) Complete(ctx context.Context, key, fingerprint, txID string) error {
	if key == "" {
		return nil
	}
	defer s.release(key, nil)
	return s.db.SaveIdempotencyRecord(ctx, &storage.IdempotencyRecord{
		Key:                key,
		TransactionID:      txID,
		RequestFingerprint: fingerprint,
		CreatedAt:          time.Now(),
	})
}

// Cancel releases the reservation without persisting a record, for
// when request processing failed and should be retryable.
func (s *Store) Cancel(key string) {
	if key == "" {
		return
	}
	s.release(key, nil)
}

func (s *Store) release(key string, err error) {
	s.mu.Lock()
	r, ok := s.inFlight[key]
	if ok {
		delete(s.inFlight, key)
	}
	s.mu.Unlock()
	if ok {
		r.err = err
		close(r.done)
	}
}

// Sweep purges durable records older than retention, returning the
// count removed. Intended to be called periodically (e.g. by the
// scheduler's ticker loop) so the idempotency table does not grow
// unbounded; spec requires at least 24h retention before a key may be
// purged.
func (s *Store) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention).UnixNano()
	return s.db.PurgeIdempotencyRecordsBefore(ctx, cutoff)
}
