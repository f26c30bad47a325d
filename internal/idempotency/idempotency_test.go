package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/clearing-core/internal/storage"
)

func TestFingerprint_StableAcrossMapOrder(t *testing.T) {
	f1 := TransferFields("a", "b", "10.00", "transfer", "memo")
	f2 := TransferFields("a", "b", "10.00", "transfer", "memo")
	assert.Equal(t, Fingerprint(f1), Fingerprint(f2))

	f3 := TransferFields("a", "b", "10.01", "transfer", "memo")
	assert.NotEqual(t, Fingerprint(f1), Fingerprint(f3))
}

func TestStore_BeginCompleteReplay(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryAdapter())
	fp := Fingerprint(TransferFields("a", "b", "10", "transfer", ""))

	outcome, _, err := s.Begin(ctx, "key1", fp)
	require.NoError(t, err)
	assert.Equal(t, Proceed, outcome)

	require.NoError(t, s.Complete(ctx, "key1", fp, "tx_1"))

	outcome, txID, err := s.Begin(ctx, "key1", fp)
	require.NoError(t, err)
	assert.Equal(t, Replay, outcome)
	assert.Equal(t, "tx_1", txID)
}

func TestStore_FingerprintMismatch(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryAdapter())
	fp := Fingerprint(TransferFields("a", "b", "10", "transfer", ""))
	require.NoError(t, s.Complete(ctx, "key1", fp, "tx_1"))

	otherFP := Fingerprint(TransferFields("a", "b", "999", "transfer", ""))
	_, _, err := s.Begin(ctx, "key1", otherFP)
	assert.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestStore_CancelAllowsRetry(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryAdapter())
	fp := Fingerprint(TransferFields("a", "b", "10", "transfer", ""))

	outcome, _, err := s.Begin(ctx, "key1", fp)
	require.NoError(t, err)
	assert.Equal(t, Proceed, outcome)
	s.Cancel("key1")

	outcome, _, err = s.Begin(ctx, "key1", fp)
	require.NoError(t, err)
	assert.Equal(t, Proceed, outcome)
}

func TestStore_ConcurrentBeginWaitsForFirst(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryAdapter())
	fp := Fingerprint(TransferFields("a", "b", "10", "transfer", ""))

	outcome, _, err := s.Begin(ctx, "key1", fp)
	require.NoError(t, err)
	require.Equal(t, Proceed, outcome)

	var wg sync.WaitGroup
	results := make(chan Outcome, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		outcome, _, err := s.Begin(ctx, "key1", fp)
		require.NoError(t, err)
		results <- outcome
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Complete(ctx, "key1", fp, "tx_1"))
	wg.Wait()

	assert.Equal(t, Replay, <-results)
}

func TestStore_Sweep(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemoryAdapter()
	s := New(db)
	fp := Fingerprint(TransferFields("a", "b", "10", "transfer", ""))
	require.NoError(t, s.Complete(ctx, "key1", fp, "tx_1"))

	n, err := s.Sweep(ctx, -time.Hour) // cutoff in the future: everything is "old"
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = db.GetIdempotencyRecord(ctx, "key1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
