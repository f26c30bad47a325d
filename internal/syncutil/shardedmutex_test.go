package syncutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShardedMutex_MutualExclusion(t *testing.T) {
	var mu ShardedMutex
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := mu.Lock("same-key")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

// findDistinctShardKeys returns two keys that land in different shards,
// so a test can assert they don't contend without risking a false
// failure from an unlucky same-shard pick.
func findDistinctShardKeys(t *testing.T) (string, string) {
	t.Helper()
	var mu ShardedMutex
	first := "key-0"
	firstShard := mu.shard(first)
	for i := 1; i < 512; i++ {
		candidate := "key-" + string(rune('a'+i%26)) + string(rune(i))
		if mu.shard(candidate) != firstShard {
			return first, candidate
		}
	}
	t.Fatal("could not find two keys landing in different shards")
	return "", ""
}

func TestShardedMutex_DifferentKeysDoNotBlockEachOther(t *testing.T) {
	keyA, keyB := findDistinctShardKeys(t)

	var mu ShardedMutex
	unlockA := mu.Lock(keyA)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := mu.Lock(keyB)
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different-shard key blocked behind an unrelated key")
	}
}

func TestShardedMutex_UnlockAllowsReacquisition(t *testing.T) {
	var mu ShardedMutex
	unlock := mu.Lock("k")
	unlock()

	acquired := make(chan struct{})
	go func() {
		mu.Lock("k")()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was not released")
	}
}
