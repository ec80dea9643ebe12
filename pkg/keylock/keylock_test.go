package keylock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerializesSameKey(t *testing.T) {
	m := New()

	var inCritical, maxInCritical int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("alice")
			defer unlock()

			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInCritical)
	assert.Equal(t, 0, m.Len(), "idle entries must be evicted")
}

func TestDifferentKeysDoNotBlockEachOther(t *testing.T) {
	m := New()

	unlockA := m.Lock("alice")
	defer unlockA()

	acquired := make(chan struct{})
	go func() {
		unlock := m.Lock("bob")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key should not block")
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	m := New()

	unlock := m.Lock("alice")
	unlock()
	require.NotPanics(t, unlock)

	// The key is reusable after release.
	unlock2 := m.Lock("alice")
	unlock2()
	assert.Equal(t, 0, m.Len())
}
