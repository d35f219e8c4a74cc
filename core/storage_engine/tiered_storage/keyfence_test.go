package tiered_storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// held is the number of keys currently locked or waited on.
func (f *KeyFence) held() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locks)
}

func TestKeyFence_SerializesSameKey(t *testing.T) {
	f := NewKeyFence()
	ctx := context.Background()

	unlock, err := f.Lock(ctx, "k")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := f.Lock(ctx, "k")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first was held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
}

func TestKeyFence_LockHonorsContext(t *testing.T) {
	f := NewKeyFence()
	unlock, err := f.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Lock(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, f.held())
}

func TestKeyFence_DistinctKeysNeverWait(t *testing.T) {
	f := NewKeyFence()
	unlock, err := f.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	for i := 0; i < 512; i++ {
		u, err := f.Lock(ctx, fmt.Sprintf("other-%d", i))
		require.NoError(t, err)
		u()
	}

	unlock()
	unlock()
	require.Zero(t, f.held(), "released keys are forgotten")
}

func TestLocatorCache(t *testing.T) {
	c := NewLocatorCache(2, time.Hour)
	c.Note("a", HotTier)
	c.Note("b", ColdTier)

	tier, ok := c.Hint("b")
	require.True(t, ok)
	require.Equal(t, ColdTier, tier)

	c.Note("c", HotTier)
	require.Equal(t, 2, c.Len())
	_, ok = c.Hint("a")
	require.False(t, ok, "least recently used entry should be evicted")

	c.Forget("b")
	_, ok = c.Hint("b")
	require.False(t, ok)

	var disabled *LocatorCache
	disabled.Note("a", HotTier)
	_, ok = disabled.Hint("a")
	require.False(t, ok)
	require.Zero(t, disabled.Len())
}

func TestLocatorCache_EntriesExpire(t *testing.T) {
	c := NewLocatorCache(8, 20*time.Millisecond)
	c.Note("a", ColdTier)
	require.Eventually(t, func() bool {
		_, ok := c.Hint("a")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
