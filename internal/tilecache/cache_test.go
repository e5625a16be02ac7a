package tilecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haloview/server/internal/memory"
	"github.com/haloview/server/internal/tile"
)

func newCache(t *testing.T, budget int64, opts ...Option) (*Cache[uint8], *memory.Manager[uint8]) {
	t.Helper()
	mem, err := memory.NewManager[uint8](budget)
	require.NoError(t, err)
	c, err := New(mem, opts...)
	require.NoError(t, err)
	return c, mem
}

func TestGetSingleLoader(t *testing.T) {
	c, _ := newCache(t, 1024)
	key := tile.Key{Row: 1, Col: 2}

	var loaders atomic.Int32
	entries := make([]*Entry[uint8], 32)
	var wg sync.WaitGroup
	for i := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, loader, err := c.Get(context.Background(), key, 16)
			if err != nil {
				t.Error(err)
				return
			}
			if loader {
				loaders.Add(1)
			}
			entries[i] = e
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, loaders.Load())
	require.Equal(t, 32, entries[0].Refs())
	for _, e := range entries[1:] {
		require.Same(t, entries[0], e)
	}
	st := c.HitMiss(0)
	require.Equal(t, 1, st.Misses)
	require.Equal(t, 31, st.Hits)
}

func TestReadyWakesWaiters(t *testing.T) {
	c, _ := newCache(t, 1024)
	e, loader, err := c.Get(context.Background(), tile.Key{}, 4)
	require.NoError(t, err)
	require.True(t, loader)

	done := make(chan error)
	go func() { done <- e.Wait(context.Background()) }()

	copy(e.Data(), []uint8{1, 2, 3, 4})
	c.MarkReady(e)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	require.Equal(t, Ready, e.State())
	require.Panics(t, func() { c.MarkReady(e) })
}

func TestReleaseFreesAtZero(t *testing.T) {
	c, mem := newCache(t, 1024)
	key := tile.Key{Row: 3}
	e1, _, err := c.Get(context.Background(), key, 8)
	require.NoError(t, err)
	c.MarkReady(e1)
	e2, loader, err := c.Get(context.Background(), key, 8)
	require.NoError(t, err)
	require.False(t, loader)

	c.Release(e1)
	require.True(t, c.Contains(key))
	require.EqualValues(t, 8, mem.Stats().InUse)

	c.Release(e2)
	require.False(t, c.Contains(key))
	require.EqualValues(t, 0, mem.Stats().InUse)
	require.Panics(t, func() { c.Release(e2) })
}

func TestFailedEntryIsRetried(t *testing.T) {
	c, mem := newCache(t, 1024)
	key := tile.Key{Col: 7, Level: 1}
	boom := errors.New("boom")

	e, loader, err := c.Get(context.Background(), key, 8)
	require.NoError(t, err)
	require.True(t, loader)
	waiter, _, err := c.Get(context.Background(), key, 8)
	require.NoError(t, err)

	c.MarkFailed(e, boom)
	require.ErrorIs(t, waiter.Wait(context.Background()), boom)
	require.False(t, c.Contains(key))

	retry, loader, err := c.Get(context.Background(), key, 8)
	require.NoError(t, err)
	require.True(t, loader)
	require.NotSame(t, e, retry)

	c.Release(e)
	c.Release(waiter)
	require.True(t, c.Contains(key), "releasing the failed entry must not evict its replacement")
	c.MarkReady(retry)
	c.Release(retry)
	require.EqualValues(t, 0, mem.Stats().InUse)
	require.Equal(t, 1, c.HitMiss(1).Failures)
}

func TestRetention(t *testing.T) {
	c, _ := newCache(t, 1024, WithRetention(2))
	key := tile.Key{Row: 1}
	e, _, err := c.Get(context.Background(), key, 3)
	require.NoError(t, err)
	copy(e.Data(), []uint8{9, 8, 7})
	c.MarkReady(e)
	c.Release(e)

	dst := make([]uint8, 3)
	require.True(t, c.Retained(key, dst))
	require.Equal(t, []uint8{9, 8, 7}, dst)
	require.False(t, c.Retained(tile.Key{Row: 2}, dst))
	require.Equal(t, 1, c.HitMiss(0).RetainedHits)
	require.Equal(t, 1, c.Stats().Retained)
}

func TestFailedTilesAreNotRetained(t *testing.T) {
	c, _ := newCache(t, 1024, WithRetention(2))
	e, _, err := c.Get(context.Background(), tile.Key{}, 3)
	require.NoError(t, err)
	c.MarkFailed(e, errors.New("io"))
	c.Release(e)
	require.False(t, c.Retained(tile.Key{}, make([]uint8, 3)))
}

func TestGetBlocksOnBudget(t *testing.T) {
	c, _ := newCache(t, 8)
	a, _, err := c.Get(context.Background(), tile.Key{Col: 0}, 8)
	require.NoError(t, err)
	c.MarkReady(a)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = c.Get(ctx, tile.Key{Col: 1}, 8)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// A resident key never needs new memory.
	again, loader, err := c.Get(context.Background(), tile.Key{Col: 0}, 8)
	require.NoError(t, err)
	require.False(t, loader)
	c.Release(again)
	c.Release(a)
}
