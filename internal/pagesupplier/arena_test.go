package pagesupplier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaSupplier_AcquireRelease(t *testing.T) {
	a, err := NewArenaSupplier(ArenaConfig{PageSize: 4096, Capacity: 4}, nil)
	require.NoError(t, err)

	page, err := a.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, page, 4096)

	leased, capacity := a.Stats()
	assert.Equal(t, 1, leased)
	assert.Equal(t, 4, capacity)

	require.NoError(t, a.Release(page))
	leased, _ = a.Stats()
	assert.Equal(t, 0, leased)
}

func TestArenaSupplier_PagesAreDistinctAndZeroed(t *testing.T) {
	a, err := NewArenaSupplier(ArenaConfig{PageSize: 64, Capacity: 2}, nil)
	require.NoError(t, err)

	p1, err := a.Acquire(context.Background(), false)
	require.NoError(t, err)
	p2, err := a.Acquire(context.Background(), false)
	require.NoError(t, err)

	p1[0] = 0xFF
	assert.NotEqual(t, p1[0], p2[0])

	require.NoError(t, a.Release(p1))
	require.NoError(t, a.Release(p2))

	p3, err := a.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, byte(0), p3[0], "a re-leased page must come back zeroed")
}

func TestArenaSupplier_ExhaustedWithoutWait(t *testing.T) {
	a, err := NewArenaSupplier(ArenaConfig{PageSize: 64, Capacity: 1}, nil)
	require.NoError(t, err)

	_, err = a.Acquire(context.Background(), false)
	require.NoError(t, err)

	_, err = a.Acquire(context.Background(), false)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestArenaSupplier_WaitBlocksUntilRelease(t *testing.T) {
	a, err := NewArenaSupplier(ArenaConfig{PageSize: 64, Capacity: 1}, nil)
	require.NoError(t, err)

	held, err := a.Acquire(context.Background(), false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var got []byte
	go func() {
		defer wg.Done()
		page, err := a.Acquire(context.Background(), true)
		require.NoError(t, err)
		got = page
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Release(held))
	wg.Wait()
	assert.Len(t, got, 64)
}

func TestArenaSupplier_WaitRespectsContextCancellation(t *testing.T) {
	a, err := NewArenaSupplier(ArenaConfig{PageSize: 64, Capacity: 1}, nil)
	require.NoError(t, err)
	_, err = a.Acquire(context.Background(), false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = a.Acquire(ctx, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestArenaSupplier_DoubleReleaseRejected(t *testing.T) {
	a, err := NewArenaSupplier(ArenaConfig{PageSize: 64, Capacity: 1}, nil)
	require.NoError(t, err)

	page, err := a.Acquire(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, a.Release(page))
	assert.Error(t, a.Release(page))
}

func TestArenaSupplier_ReleaseForeignPageRejected(t *testing.T) {
	a, err := NewArenaSupplier(ArenaConfig{PageSize: 64, Capacity: 1}, nil)
	require.NoError(t, err)

	foreign := make([]byte, 64)
	assert.Error(t, a.Release(foreign))
}
