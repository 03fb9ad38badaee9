package diskcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojocache/core/storage_engine/directmemory"
)

// The 64-page test cache gives the read cache a 60-page budget:
// a1in holds 15 pages, a1out 30 ghosts and am 45 pages.
const (
	testKIn  = 15
	testKOut = 30
)

func TestA1inKeepsAdmissionOrder(t *testing.T) {
	cache, _ := setupCache(t)
	fileID, err := cache.OpenFile(testFileName)
	require.NoError(t, err)

	for i := uint64(0); i < 4; i++ {
		_, err := cache.Load(fileID, i)
		require.NoError(t, err)
		require.NoError(t, cache.Release(fileID, i))
	}

	require.Equal(t, 4, cache.ReadCache().A1in().Size())
	require.Equal(t, 0, cache.ReadCache().Am().Size())

	// A repeated hit inside the admission window must not promote.
	_, err = cache.Load(fileID, 2)
	require.NoError(t, err)
	require.NoError(t, cache.Release(fileID, 2))
	require.Equal(t, 0, cache.ReadCache().Am().Size())
}

func TestA1inOverflowDemotesOldestToGhostQueue(t *testing.T) {
	cache, _ := setupCache(t)
	fileID, err := cache.OpenFile(testFileName)
	require.NoError(t, err)

	for i := uint64(0); i <= testKIn; i++ {
		_, err := cache.Load(fileID, i)
		require.NoError(t, err)
		require.NoError(t, cache.Release(fileID, i))
	}

	require.Equal(t, testKIn, cache.ReadCache().A1in().Size())
	require.Equal(t, 1, cache.ReadCache().A1out().Size())

	ghost := cache.ReadCache().A1out().Get(fileID, 0)
	require.NotNil(t, ghost)
	require.Equal(t, directmemory.NullPointer, ghost.DataPointer())
	require.Nil(t, cache.ReadCache().Get(fileID, 0))
}

func TestGhostHitPromotesIntoAm(t *testing.T) {
	cache, _ := setupCache(t)
	fileID, err := cache.OpenFile(testFileName)
	require.NoError(t, err)

	for i := uint64(0); i <= testKIn; i++ {
		_, err := cache.Load(fileID, i)
		require.NoError(t, err)
		require.NoError(t, cache.Release(fileID, i))
	}
	require.NotNil(t, cache.ReadCache().A1out().Get(fileID, 0))

	pointer, err := cache.Load(fileID, 0)
	require.NoError(t, err)
	require.NotEqual(t, directmemory.NullPointer, pointer)
	require.NoError(t, cache.Release(fileID, 0))

	require.Nil(t, cache.ReadCache().A1out().Get(fileID, 0))
	require.NotNil(t, cache.ReadCache().Am().Get(fileID, 0))
}

func TestGhostQueueIsBounded(t *testing.T) {
	cache, _ := setupCache(t)
	fileID, err := cache.OpenFile(testFileName)
	require.NoError(t, err)

	// Push enough pages through a1in to overflow the ghost queue.
	for i := uint64(0); i < uint64(testKIn+testKOut+10); i++ {
		_, err := cache.Load(fileID, i)
		require.NoError(t, err)
		require.NoError(t, cache.Release(fileID, i))
	}

	require.LessOrEqual(t, cache.ReadCache().A1in().Size(), testKIn)
	require.LessOrEqual(t, cache.ReadCache().A1out().Size(), testKOut)
}

func TestEvictionSkipsPinnedPages(t *testing.T) {
	cache, _ := setupCache(t)
	fileID, err := cache.OpenFile(testFileName)
	require.NoError(t, err)

	// Fill a1in and keep every page pinned.
	for i := uint64(0); i < testKIn; i++ {
		_, err := cache.Load(fileID, i)
		require.NoError(t, err)
	}

	_, err = cache.Load(fileID, testKIn)
	require.ErrorIs(t, err, ErrAllPagesPinned)

	// One release is enough to give the admission a victim.
	require.NoError(t, cache.Release(fileID, 0))
	_, err = cache.Load(fileID, testKIn)
	require.NoError(t, err)
	require.Nil(t, cache.ReadCache().Get(fileID, 0))

	for i := uint64(1); i <= testKIn; i++ {
		require.NoError(t, cache.Release(fileID, i))
	}
}

func TestDemotedDirtyPageKeepsItsBuffer(t *testing.T) {
	cache, _ := setupCache(t)
	fileID, err := cache.OpenFile(testFileName)
	require.NoError(t, err)

	_, err = cache.Load(fileID, 0)
	require.NoError(t, err)
	require.NoError(t, cache.MarkDirty(fileID, 0))
	require.NoError(t, cache.Release(fileID, 0))

	// Push page 0 out of a1in while it is still dirty.
	for i := uint64(1); i <= testKIn; i++ {
		_, err := cache.Load(fileID, i)
		require.NoError(t, err)
		require.NoError(t, cache.Release(fileID, i))
	}

	ghost := cache.ReadCache().A1out().Get(fileID, 0)
	require.NotNil(t, ghost)
	require.True(t, ghost.InWriteCache())
	require.NotEqual(t, directmemory.NullPointer, ghost.DataPointer())

	// The ghost hit adopts the dirty buffer instead of re-reading disk.
	pointer, err := cache.Load(fileID, 0)
	require.NoError(t, err)
	require.Equal(t, ghost.DataPointer(), pointer)
	require.NoError(t, cache.Release(fileID, 0))
}

func TestCloseFileEvictsAllResidentPages(t *testing.T) {
	cache, _ := setupCache(t)
	fileID, err := cache.OpenFile(testFileName)
	require.NoError(t, err)

	for i := uint64(0); i <= testKIn; i++ {
		_, err := cache.Load(fileID, i)
		require.NoError(t, err)
		require.NoError(t, cache.Release(fileID, i))
	}
	require.NotZero(t, cache.ReadCache().Size())
	require.NotZero(t, cache.ReadCache().A1out().Size())

	require.NoError(t, cache.CloseFile(fileID, true))
	require.Zero(t, cache.ReadCache().Size())
	require.Zero(t, cache.ReadCache().A1out().Size())
	require.Zero(t, cache.Memory().Allocated())
}

func TestLoadPinsAndReleaseUnpins(t *testing.T) {
	cache, _ := setupCache(t)
	fileID, err := cache.OpenFile(testFileName)
	require.NoError(t, err)

	_, err = cache.Load(fileID, 0)
	require.NoError(t, err)
	_, err = cache.Load(fileID, 0)
	require.NoError(t, err)

	entry := cache.ReadCache().Get(fileID, 0)
	require.Equal(t, uint32(2), entry.UsageCounter())

	require.NoError(t, cache.Release(fileID, 0))
	require.Equal(t, uint32(1), entry.UsageCounter())
	require.NoError(t, cache.Release(fileID, 0))
	require.Equal(t, uint32(0), entry.UsageCounter())
}
