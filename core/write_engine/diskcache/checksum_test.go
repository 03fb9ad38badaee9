package diskcache

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStampAndVerifyPageHeader(t *testing.T) {
	page := make([]byte, testPageSize)
	copy(page[PageSystemHeaderSize:], []byte{1, 2, 3, 4, 5, 6, 7, 8})

	stampPageHeader(page)
	require.Equal(t, MagicNumber, binary.BigEndian.Uint64(page[0:8]))

	magicOK, crcOK := verifyPageHeader(page)
	require.True(t, magicOK)
	require.True(t, crcOK)
}

func TestVerifyDetectsPayloadCorruption(t *testing.T) {
	page := make([]byte, testPageSize)
	copy(page[PageSystemHeaderSize:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	stampPageHeader(page)

	page[PageSystemHeaderSize+3] ^= 0xFF
	magicOK, crcOK := verifyPageHeader(page)
	require.True(t, magicOK)
	require.False(t, crcOK)
}

func TestVerifyDetectsMagicCorruption(t *testing.T) {
	page := make([]byte, testPageSize)
	stampPageHeader(page)

	page[0] ^= 0xFF
	magicOK, crcOK := verifyPageHeader(page)
	require.False(t, magicOK)
	require.True(t, crcOK)
}

func TestLRUListEvictionOrder(t *testing.T) {
	lru := newLRUList()
	for i := uint64(0); i < 3; i++ {
		lru.PutToMRU(newCacheEntry(1, i, 0))
	}

	// Oldest first, unless pinned.
	lru.Get(1, 0) // Get does not renew recency; ordering is insert order.
	victim := lru.EvictVictim()
	require.Equal(t, uint64(0), victim.PageIndex())

	pinned := lru.Get(1, 1)
	pinned.usageCounter = 1
	victim = lru.EvictVictim()
	require.Equal(t, uint64(2), victim.PageIndex())

	require.Nil(t, lru.EvictVictim())
	require.Equal(t, 1, lru.Size())
}
