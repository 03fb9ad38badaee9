package diskcache

import (
	"time"

	"github.com/sushant-115/gojocache/core/storage_engine/directmemory"
	"github.com/sushant-115/gojocache/core/write_engine/wal"
)

// pageKey identifies one page across every container of the cache.
type pageKey struct {
	fileID    uint64
	pageIndex uint64
}

func (k pageKey) less(other pageKey) bool {
	if k.fileID != other.fileID {
		return k.fileID < other.fileID
	}
	return k.pageIndex < other.pageIndex
}

// CacheEntry is the descriptor for one cached page. The same descriptor is
// shared between the read cache, the write cache and caller pins; containers
// never hold more than one descriptor per page.
type CacheEntry struct {
	fileID    uint64
	pageIndex uint64

	// dataPointer addresses the owned page buffer; NullPointer means the
	// entry is a ghost (identity only).
	dataPointer directmemory.Pointer

	usageCounter    uint32
	recentlyChanged bool
	inWriteCache    bool
	inReadCache     bool

	lsn       wal.LSN
	changedAt time.Time
}

func newCacheEntry(fileID, pageIndex uint64, dataPointer directmemory.Pointer) *CacheEntry {
	return &CacheEntry{
		fileID:      fileID,
		pageIndex:   pageIndex,
		dataPointer: dataPointer,
	}
}

func (e *CacheEntry) key() pageKey {
	return pageKey{fileID: e.fileID, pageIndex: e.pageIndex}
}

func (e *CacheEntry) FileID() uint64                    { return e.fileID }
func (e *CacheEntry) PageIndex() uint64                 { return e.pageIndex }
func (e *CacheEntry) DataPointer() directmemory.Pointer { return e.dataPointer }
func (e *CacheEntry) UsageCounter() uint32              { return e.usageCounter }
func (e *CacheEntry) RecentlyChanged() bool             { return e.recentlyChanged }
func (e *CacheEntry) InWriteCache() bool                { return e.inWriteCache }
func (e *CacheEntry) LSN() wal.LSN                      { return e.lsn }
