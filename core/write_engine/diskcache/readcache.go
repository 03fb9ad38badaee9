package diskcache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	internaltelemetry "github.com/sushant-115/gojocache/internal/telemetry"

	"github.com/sushant-115/gojocache/core/storage_engine/directmemory"
	"github.com/sushant-115/gojocache/core/storage_engine/filestore"
)

// ReadCache keeps clean pages resident under the 2Q replacement policy:
// a1in is the FIFO of freshly admitted pages, a1out the FIFO of ghosts
// recently demoted from a1in, and am the LRU of pages re-referenced while
// their ghost was still tracked. Callers synchronize through the
// coordinator's global lock; methods here assume it is held.
type ReadCache struct {
	maxSize int
	kIn     int
	kOut    int
	kM      int

	am    *LRUList
	a1in  *LRUList
	a1out *LRUList

	pageSize  int
	memory    *directmemory.DirectMemory
	files     map[uint64]*filestore.File
	filePages map[uint64]map[uint64]struct{}
	locks     *pageLockMap

	logger  *zap.Logger
	metrics *internaltelemetry.CacheMetrics
}

func newReadCache(maxSize int, pageSize int, memory *directmemory.DirectMemory,
	files map[uint64]*filestore.File, filePages map[uint64]map[uint64]struct{},
	locks *pageLockMap, logger *zap.Logger, metrics *internaltelemetry.CacheMetrics) *ReadCache {

	return &ReadCache{
		maxSize:   maxSize,
		kIn:       maxSize / 4,
		kOut:      maxSize / 2,
		kM:        maxSize - maxSize/4,
		am:        newLRUList(),
		a1in:      newLRUList(),
		a1out:     newLRUList(),
		pageSize:  pageSize,
		memory:    memory,
		files:     files,
		filePages: filePages,
		locks:     locks,
		logger:    logger,
		metrics:   metrics,
	}
}

// Get returns the resident entry for the page, or nil. A hit in am renews
// its recency; a hit in a1in does not, 2Q admission is decided by the ghost
// queue, not by repeated hits inside the admission window.
func (rc *ReadCache) Get(fileID, pageIndex uint64) *CacheEntry {
	if entry := rc.am.Get(fileID, pageIndex); entry != nil {
		rc.am.PutToMRU(entry)
		return entry
	}
	return rc.a1in.Get(fileID, pageIndex)
}

// Load is the miss handler: it brings the page into the cache reading its
// content from disk, and returns the pinned-ready entry.
func (rc *ReadCache) Load(fileID, pageIndex uint64) (*CacheEntry, error) {
	return rc.admit(fileID, pageIndex, nil)
}

// LoadEntry admits an entry that already lives in the write cache. The dirty
// buffer is adopted instead of re-read from disk, keeping both caches on the
// same descriptor.
func (rc *ReadCache) LoadEntry(dirty *CacheEntry) (*CacheEntry, error) {
	if dirty == nil {
		return nil, ErrNotInCache
	}
	return rc.admit(dirty.fileID, dirty.pageIndex, dirty)
}

// admit routes a miss through the 2Q decision: a ghost hit promotes into am,
// anything else is admitted through a1in.
func (rc *ReadCache) admit(fileID, pageIndex uint64, adopted *CacheEntry) (*CacheEntry, error) {
	if ghost := rc.a1out.Get(fileID, pageIndex); ghost != nil {
		// The dirty descriptor replaces a stale ghost so both caches share it.
		if adopted != nil {
			ghost = adopted
		}
		if err := rc.promoteGhost(ghost); err != nil {
			return nil, err
		}
		return ghost, nil
	}

	entry := adopted
	if entry == nil {
		entry = newCacheEntry(fileID, pageIndex, directmemory.NullPointer)
	}

	if rc.a1in.Size() >= rc.kIn {
		if err := rc.demoteFromA1in(); err != nil {
			return nil, err
		}
	}
	if err := rc.ensureBuffer(entry); err != nil {
		return nil, err
	}
	entry.inReadCache = true
	rc.a1in.PutToMRU(entry)
	rc.trackPage(fileID, pageIndex)
	return entry, nil
}

// promoteGhost turns an a1out ghost into an am resident.
func (rc *ReadCache) promoteGhost(ghost *CacheEntry) error {
	if rc.am.Size() >= rc.kM {
		if err := rc.evictFromAm(); err != nil {
			return err
		}
	}
	if err := rc.ensureBuffer(ghost); err != nil {
		return err
	}
	rc.a1out.Remove(ghost.fileID, ghost.pageIndex)
	ghost.inReadCache = true
	rc.am.PutToMRU(ghost)
	rc.trackPage(ghost.fileID, ghost.pageIndex)
	return nil
}

// ensureBuffer allocates and fills the page buffer when the entry has none.
// Entries still holding a write-cache buffer adopt it as is.
func (rc *ReadCache) ensureBuffer(entry *CacheEntry) error {
	if entry.dataPointer != directmemory.NullPointer {
		return nil
	}
	pointer, err := rc.memory.Allocate()
	if err != nil {
		return err
	}
	if err := rc.readPage(entry.fileID, entry.pageIndex, pointer); err != nil {
		rc.memory.Free(pointer)
		return err
	}
	entry.dataPointer = pointer
	return nil
}

func (rc *ReadCache) readPage(fileID, pageIndex uint64, pointer directmemory.Pointer) error {
	file, ok := rc.files[fileID]
	if !ok {
		return fmt.Errorf("%w: file id %d", ErrFileNotOpenInCache, fileID)
	}
	buf, err := rc.memory.Slice(pointer)
	if err != nil {
		return err
	}
	return file.Read(int64(pageIndex)*int64(rc.pageSize), buf)
}

// demoteFromA1in pushes the oldest unpinned a1in entry into the ghost queue.
func (rc *ReadCache) demoteFromA1in() error {
	victim := rc.a1in.EvictVictim()
	if victim == nil {
		return fmt.Errorf("%w: a1in queue", ErrAllPagesPinned)
	}
	victim.inReadCache = false
	if !victim.inWriteCache {
		rc.memory.Free(victim.dataPointer)
		victim.dataPointer = directmemory.NullPointer
	}
	rc.forgetPage(victim)
	rc.a1out.PutToMRU(victim)
	if rc.a1out.Size() > rc.kOut {
		rc.a1out.RemoveLRU()
	}
	rc.metrics.EvictionsCounter.Add(context.Background(), 1)
	return nil
}

// evictFromAm drops the oldest unpinned am entry entirely.
func (rc *ReadCache) evictFromAm() error {
	victim := rc.am.EvictVictim()
	if victim == nil {
		return fmt.Errorf("%w: am queue", ErrAllPagesPinned)
	}
	victim.inReadCache = false
	if !victim.inWriteCache {
		rc.memory.Free(victim.dataPointer)
		victim.dataPointer = directmemory.NullPointer
	}
	rc.forgetPage(victim)
	rc.metrics.EvictionsCounter.Add(context.Background(), 1)
	return nil
}

// CloseFile drops every entry of the file from all three queues. The caller
// guarantees no outstanding pins on the file.
func (rc *ReadCache) CloseFile(fileID uint64, pageIndexes map[uint64]struct{}) {
	for pageIndex := range pageIndexes {
		rc.removeEverywhere(fileID, pageIndex)
	}
	// Ghosts are not tracked in filePages; sweep them separately.
	for _, ghost := range rc.a1out.Entries() {
		if ghost.fileID == fileID {
			rc.a1out.Remove(ghost.fileID, ghost.pageIndex)
		}
	}
}

// Clear drops every entry from all three queues, freeing buffers the write
// cache does not share.
func (rc *ReadCache) Clear() {
	for _, lru := range []*LRUList{rc.am, rc.a1in} {
		for _, entry := range lru.Entries() {
			lru.Remove(entry.fileID, entry.pageIndex)
			entry.inReadCache = false
			if !entry.inWriteCache {
				rc.memory.Free(entry.dataPointer)
				entry.dataPointer = directmemory.NullPointer
			}
			rc.forgetPage(entry)
		}
	}
	for _, ghost := range rc.a1out.Entries() {
		rc.a1out.Remove(ghost.fileID, ghost.pageIndex)
	}
}

func (rc *ReadCache) removeEverywhere(fileID, pageIndex uint64) {
	entry := rc.am.Remove(fileID, pageIndex)
	if entry == nil {
		entry = rc.a1in.Remove(fileID, pageIndex)
	}
	if entry == nil {
		entry = rc.a1out.Remove(fileID, pageIndex)
	}
	if entry == nil {
		return
	}
	entry.inReadCache = false
	if !entry.inWriteCache {
		rc.memory.Free(entry.dataPointer)
		entry.dataPointer = directmemory.NullPointer
	}
	rc.forgetPage(entry)
}

// trackPage records residency in the shared filePages index.
func (rc *ReadCache) trackPage(fileID, pageIndex uint64) {
	if pages, ok := rc.filePages[fileID]; ok {
		pages[pageIndex] = struct{}{}
	}
}

// forgetPage drops residency tracking and the per-page lock once the page
// left both caches.
func (rc *ReadCache) forgetPage(entry *CacheEntry) {
	if entry.inReadCache || entry.inWriteCache {
		return
	}
	if pages, ok := rc.filePages[entry.fileID]; ok {
		delete(pages, entry.pageIndex)
	}
	rc.locks.prune(entry.fileID, entry.pageIndex)
}

// Size returns the number of resident (non-ghost) entries.
func (rc *ReadCache) Size() int {
	return rc.am.Size() + rc.a1in.Size()
}

// Am exposes the am queue for tests and diagnostics.
func (rc *ReadCache) Am() *LRUList { return rc.am }

// A1in exposes the a1in queue for tests and diagnostics.
func (rc *ReadCache) A1in() *LRUList { return rc.a1in }

// A1out exposes the ghost queue for tests and diagnostics.
func (rc *ReadCache) A1out() *LRUList { return rc.a1out }
