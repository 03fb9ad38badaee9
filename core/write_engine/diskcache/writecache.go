package diskcache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	internaltelemetry "github.com/sushant-115/gojocache/internal/telemetry"

	"github.com/sushant-115/gojocache/core/storage_engine/directmemory"
	"github.com/sushant-115/gojocache/core/storage_engine/filestore"
	"github.com/sushant-115/gojocache/core/write_engine/wal"
)

// maxFlushFailures is how many consecutive background flush failures the
// cache tolerates before it flips unhealthy and MarkDirty starts failing
// fast.
const maxFlushFailures = 5

// WriteCache buffers dirty pages in write-order: entries are grouped into
// runs of consecutive page indices and flushed group by group, each page
// preceded by the log records that describe it. Methods assume the
// coordinator's global lock is held; the background flusher acquires it
// itself.
type WriteCache struct {
	maxSize          int
	writeQueueLength int
	syncOnPageFlush  bool

	entries    map[pageKey]*CacheEntry
	dirtyPages map[pageKey]wal.LSN

	pageSize  int
	memory    *directmemory.DirectMemory
	files     map[uint64]*filestore.File
	filePages map[uint64]map[uint64]struct{}
	locks     *pageLockMap
	log       WriteAheadLog

	// Backpressure: MarkDirty on a new page waits here while the flusher
	// drains the queue. The cond shares the coordinator's global lock.
	global  *sync.Mutex
	drained *sync.Cond

	flushInterval     time.Duration
	groupAgeThreshold time.Duration
	flusherRunning    atomic.Bool
	unhealthy         atomic.Bool
	stopCh            chan struct{}
	wg                sync.WaitGroup

	logger  *zap.Logger
	metrics *internaltelemetry.CacheMetrics
}

func newWriteCache(maxSize int, cfg Config, memory *directmemory.DirectMemory,
	log WriteAheadLog, files map[uint64]*filestore.File, filePages map[uint64]map[uint64]struct{},
	locks *pageLockMap, global *sync.Mutex, logger *zap.Logger,
	metrics *internaltelemetry.CacheMetrics) *WriteCache {

	return &WriteCache{
		maxSize:           maxSize,
		writeQueueLength:  cfg.WriteQueueLength,
		syncOnPageFlush:   cfg.SyncOnPageFlush,
		entries:           make(map[pageKey]*CacheEntry),
		dirtyPages:        make(map[pageKey]wal.LSN),
		pageSize:          cfg.PageSize,
		memory:            memory,
		files:             files,
		filePages:         filePages,
		locks:             locks,
		log:               log,
		global:            global,
		drained:           sync.NewCond(global),
		flushInterval:     cfg.FlushInterval,
		groupAgeThreshold: cfg.GroupAgeThreshold,
		logger:            logger,
		metrics:           metrics,
	}
}

// MarkDirty inserts the page into the write cache, loading its current
// content from disk when it is not cached yet. Pages beyond the file's
// high-water mark start zeroed.
func (wc *WriteCache) MarkDirty(fileID, pageIndex uint64) (*CacheEntry, error) {
	key := pageKey{fileID: fileID, pageIndex: pageIndex}
	entry, ok := wc.entries[key]
	if !ok {
		if err := wc.admitNewPage(); err != nil {
			return nil, err
		}
		pointer, err := wc.memory.Allocate()
		if err != nil {
			return nil, err
		}
		if err := wc.readPage(fileID, pageIndex, pointer); err != nil {
			wc.memory.Free(pointer)
			return nil, err
		}
		entry = newCacheEntry(fileID, pageIndex, pointer)
	}
	if err := wc.markEntry(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// MarkDirtyEntry applies the dirty-state transitions to an entry obtained
// from the read cache. A nil entry is a caller contract violation.
func (wc *WriteCache) MarkDirtyEntry(entry *CacheEntry) error {
	if entry == nil {
		return ErrNotInCache
	}
	if _, ok := wc.entries[entry.key()]; !ok {
		if err := wc.admitNewPage(); err != nil {
			return err
		}
	}
	return wc.markEntry(entry)
}

// admitNewPage enforces health, backpressure and the cache capacity before
// a page not yet in the write cache is inserted. Re-marking an already
// dirty page never passes through here.
func (wc *WriteCache) admitNewPage() error {
	if wc.unhealthy.Load() {
		return ErrCacheUnhealthy
	}
	for len(wc.entries) >= wc.writeQueueLength && wc.flusherRunning.Load() {
		wc.drained.Wait()
	}
	if len(wc.entries) >= wc.maxSize {
		wc.flushColdestGroups(len(wc.entries) - wc.maxSize + 1)
	}
	return nil
}

func (wc *WriteCache) markEntry(entry *CacheEntry) error {
	key := entry.key()
	wc.entries[key] = entry
	entry.inWriteCache = true
	entry.recentlyChanged = true
	entry.changedAt = time.Now()
	if wc.log != nil {
		entry.lsn = wc.log.CurrentLSN()
		wc.log.RegisterDirty(entry.fileID, entry.pageIndex, entry.lsn)
	}
	if _, ok := wc.dirtyPages[key]; !ok {
		wc.dirtyPages[key] = entry.lsn
		wc.metrics.DirtyPagesUpDown.Add(context.Background(), 1)
	}
	if pages, ok := wc.filePages[entry.fileID]; ok {
		pages[entry.pageIndex] = struct{}{}
	}
	return nil
}

// Get returns the dirty entry for the page, or nil.
func (wc *WriteCache) Get(fileID, pageIndex uint64) *CacheEntry {
	return wc.entries[pageKey{fileID: fileID, pageIndex: pageIndex}]
}

// Remove drops the page from the write cache without persisting it. Pinned
// entries are left untouched. The buffer is freed unless the read cache
// still references the descriptor.
func (wc *WriteCache) Remove(fileID, pageIndex uint64) {
	key := pageKey{fileID: fileID, pageIndex: pageIndex}
	entry, ok := wc.entries[key]
	if !ok {
		return
	}
	if entry.usageCounter > 0 {
		return
	}
	delete(wc.entries, key)
	entry.inWriteCache = false
	entry.recentlyChanged = false
	wc.dropDirtyTracking(key)
	if !entry.inReadCache {
		wc.memory.Free(entry.dataPointer)
		entry.dataPointer = directmemory.NullPointer
		if pages, ok := wc.filePages[fileID]; ok {
			delete(pages, pageIndex)
		}
		wc.locks.prune(fileID, pageIndex)
	}
}

// FlushFile persists every dirty page of the file, one write group at a
// time in ascending page order. A pinned page aborts the whole flush with
// BlockedPageError.
func (wc *WriteCache) FlushFile(fileID uint64) error {
	for _, group := range wc.writeGroups(fileID) {
		if _, err := wc.flushGroup(group, false); err != nil {
			return err
		}
	}
	return nil
}

// CloseFile flushes (or discards, when flush is false) every entry of the
// file and drops it from the write cache.
func (wc *WriteCache) CloseFile(fileID uint64, flush bool) error {
	if flush {
		return wc.FlushFile(fileID)
	}
	for key := range wc.entries {
		if key.fileID == fileID {
			wc.Remove(key.fileID, key.pageIndex)
		}
	}
	return nil
}

// Clear drops every entry without persisting. Buffers shared with the read
// cache stay alive.
func (wc *WriteCache) Clear() {
	for key, entry := range wc.entries {
		delete(wc.entries, key)
		entry.inWriteCache = false
		entry.recentlyChanged = false
		wc.dropDirtyTracking(key)
		if !entry.inReadCache {
			wc.memory.Free(entry.dataPointer)
			entry.dataPointer = directmemory.NullPointer
			if pages, ok := wc.filePages[key.fileID]; ok {
				delete(pages, key.pageIndex)
			}
			wc.locks.prune(key.fileID, key.pageIndex)
		}
	}
}

// FillDirtyPages seeds the dirty-page table from the log's checkpoint view
// when a file is opened. Entries materialize lazily on the next MarkDirty.
func (wc *WriteCache) FillDirtyPages(fileID uint64) {
	if wc.log == nil {
		return
	}
	for _, dirty := range wc.log.CheckpointDirtyPages() {
		if dirty.FileID != fileID {
			continue
		}
		key := pageKey{fileID: dirty.FileID, pageIndex: dirty.PageIndex}
		if _, ok := wc.dirtyPages[key]; !ok {
			wc.dirtyPages[key] = dirty.LSN
			wc.metrics.DirtyPagesUpDown.Add(context.Background(), 1)
		}
	}
}

// ClearDirtyPages forgets dirty tracking for the whole file.
func (wc *WriteCache) ClearDirtyPages(fileID uint64) {
	for key := range wc.dirtyPages {
		if key.fileID == fileID {
			wc.dropDirtyTracking(key)
		}
	}
}

// LogDirtyPagesTable snapshots the dirty-page table for a checkpoint record.
func (wc *WriteCache) LogDirtyPagesTable() []wal.DirtyPage {
	pages := make([]wal.DirtyPage, 0, len(wc.dirtyPages))
	for key, lsn := range wc.dirtyPages {
		pages = append(pages, wal.DirtyPage{FileID: key.fileID, PageIndex: key.pageIndex, LSN: lsn})
	}
	sort.Slice(pages, func(i, j int) bool {
		if pages[i].FileID != pages[j].FileID {
			return pages[i].FileID < pages[j].FileID
		}
		return pages[i].PageIndex < pages[j].PageIndex
	})
	return pages
}

// Size returns the number of dirty entries.
func (wc *WriteCache) Size() int {
	return len(wc.entries)
}

func (wc *WriteCache) dropDirtyTracking(key pageKey) {
	if _, ok := wc.dirtyPages[key]; !ok {
		return
	}
	delete(wc.dirtyPages, key)
	wc.metrics.DirtyPagesUpDown.Add(context.Background(), -1)
	if wc.log != nil {
		wc.log.ClearDirty(key.fileID, key.pageIndex)
	}
}

func (wc *WriteCache) readPage(fileID, pageIndex uint64, pointer directmemory.Pointer) error {
	file, ok := wc.files[fileID]
	if !ok {
		return fmt.Errorf("%w: file id %d", ErrFileNotOpenInCache, fileID)
	}
	buf, err := wc.memory.Slice(pointer)
	if err != nil {
		return err
	}
	return file.Read(int64(pageIndex)*int64(wc.pageSize), buf)
}

// writeGroup is one run of up to writeGroupSize consecutive page indices of
// a single file, flushed together.
type writeGroup struct {
	fileID  uint64
	entries []*CacheEntry
}

func (g *writeGroup) oldestChange() time.Time {
	oldest := g.entries[0].changedAt
	for _, entry := range g.entries[1:] {
		if entry.changedAt.Before(oldest) {
			oldest = entry.changedAt
		}
	}
	return oldest
}

func (g *writeGroup) hasPinnedPage() bool {
	for _, entry := range g.entries {
		if entry.usageCounter > 0 {
			return true
		}
	}
	return false
}

// writeGroups partitions the file's dirty entries into groups of
// consecutive page indices, ascending.
func (wc *WriteCache) writeGroups(fileID uint64) []*writeGroup {
	keys := make([]pageKey, 0)
	for key := range wc.entries {
		if key.fileID == fileID {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	groups := make([]*writeGroup, 0)
	var current *writeGroup
	var currentIndex uint64
	for _, key := range keys {
		groupIndex := key.pageIndex / writeGroupSize
		if current == nil || groupIndex != currentIndex {
			current = &writeGroup{fileID: fileID}
			currentIndex = groupIndex
			groups = append(groups, current)
		}
		current.entries = append(current.entries, wc.entries[key])
	}
	return groups
}

// allWriteGroups enumerates groups across every file, ascending by file id
// then page index. Lock acquisition follows this order to stay deadlock
// free.
func (wc *WriteCache) allWriteGroups() []*writeGroup {
	fileIDs := make([]uint64, 0)
	seen := make(map[uint64]struct{})
	for key := range wc.entries {
		if _, ok := seen[key.fileID]; !ok {
			seen[key.fileID] = struct{}{}
			fileIDs = append(fileIDs, key.fileID)
		}
	}
	sort.Slice(fileIDs, func(i, j int) bool { return fileIDs[i] < fileIDs[j] })

	groups := make([]*writeGroup, 0)
	for _, fileID := range fileIDs {
		groups = append(groups, wc.writeGroups(fileID)...)
	}
	return groups
}

// flushGroup persists one write group. Page write locks are taken in
// ascending page order and released in reverse. When skipPinned is set a
// pinned page makes the group a silent no-op (background flusher path);
// otherwise it aborts with BlockedPageError.
func (wc *WriteCache) flushGroup(group *writeGroup, skipPinned bool) (bool, error) {
	file, ok := wc.files[group.fileID]
	if !ok {
		return false, fmt.Errorf("%w: file id %d", ErrFileNotOpenInCache, group.fileID)
	}

	held := make([]*sync.RWMutex, 0, len(group.entries))
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}

	for _, entry := range group.entries {
		lock := wc.locks.get(entry.fileID, entry.pageIndex)
		lock.Lock()
		held = append(held, lock)
		if entry.usageCounter > 0 {
			releaseHeld()
			if skipPinned {
				return false, nil
			}
			return false, &BlockedPageError{FileID: entry.fileID, PageIndex: entry.pageIndex}
		}
	}

	for _, entry := range group.entries {
		if err := wc.flushEntry(file, entry); err != nil {
			releaseHeld()
			return false, err
		}
	}
	if wc.syncOnPageFlush {
		if err := file.Synch(); err != nil {
			releaseHeld()
			return false, err
		}
	}
	releaseHeld()
	wc.drained.Broadcast()
	return true, nil
}

// flushEntry writes one dirty page, honoring the log-before-data rule: the
// record describing the mutation is durable before the buffer reaches the
// data file.
func (wc *WriteCache) flushEntry(file *filestore.File, entry *CacheEntry) error {
	if wc.log != nil && entry.lsn != wal.InvalidLSN {
		if err := wc.log.FlushUntil(entry.lsn); err != nil {
			return fmt.Errorf("failed to flush log up to lsn %d for page [%d, %d]: %w",
				entry.lsn, entry.fileID, entry.pageIndex, err)
		}
	}

	buf, err := wc.memory.Slice(entry.dataPointer)
	if err != nil {
		return err
	}
	stampPageHeader(buf)
	if err := file.Write(int64(entry.pageIndex)*int64(wc.pageSize), buf); err != nil {
		return err
	}

	key := entry.key()
	entry.recentlyChanged = false
	entry.inWriteCache = false
	delete(wc.entries, key)
	wc.dropDirtyTracking(key)
	if !entry.inReadCache {
		wc.memory.Free(entry.dataPointer)
		entry.dataPointer = directmemory.NullPointer
		if pages, ok := wc.filePages[entry.fileID]; ok {
			delete(pages, entry.pageIndex)
		}
		wc.locks.prune(entry.fileID, entry.pageIndex)
	}
	wc.metrics.FlushedPagesCounter.Add(context.Background(), 1)
	return nil
}

// flushColdestGroups force-flushes at least wanted entries, coldest write
// groups first, skipping groups with pinned pages. Called when MarkDirty
// overflows the write cache capacity.
func (wc *WriteCache) flushColdestGroups(wanted int) {
	groups := wc.allWriteGroups()
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].oldestChange().Before(groups[j].oldestChange())
	})

	freed := 0
	for _, group := range groups {
		if freed >= wanted {
			break
		}
		size := len(group.entries)
		flushed, err := wc.flushGroup(group, true)
		if err != nil {
			wc.logger.Warn("forced flush of write group failed",
				zap.Uint64("file_id", group.fileID), zap.Error(err))
			continue
		}
		if flushed {
			freed += size
		}
	}
}

// StartFlush launches the background flusher.
func (wc *WriteCache) StartFlush() {
	if wc.flusherRunning.Swap(true) {
		return
	}
	wc.unhealthy.Store(false)
	wc.stopCh = make(chan struct{})
	wc.wg.Add(1)
	go wc.flushLoop()
}

// StopFlush stops the background flusher cooperatively: the group being
// flushed completes before the goroutine exits. Must be called without the
// global lock held.
func (wc *WriteCache) StopFlush() {
	if !wc.flusherRunning.Swap(false) {
		return
	}
	close(wc.stopCh)
	wc.wg.Wait()
	// Unblock writers waiting for a flusher that is gone.
	wc.global.Lock()
	wc.drained.Broadcast()
	wc.global.Unlock()
}

func (wc *WriteCache) flushLoop() {
	defer wc.wg.Done()

	ticker := time.NewTicker(wc.flushInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-wc.stopCh:
			return
		case <-ticker.C:
		}

		if err := wc.flushAgedGroups(); err != nil {
			failures++
			wc.logger.Error("background flush failed",
				zap.Int("consecutive_failures", failures), zap.Error(err))
			if failures >= maxFlushFailures {
				wc.unhealthy.Store(true)
				wc.logger.Error("disk cache marked unhealthy after repeated flush failures")
			}
			continue
		}
		failures = 0
		wc.unhealthy.Store(false)
	}
}

// flushAgedGroups writes out every group whose oldest change predates the
// hysteresis window. The global lock is yielded between groups so callers
// can make progress during long flush cycles.
func (wc *WriteCache) flushAgedGroups() error {
	cutoff := time.Now().Add(-wc.groupAgeThreshold)

	for {
		wc.global.Lock()
		var next *writeGroup
		for _, group := range wc.allWriteGroups() {
			if group.oldestChange().Before(cutoff) && !group.hasPinnedPage() {
				next = group
				break
			}
		}
		if next == nil {
			wc.global.Unlock()
			return nil
		}
		if _, err := wc.flushGroup(next, true); err != nil {
			// Leave the group for the next tick instead of spinning on it.
			wc.global.Unlock()
			return err
		}
		wc.global.Unlock()

		select {
		case <-wc.stopCh:
			return nil
		default:
		}
	}
}
