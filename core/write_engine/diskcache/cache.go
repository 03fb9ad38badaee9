// Package diskcache implements the paged buffer cache of the storage
// engine: a 2Q read cache for clean pages, a write-ordered cache for dirty
// pages with a background flusher, and a coordinator that fronts both and
// keeps page writes behind the write-ahead log.
package diskcache

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	internaltelemetry "github.com/sushant-115/gojocache/internal/telemetry"

	"github.com/sushant-115/gojocache/core/storage_engine/directmemory"
	"github.com/sushant-115/gojocache/core/storage_engine/filestore"
	"github.com/sushant-115/gojocache/core/write_engine/wal"
)

// notificationInterval bounds how often the integrity scan reports progress
// to the listener.
const notificationInterval = 5 * time.Second

// ReadWriteCache is the public facade of the disk cache. One coarse lock
// guards the structural state: the file registry, the residency index and
// both caches' membership. Per-page read/write locks order callers against
// the flusher on individual pages.
type ReadWriteCache struct {
	global sync.Mutex

	cfg      Config
	pageSize int
	maxSize  int

	files       map[uint64]*filestore.File
	filePages   map[uint64]map[uint64]struct{}
	fileCounter uint64

	entriesLocks *pageLockMap
	memory       *directmemory.DirectMemory
	readCache    *ReadCache
	writeCache   *WriteCache
	log          WriteAheadLog

	logger  *zap.Logger
	metrics *internaltelemetry.CacheMetrics
}

// New builds the cache from the configuration. The write cache owns one
// sixteenth of the page budget, the read cache the rest. A nil meter
// disables metrics; a nil log disables write-ahead ordering.
func New(cfg Config, log WriteAheadLog, logger *zap.Logger, meter metric.Meter) (*ReadWriteCache, error) {
	if cfg.PageSize <= PageSystemHeaderSize {
		return nil, fmt.Errorf("page size %d does not accommodate the %d byte system header",
			cfg.PageSize, PageSystemHeaderSize)
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	metrics, err := internaltelemetry.NewCacheMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache metrics: %w", err)
	}

	maxSize := cfg.MaxMemoryBytes / int64(cfg.PageSize)
	if maxSize < minCacheSize {
		maxSize = minCacheSize
	}
	if maxSize > math.MaxInt32 {
		maxSize = math.MaxInt32
	}

	c := &ReadWriteCache{
		cfg:          cfg,
		pageSize:     cfg.PageSize,
		maxSize:      int(maxSize),
		files:        make(map[uint64]*filestore.File),
		filePages:    make(map[uint64]map[uint64]struct{}),
		fileCounter:  1,
		entriesLocks: newPageLockMap(),
		log:          log,
		logger:       logger,
		metrics:      metrics,
	}
	c.memory = directmemory.New(cfg.PageSize, c.maxSize, logger)
	c.writeCache = newWriteCache(c.maxSize>>4, cfg, c.memory, log,
		c.files, c.filePages, c.entriesLocks, &c.global, logger, metrics)
	c.readCache = newReadCache(c.maxSize-(c.maxSize>>4), cfg.PageSize, c.memory,
		c.files, c.filePages, c.entriesLocks, logger, metrics)

	if cfg.StartFlush {
		c.writeCache.StartFlush()
	}
	logger.Info("disk cache initialized",
		zap.Int("page_size", cfg.PageSize),
		zap.Int("max_pages", c.maxSize),
		zap.Int("write_cache_pages", c.maxSize>>4))
	return c, nil
}

// OpenFile opens or creates the named data file and returns its file id.
// Pages the log still considers dirty are seeded into the dirty-page table.
func (c *ReadWriteCache) OpenFile(name string) (uint64, error) {
	c.global.Lock()
	defer c.global.Unlock()

	fileID := c.fileCounter
	c.fileCounter++

	file := filestore.NewFile(filepath.Join(c.cfg.StorageDir, name), c.cfg.FileLock)
	var err error
	if file.Exists() {
		err = file.Open()
	} else {
		err = file.Create()
	}
	if err != nil {
		return 0, err
	}

	c.files[fileID] = file
	c.filePages[fileID] = make(map[uint64]struct{})
	c.writeCache.FillDirtyPages(fileID)
	return fileID, nil
}

// Load brings the page into the cache, pins it and returns the pointer to
// its buffer. A dirty page in the write cache satisfies the read without
// touching disk.
func (c *ReadWriteCache) Load(fileID, pageIndex uint64) (directmemory.Pointer, error) {
	c.global.Lock()
	defer c.global.Unlock()

	lock := c.entriesLocks.get(fileID, pageIndex)
	lock.RLock()
	defer lock.RUnlock()

	c.metrics.LoadsCounter.Add(context.Background(), 1)

	entry := c.readCache.Get(fileID, pageIndex)
	if entry == nil {
		c.metrics.MissesCounter.Add(context.Background(), 1)
		var err error
		if dirty := c.writeCache.Get(fileID, pageIndex); dirty != nil {
			entry, err = c.readCache.LoadEntry(dirty)
		} else {
			entry, err = c.readCache.Load(fileID, pageIndex)
		}
		if err != nil {
			return directmemory.NullPointer, err
		}
	} else {
		c.metrics.HitsCounter.Add(context.Background(), 1)
	}

	entry.usageCounter++
	return entry.dataPointer, nil
}

// Release unpins a previously loaded page.
func (c *ReadWriteCache) Release(fileID, pageIndex uint64) error {
	c.global.Lock()
	defer c.global.Unlock()

	entry := c.readCache.Get(fileID, pageIndex)
	if entry == nil {
		entry = c.writeCache.Get(fileID, pageIndex)
	}
	if entry == nil {
		return fmt.Errorf("%w: record that should be released (fileId = %d, pageIndex = %d)",
			ErrNotInCache, fileID, pageIndex)
	}
	if entry.usageCounter > 0 {
		entry.usageCounter--
	}
	return nil
}

// MarkDirty hands the loaded page to the write cache and stamps the log
// position of the mutation.
func (c *ReadWriteCache) MarkDirty(fileID, pageIndex uint64) error {
	c.global.Lock()
	defer c.global.Unlock()

	entry := c.readCache.Get(fileID, pageIndex)
	return c.writeCache.MarkDirtyEntry(entry)
}

// FilledUpTo returns the page count of the file.
func (c *ReadWriteCache) FilledUpTo(fileID uint64) (uint64, error) {
	c.global.Lock()
	defer c.global.Unlock()

	file, ok := c.files[fileID]
	if !ok {
		return 0, fmt.Errorf("%w: file id %d", ErrFileNotOpenInCache, fileID)
	}
	size, err := file.FilledUpTo()
	if err != nil {
		return 0, err
	}
	return uint64(size) / uint64(c.pageSize), nil
}

// FlushFile persists every dirty page of the file.
func (c *ReadWriteCache) FlushFile(fileID uint64) error {
	c.global.Lock()
	defer c.global.Unlock()
	return c.writeCache.FlushFile(fileID)
}

// FlushBuffer persists every dirty page of every open file.
func (c *ReadWriteCache) FlushBuffer() error {
	c.global.Lock()
	defer c.global.Unlock()
	return c.flushAllLocked()
}

func (c *ReadWriteCache) flushAllLocked() error {
	for _, fileID := range c.sortedFileIDs() {
		if err := c.writeCache.FlushFile(fileID); err != nil {
			return err
		}
	}
	return nil
}

// CloseFile evicts every page of the file, flushing first when requested,
// and closes the underlying file.
func (c *ReadWriteCache) CloseFile(fileID uint64, flush bool) error {
	c.global.Lock()
	defer c.global.Unlock()
	return c.closeFileLocked(fileID, flush)
}

func (c *ReadWriteCache) closeFileLocked(fileID uint64, flush bool) error {
	file, ok := c.files[fileID]
	if !ok || !file.IsOpen() {
		return nil
	}
	if err := c.writeCache.CloseFile(fileID, flush); err != nil {
		return err
	}
	c.readCache.CloseFile(fileID, c.filePages[fileID])
	c.filePages[fileID] = make(map[uint64]struct{})
	return file.Close()
}

// DeleteFile truncates, closes and removes the file.
func (c *ReadWriteCache) DeleteFile(fileID uint64) error {
	c.global.Lock()
	defer c.global.Unlock()

	file, ok := c.files[fileID]
	if !ok {
		return nil
	}
	if file.IsOpen() {
		if err := c.truncateFileLocked(fileID); err != nil {
			return err
		}
	}
	if err := file.Delete(); err != nil {
		return err
	}
	delete(c.files, fileID)
	delete(c.filePages, fileID)
	return nil
}

// TruncateFile evicts every page of the file without persisting and shrinks
// the file to zero pages.
func (c *ReadWriteCache) TruncateFile(fileID uint64) error {
	c.global.Lock()
	defer c.global.Unlock()
	return c.truncateFileLocked(fileID)
}

func (c *ReadWriteCache) truncateFileLocked(fileID uint64) error {
	file, ok := c.files[fileID]
	if !ok {
		return fmt.Errorf("%w: file id %d", ErrFileNotOpenInCache, fileID)
	}
	for pageIndex := range c.filePages[fileID] {
		c.writeCache.Remove(fileID, pageIndex)
	}
	c.writeCache.ClearDirtyPages(fileID)
	c.readCache.CloseFile(fileID, c.filePages[fileID])
	c.filePages[fileID] = make(map[uint64]struct{})
	return file.Shrink(0)
}

// RenameFile renames the data file on disk, replacing the leading oldName of
// its base name with newName. A base name that does not start with oldName is
// left as is. Transient failures are retried with exponential
// backoff up to a bounded number of attempts.
func (c *ReadWriteCache) RenameFile(fileID uint64, oldName, newName string) error {
	c.global.Lock()
	defer c.global.Unlock()

	file, ok := c.files[fileID]
	if !ok {
		return nil
	}
	baseName := file.Name()
	if !strings.HasPrefix(baseName, oldName) {
		return nil
	}
	newPath := filepath.Join(c.cfg.StorageDir, newName+strings.TrimPrefix(baseName, oldName))

	backoff := renameRetryBackoff
	var err error
	for attempt := 0; attempt < renameMaxAttempts; attempt++ {
		if err = file.Rename(newPath); err == nil {
			return nil
		}
		c.logger.Warn("rename failed, retrying",
			zap.String("old", baseName), zap.String("new", newPath),
			zap.Int("attempt", attempt+1), zap.Error(err))
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("%w: rename of %s to %s failed after %d attempts: %v",
		ErrResourceExhausted, baseName, newPath, renameMaxAttempts, err)
}

// IsOpen reports whether the file is open from the cache's view.
func (c *ReadWriteCache) IsOpen(fileID uint64) bool {
	c.global.Lock()
	defer c.global.Unlock()

	if file, ok := c.files[fileID]; ok {
		return file.IsOpen()
	}
	return false
}

// WasSoftlyClosed reports whether the file's last shutdown was clean.
func (c *ReadWriteCache) WasSoftlyClosed(fileID uint64) (bool, error) {
	c.global.Lock()
	defer c.global.Unlock()

	file, ok := c.files[fileID]
	if !ok {
		return false, nil
	}
	return file.WasSoftlyClosed()
}

// SetSoftlyClosed overrides the file's soft-close marker.
func (c *ReadWriteCache) SetSoftlyClosed(fileID uint64, softlyClosed bool) error {
	c.global.Lock()
	defer c.global.Unlock()

	file, ok := c.files[fileID]
	if !ok {
		return nil
	}
	return file.SetSoftlyClosed(softlyClosed)
}

// LogDirtyPagesTable snapshots the dirty-page table for a checkpoint.
func (c *ReadWriteCache) LogDirtyPagesTable() []wal.DirtyPage {
	c.global.Lock()
	defer c.global.Unlock()
	return c.writeCache.LogDirtyPagesTable()
}

// ForceSyncStoredChanges fsyncs every open file.
func (c *ReadWriteCache) ForceSyncStoredChanges() error {
	c.global.Lock()
	defer c.global.Unlock()

	for _, fileID := range c.sortedFileIDs() {
		file := c.files[fileID]
		if !file.IsOpen() {
			continue
		}
		if err := file.Synch(); err != nil {
			return err
		}
	}
	return nil
}

// CheckStoredPages verifies the magic number and checksum of every page of
// every open file. Bad pages are reported, not returned as errors; an I/O
// failure during the scan of a file is reported against that file and the
// scan moves on. Progress messages reach the listener at least every five
// seconds.
func (c *ReadWriteCache) CheckStoredPages(listener CommandOutputListener) []PageVerificationError {
	c.global.Lock()
	defer c.global.Unlock()

	notify := func(message string) {
		if listener != nil {
			listener.OnMessage(message)
		}
	}
	progress := rate.NewLimiter(rate.Every(notificationInterval), 1)

	errors := make([]PageVerificationError, 0)
	for _, fileID := range c.sortedFileIDs() {
		file := c.files[fileID]
		if !file.IsOpen() {
			continue
		}
		fileName := file.Name()

		notify("Flushing file " + fileName + "...")
		if err := c.writeCache.FlushFile(fileID); err != nil {
			notify(fmt.Sprintf("Error: cannot flush file %s before verification: %v", fileName, err))
			errors = append(errors, PageVerificationError{IOFailure: true, PageIndex: -1, FileName: fileName})
			continue
		}

		notify("Start verification of content of " + fileName + "...")
		fileIsCorrect := true

		filledUpTo, err := file.FilledUpTo()
		if err != nil {
			notify(fmt.Sprintf("Error: error during processing of file %s: %v", fileName, err))
			errors = append(errors, PageVerificationError{IOFailure: true, PageIndex: -1, FileName: fileName})
			continue
		}

		data := make([]byte, c.pageSize)
		for pos := int64(0); pos < filledUpTo; pos += int64(c.pageSize) {
			pageIndex := pos / int64(c.pageSize)

			if err := file.Read(pos, data); err != nil {
				notify(fmt.Sprintf("Error: error during processing of file %s: %v", fileName, err))
				errors = append(errors, PageVerificationError{IOFailure: true, PageIndex: pageIndex, FileName: fileName})
				fileIsCorrect = false
				break
			}

			magicOK, crcOK := verifyPageHeader(data)
			if !magicOK {
				notify(fmt.Sprintf("Error: Magic number for page %d in file %s does not match!", pageIndex, fileName))
				fileIsCorrect = false
			}
			if !crcOK {
				notify(fmt.Sprintf("Error: Checksum for page %d in file %s is incorrect!", pageIndex, fileName))
				fileIsCorrect = false
			}
			if !magicOK || !crcOK {
				errors = append(errors, PageVerificationError{
					MagicNumberIncorrect: !magicOK,
					ChecksumIncorrect:    !crcOK,
					PageIndex:            pageIndex,
					FileName:             fileName,
				})
			}

			if progress.Allow() {
				notify(fmt.Sprintf("%d pages of %s were processed...", pageIndex+1, fileName))
			}
		}

		if fileIsCorrect {
			notify("Verification of file " + fileName + " is successfully finished.")
		} else {
			notify("Verification of file " + fileName + " is finished with errors.")
		}
	}
	return errors
}

// Clear flushes the buffer and drops every entry from both caches.
func (c *ReadWriteCache) Clear() error {
	c.global.Lock()
	defer c.global.Unlock()
	return c.clearLocked()
}

func (c *ReadWriteCache) clearLocked() error {
	if err := c.flushAllLocked(); err != nil {
		return err
	}
	c.writeCache.Clear()
	c.readCache.Clear()
	return nil
}

// Close flushes and drops both caches, stops the background flusher and
// closes every file. It returns only after in-flight flusher I/O completed.
func (c *ReadWriteCache) Close() error {
	// The flusher takes the global lock on each tick; stop it before
	// locking so shutdown cannot deadlock against it.
	c.writeCache.StopFlush()

	c.global.Lock()
	defer c.global.Unlock()

	if err := c.clearLocked(); err != nil {
		return err
	}
	for _, fileID := range c.sortedFileIDs() {
		file := c.files[fileID]
		if !file.IsOpen() {
			continue
		}
		if err := file.Synch(); err != nil {
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (c *ReadWriteCache) sortedFileIDs() []uint64 {
	fileIDs := make([]uint64, 0, len(c.files))
	for fileID := range c.files {
		fileIDs = append(fileIDs, fileID)
	}
	sort.Slice(fileIDs, func(i, j int) bool { return fileIDs[i] < fileIDs[j] })
	return fileIDs
}

// MaxSize returns the total page budget of the cache.
func (c *ReadWriteCache) MaxSize() int { return c.maxSize }

// Memory exposes the buffer arena so callers can read and write page
// payloads through pointers returned by Load.
func (c *ReadWriteCache) Memory() *directmemory.DirectMemory { return c.memory }

// WriteCache exposes the dirty-page cache for tests and diagnostics.
func (c *ReadWriteCache) WriteCache() *WriteCache { return c.writeCache }

// ReadCache exposes the 2Q cache for tests and diagnostics.
func (c *ReadWriteCache) ReadCache() *ReadCache { return c.readCache }
