// Package wal implements the write-ahead log the disk cache orders its page
// writes against. The cache only depends on the small surface the log
// exposes here: the current tail LSN, durability up to an LSN, and the
// dirty-page table captured for checkpoints.
package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// LSN is a monotone log sequence number identifying one log record.
type LSN uint64

// InvalidLSN marks the absence of a log record.
const InvalidLSN LSN = 0

// DirtyPage identifies one page whose latest mutation is described by a log
// record that may not have reached the data file yet.
type DirtyPage struct {
	FileID    uint64
	PageIndex uint64
	LSN       LSN
}

const logFileName = "gojocache.wal"

// LogManager is a single-segment append log. Records are buffered in memory
// and made durable by FlushUntil.
type LogManager struct {
	mu sync.Mutex

	file           *os.File
	buffer         *bytes.Buffer
	currentLSN     LSN
	lastFlushedLSN LSN

	// First-dirty LSN per page, kept for checkpointing.
	dirtyPages map[DirtyPageKey]LSN

	logger *zap.Logger
}

// DirtyPageKey identifies a page in the dirty-page table.
type DirtyPageKey struct {
	FileID    uint64
	PageIndex uint64
}

// NewLogManager opens or creates the log segment inside dir.
func NewLogManager(dir string, logger *zap.Logger) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, logFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open log segment %s: %w", path, err)
	}

	lm := &LogManager{
		file:       file,
		buffer:     bytes.NewBuffer(nil),
		dirtyPages: make(map[DirtyPageKey]LSN),
		logger:     logger,
	}
	if err := lm.recoverTailLSN(); err != nil {
		_ = file.Close()
		return nil, err
	}
	logger.Info("log manager initialized",
		zap.String("segment", path), zap.Uint64("tail_lsn", uint64(lm.currentLSN)))
	return lm, nil
}

// recoverTailLSN walks the existing segment to find the highest LSN.
func (lm *LogManager) recoverTailLSN() error {
	data, err := os.ReadFile(lm.file.Name())
	if err != nil {
		return fmt.Errorf("failed to read log segment: %w", err)
	}
	offset := 0
	for offset+12 <= len(data) {
		lsn := LSN(binary.BigEndian.Uint64(data[offset : offset+8]))
		size := int(binary.BigEndian.Uint32(data[offset+8 : offset+12]))
		if offset+12+size > len(data) {
			// Torn tail from an unclean shutdown; everything before it is valid.
			break
		}
		lm.currentLSN = lsn
		offset += 12 + size
	}
	lm.lastFlushedLSN = lm.currentLSN
	return nil
}

// Append buffers one record and returns its LSN. The record is not durable
// until FlushUntil covers the returned LSN.
func (lm *LogManager) Append(payload []byte) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.currentLSN++
	header := make([]byte, 12)
	binary.BigEndian.PutUint64(header[0:8], uint64(lm.currentLSN))
	binary.BigEndian.PutUint32(header[8:12], uint32(len(payload)))
	lm.buffer.Write(header)
	lm.buffer.Write(payload)
	return lm.currentLSN, nil
}

// CurrentLSN returns the LSN of the most recently appended record.
func (lm *LogManager) CurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.currentLSN
}

// LastFlushedLSN returns the highest LSN known to be durable.
func (lm *LogManager) LastFlushedLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.lastFlushedLSN
}

// FlushUntil makes every record with LSN <= lsn durable. The whole buffer is
// written out, so durability typically reaches past lsn.
func (lm *LogManager) FlushUntil(lsn LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lsn <= lm.lastFlushedLSN {
		return nil
	}
	if lm.buffer.Len() > 0 {
		if _, err := lm.file.Write(lm.buffer.Bytes()); err != nil {
			return fmt.Errorf("failed to write log buffer: %w", err)
		}
		lm.buffer.Reset()
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log segment: %w", err)
	}
	lm.lastFlushedLSN = lm.currentLSN
	return nil
}

// RegisterDirty records the page in the dirty-page table. The first LSN that
// dirtied the page is kept; later mutations do not move it.
func (lm *LogManager) RegisterDirty(fileID, pageIndex uint64, lsn LSN) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	key := DirtyPageKey{FileID: fileID, PageIndex: pageIndex}
	if _, ok := lm.dirtyPages[key]; !ok {
		lm.dirtyPages[key] = lsn
	}
}

// ClearDirty drops the page from the dirty-page table once its buffer has
// reached the data file.
func (lm *LogManager) ClearDirty(fileID, pageIndex uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.dirtyPages, DirtyPageKey{FileID: fileID, PageIndex: pageIndex})
}

// CheckpointDirtyPages returns the dirty-page table in deterministic order.
func (lm *LogManager) CheckpointDirtyPages() []DirtyPage {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	pages := make([]DirtyPage, 0, len(lm.dirtyPages))
	for key, lsn := range lm.dirtyPages {
		pages = append(pages, DirtyPage{FileID: key.FileID, PageIndex: key.PageIndex, LSN: lsn})
	}
	sort.Slice(pages, func(i, j int) bool {
		if pages[i].FileID != pages[j].FileID {
			return pages[i].FileID < pages[j].FileID
		}
		return pages[i].PageIndex < pages[j].PageIndex
	})
	return pages
}

// Close flushes the buffer and releases the segment handle.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.file == nil {
		return nil
	}
	if lm.buffer.Len() > 0 {
		if _, err := lm.file.Write(lm.buffer.Bytes()); err != nil {
			return fmt.Errorf("failed to write log buffer on close: %w", err)
		}
		lm.buffer.Reset()
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log segment on close: %w", err)
	}
	lm.lastFlushedLSN = lm.currentLSN
	err := lm.file.Close()
	lm.file = nil
	if err != nil {
		return fmt.Errorf("failed to close log segment: %w", err)
	}
	return nil
}
