package diskcache

import (
	"time"

	"github.com/sushant-115/gojocache/core/write_engine/wal"
)

// WriteAheadLog is the slice of the log the cache depends on. A nil log is
// tolerated everywhere; ordering guarantees then degrade to plain writes.
type WriteAheadLog interface {
	CurrentLSN() wal.LSN
	LastFlushedLSN() wal.LSN
	FlushUntil(lsn wal.LSN) error
	RegisterDirty(fileID, pageIndex uint64, lsn wal.LSN)
	ClearDirty(fileID, pageIndex uint64)
	CheckpointDirtyPages() []wal.DirtyPage
}

// CommandOutputListener receives progress messages from long-running
// administrative operations such as the integrity scan.
type CommandOutputListener interface {
	OnMessage(message string)
}

const (
	// writeGroupSize is the number of consecutive page indices flushed
	// together to exploit sequential I/O.
	writeGroupSize = 16

	minCacheSize = 16

	defaultFlushInterval     = time.Second
	defaultGroupAgeThreshold = 5 * time.Second
	defaultWriteQueueLength  = 15000

	renameMaxAttempts  = 8
	renameRetryBackoff = 100 * time.Millisecond
)

// Config holds all the configuration for the disk cache.
type Config struct {
	// StorageDir is the directory data files live in.
	StorageDir string `yaml:"storage_dir"`
	// MaxMemoryBytes is the total page buffer budget.
	MaxMemoryBytes int64 `yaml:"max_memory_bytes"`
	// PageSize is the fixed page size in bytes, system header included.
	PageSize int `yaml:"page_size"`
	// WriteQueueLength is the dirty-page backpressure threshold.
	WriteQueueLength int `yaml:"write_queue_length"`
	// SyncOnPageFlush forces an fsync after each flushed write group.
	SyncOnPageFlush bool `yaml:"sync_on_page_flush"`
	// StartFlush starts the background flusher at construction. Tests set
	// this to false and flush explicitly.
	StartFlush bool `yaml:"start_flush"`
	// FileLock makes the file manager take an exclusive lock per data file.
	FileLock bool `yaml:"file_lock"`
	// FlushInterval is the background flusher tick.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// GroupAgeThreshold is how old the least recently changed page of a
	// write group must be before the background flusher picks the group up.
	GroupAgeThreshold time.Duration `yaml:"group_age_threshold"`
}

func (c *Config) applyDefaults() {
	if c.WriteQueueLength <= 0 {
		c.WriteQueueLength = defaultWriteQueueLength
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.GroupAgeThreshold <= 0 {
		c.GroupAgeThreshold = defaultGroupAgeThreshold
	}
}
