package diskcache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInCache is returned when an operation names a page that was
	// never loaded. The message is part of the public contract.
	ErrNotInCache = errors.New("Requested page is not in cache")

	// ErrAllPagesPinned is returned when the eviction scan finds no
	// unpinned victim.
	ErrAllPagesPinned = errors.New("all cached pages are pinned, no eviction candidate")

	// ErrResourceExhausted is returned when a bounded retry loop runs out
	// of attempts.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrCacheUnhealthy is returned by MarkDirty after the background
	// flusher hit repeated hard failures.
	ErrCacheUnhealthy = errors.New("disk cache is unhealthy, background flusher failed")

	// ErrFileNotOpenInCache is returned when an operation names an unknown
	// file id.
	ErrFileNotOpenInCache = errors.New("file is not open in disk cache")
)

// BlockedPageError reports a flush that ran into a pinned page.
type BlockedPageError struct {
	FileID    uint64
	PageIndex uint64
}

func (e *BlockedPageError) Error() string {
	return fmt.Sprintf("Unable to perform flush file because page [%d, %d] is in use.", e.FileID, e.PageIndex)
}

// PageVerificationError describes one bad page found by CheckStoredPages.
// It is reported, never returned as an error.
type PageVerificationError struct {
	MagicNumberIncorrect bool
	ChecksumIncorrect    bool
	IOFailure            bool
	PageIndex            int64
	FileName             string
}
