// Package directmemory manages the fixed-size page buffers the disk cache
// hands out to callers. Buffers live in an arena addressed by opaque
// pointers, so containers can keep plain integer handles instead of owning
// slice references.
package directmemory

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Pointer addresses one allocated page buffer inside the arena.
type Pointer int64

// NullPointer marks the absence of a buffer ("ghost" cache entries).
const NullPointer Pointer = 0

var (
	ErrMemoryExhausted = errors.New("direct memory exhausted, no free page buffers")
	ErrInvalidPointer  = errors.New("invalid direct memory pointer")
)

// DirectMemory is a capacity-bounded arena of page-sized buffers.
type DirectMemory struct {
	pageSize int
	capacity int

	mu          sync.Mutex
	buffers     map[Pointer][]byte
	freeList    [][]byte
	nextPointer Pointer

	logger *zap.Logger
}

// New creates an arena able to hold up to capacity buffers of pageSize bytes.
func New(pageSize int, capacity int, logger *zap.Logger) *DirectMemory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectMemory{
		pageSize:    pageSize,
		capacity:    capacity,
		buffers:     make(map[Pointer][]byte),
		nextPointer: 1,
		logger:      logger,
	}
}

// Allocate hands out a zeroed page buffer. Freed buffers are reused before
// new ones are allocated.
func (dm *DirectMemory) Allocate() (Pointer, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if len(dm.buffers) >= dm.capacity {
		dm.logger.Warn("direct memory exhausted",
			zap.Int("capacity", dm.capacity), zap.Int("page_size", dm.pageSize))
		return NullPointer, ErrMemoryExhausted
	}

	var buf []byte
	if n := len(dm.freeList); n > 0 {
		buf = dm.freeList[n-1]
		dm.freeList = dm.freeList[:n-1]
		for i := range buf {
			buf[i] = 0
		}
	} else {
		buf = make([]byte, dm.pageSize)
	}

	ptr := dm.nextPointer
	dm.nextPointer++
	dm.buffers[ptr] = buf
	return ptr, nil
}

// Free returns the buffer to the free list. Freeing NullPointer is a no-op.
func (dm *DirectMemory) Free(ptr Pointer) {
	if ptr == NullPointer {
		return
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()

	buf, ok := dm.buffers[ptr]
	if !ok {
		dm.logger.Warn("double free of direct memory pointer", zap.Int64("pointer", int64(ptr)))
		return
	}
	delete(dm.buffers, ptr)
	dm.freeList = append(dm.freeList, buf)
}

// Get copies length bytes starting at offset out of the buffer.
func (dm *DirectMemory) Get(ptr Pointer, offset, length int) ([]byte, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	buf, ok := dm.buffers[ptr]
	if !ok || offset < 0 || offset+length > len(buf) {
		return nil, ErrInvalidPointer
	}
	out := make([]byte, length)
	copy(out, buf[offset:offset+length])
	return out, nil
}

// Set copies src into the buffer starting at offset.
func (dm *DirectMemory) Set(ptr Pointer, offset int, src []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	buf, ok := dm.buffers[ptr]
	if !ok || offset < 0 || offset+len(src) > len(buf) {
		return ErrInvalidPointer
	}
	copy(buf[offset:], src)
	return nil
}

// Slice returns the live buffer behind ptr. The caller must not hold the
// slice past the lifetime of the allocation.
func (dm *DirectMemory) Slice(ptr Pointer) ([]byte, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	buf, ok := dm.buffers[ptr]
	if !ok {
		return nil, ErrInvalidPointer
	}
	return buf, nil
}

// PageSize returns the fixed buffer size of the arena.
func (dm *DirectMemory) PageSize() int {
	return dm.pageSize
}

// Allocated returns the number of live buffers.
func (dm *DirectMemory) Allocated() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.buffers)
}
