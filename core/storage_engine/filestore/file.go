// Package filestore implements the single-file manager the disk cache sits
// on top of. Every data file carries a small fixed header holding a magic
// number, a format version and the soft-close flag; page offsets handed to
// Read and Write are relative to the end of that header.
package filestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

const (
	fileMagic   uint64 = 0x676F6A6F63616368 // "gojocach"
	fileVersion uint16 = 1

	// HeaderSize is reserved at the start of every data file. Page offsets
	// are relative to this boundary.
	HeaderSize = 64

	softClosedOffset = 10
)

var (
	ErrIO           = errors.New("i/o error")
	ErrFileNotOpen  = errors.New("file is not open")
	ErrFileExists   = errors.New("data file already exists")
	ErrFileNotFound = errors.New("data file not found")
	ErrBadHeader    = errors.New("invalid data file header")
	ErrFileLocked   = errors.New("data file is locked by another process")
)

// File wraps one append-growable data file.
type File struct {
	mu   sync.Mutex
	path string
	file *os.File

	softlyClosed bool
	useLock      bool
	lockPath     string
}

// NewFile prepares a handle for the file at path. When useLock is true,
// Open and Create take an exclusive lock file next to the data file.
func NewFile(path string, useLock bool) *File {
	return &File{path: path, useLock: useLock}
}

// Name returns the base name of the underlying file.
func (f *File) Name() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return filepath.Base(f.path)
}

// Path returns the full path of the underlying file.
func (f *File) Path() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path
}

// Exists reports whether the data file is present on disk.
func (f *File) Exists() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := os.Stat(f.path)
	return err == nil
}

// Create initializes a new data file. It fails if one already exists.
func (f *File) Create() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file != nil {
		return fmt.Errorf("%w: %s", ErrFileExists, f.path)
	}
	if _, err := os.Stat(f.path); err == nil {
		return fmt.Errorf("%w: %s", ErrFileExists, f.path)
	}
	if err := f.acquireLock(); err != nil {
		return err
	}

	file, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		f.releaseLock()
		return fmt.Errorf("%w: creating file %s: %v", ErrIO, f.path, err)
	}
	f.file = file
	f.softlyClosed = false
	if err := f.writeHeader(); err != nil {
		_ = file.Close()
		f.file = nil
		f.releaseLock()
		_ = os.Remove(f.path)
		return err
	}
	return nil
}

// Open opens an existing data file, validates its header and clears the
// soft-close flag so an unclean shutdown is observable.
func (f *File) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file != nil {
		return nil
	}
	if _, err := os.Stat(f.path); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, f.path)
	}
	if err := f.acquireLock(); err != nil {
		return err
	}

	file, err := os.OpenFile(f.path, os.O_RDWR, 0666)
	if err != nil {
		f.releaseLock()
		return fmt.Errorf("%w: opening file %s: %v", ErrIO, f.path, err)
	}
	f.file = file

	if err := f.readHeader(); err != nil {
		_ = file.Close()
		f.file = nil
		f.releaseLock()
		return err
	}

	// Until the file is closed cleanly again, it counts as hard-closed.
	wasSoftlyClosed := f.softlyClosed
	f.softlyClosed = false
	if err := f.writeHeader(); err != nil {
		_ = file.Close()
		f.file = nil
		f.releaseLock()
		return err
	}
	f.softlyClosed = wasSoftlyClosed
	return nil
}

// IsOpen reports whether the file handle is live.
func (f *File) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file != nil
}

// Read fills buf from the data region at the given data-relative position.
// Reads past the high-water mark zero-fill the remainder.
func (f *File) Read(pos int64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return ErrFileNotOpen
	}
	n, err := f.file.ReadAt(buf, HeaderSize+pos)
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: reading %d bytes at %d from %s: %v", ErrIO, len(buf), pos, f.path, err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// Write stores buf at the given data-relative position, growing the file
// as needed.
func (f *File) Write(pos int64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return ErrFileNotOpen
	}
	if _, err := f.file.WriteAt(buf, HeaderSize+pos); err != nil {
		return fmt.Errorf("%w: writing %d bytes at %d to %s: %v", ErrIO, len(buf), pos, f.path, err)
	}
	return nil
}

// FilledUpTo returns the high-water mark of the data region in bytes.
func (f *File) FilledUpTo() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return 0, ErrFileNotOpen
	}
	fi, err := f.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stating %s: %v", ErrIO, f.path, err)
	}
	size := fi.Size() - HeaderSize
	if size < 0 {
		size = 0
	}
	return size, nil
}

// Shrink truncates the data region to size bytes.
func (f *File) Shrink(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return ErrFileNotOpen
	}
	if err := f.file.Truncate(HeaderSize + size); err != nil {
		return fmt.Errorf("%w: shrinking %s to %d: %v", ErrIO, f.path, size, err)
	}
	return nil
}

// Synch forces buffered writes to stable storage.
func (f *File) Synch() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return ErrFileNotOpen
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, f.path, err)
	}
	return nil
}

// Close marks the file softly closed, syncs and releases the handle.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}
	f.softlyClosed = true
	if err := f.writeHeader(); err != nil {
		return err
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s on close: %v", ErrIO, f.path, err)
	}
	err := f.file.Close()
	f.file = nil
	f.releaseLock()
	if err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, f.path, err)
	}
	return nil
}

// Delete closes the handle if needed and removes the file from disk.
func (f *File) Delete() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file != nil {
		if err := f.file.Close(); err != nil {
			return fmt.Errorf("%w: closing %s before delete: %v", ErrIO, f.path, err)
		}
		f.file = nil
		f.releaseLock()
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: deleting %s: %v", ErrIO, f.path, err)
	}
	return nil
}

// Rename moves the data file to newPath. The file may stay open; the handle
// is reopened at the new location.
func (f *File) Rename(newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	wasOpen := f.file != nil
	if wasOpen {
		if err := f.file.Close(); err != nil {
			return fmt.Errorf("%w: closing %s before rename: %v", ErrIO, f.path, err)
		}
		f.file = nil
	}
	if err := os.Rename(f.path, newPath); err != nil {
		// Reopen at the old path so the handle stays usable for a retry.
		if wasOpen {
			if file, reopenErr := os.OpenFile(f.path, os.O_RDWR, 0666); reopenErr == nil {
				f.file = file
			}
		}
		return fmt.Errorf("%w: renaming %s to %s: %v", ErrIO, f.path, newPath, err)
	}
	f.releaseLock()
	f.path = newPath
	if f.useLock {
		if err := f.acquireLock(); err != nil {
			return err
		}
	}
	if wasOpen {
		file, err := os.OpenFile(f.path, os.O_RDWR, 0666)
		if err != nil {
			return fmt.Errorf("%w: reopening %s after rename: %v", ErrIO, f.path, err)
		}
		f.file = file
	}
	return nil
}

// WasSoftlyClosed reports whether the last shutdown wrote the soft-close
// marker.
func (f *File) WasSoftlyClosed() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return false, ErrFileNotOpen
	}
	return f.softlyClosed, nil
}

// SetSoftlyClosed overrides the soft-close marker and persists it.
func (f *File) SetSoftlyClosed(softlyClosed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return ErrFileNotOpen
	}
	f.softlyClosed = softlyClosed
	return f.writeHeader()
}

func (f *File) writeHeader() error {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint64(header[0:8], fileMagic)
	binary.BigEndian.PutUint16(header[8:10], fileVersion)
	if f.softlyClosed {
		header[softClosedOffset] = 1
	}
	if _, err := f.file.WriteAt(header, 0); err != nil {
		return fmt.Errorf("%w: writing header of %s: %v", ErrIO, f.path, err)
	}
	return nil
}

func (f *File) readHeader() error {
	header := make([]byte, HeaderSize)
	n, err := f.file.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: reading header of %s: %v", ErrIO, f.path, err)
	}
	if n < HeaderSize {
		return fmt.Errorf("%w: %s: header too short", ErrBadHeader, f.path)
	}
	if binary.BigEndian.Uint64(header[0:8]) != fileMagic {
		return fmt.Errorf("%w: %s: magic number mismatch", ErrBadHeader, f.path)
	}
	if v := binary.BigEndian.Uint16(header[8:10]); v != fileVersion {
		return fmt.Errorf("%w: %s: unsupported version %d", ErrBadHeader, f.path, v)
	}
	f.softlyClosed = header[softClosedOffset] == 1
	return nil
}

// acquireLock takes an exclusive lock file next to the data file. The lock
// file holds an owner token so stale locks are attributable in the field.
func (f *File) acquireLock() error {
	if !f.useLock {
		return nil
	}
	lockPath := f.path + ".lck"
	lockFile, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrFileLocked, lockPath)
		}
		return fmt.Errorf("%w: creating lock file %s: %v", ErrIO, lockPath, err)
	}
	_, writeErr := lockFile.WriteString(uuid.NewString())
	closeErr := lockFile.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(lockPath)
		return fmt.Errorf("%w: initializing lock file %s", ErrIO, lockPath)
	}
	f.lockPath = lockPath
	return nil
}

func (f *File) releaseLock() {
	if f.lockPath == "" {
		return
	}
	_ = os.Remove(f.lockPath)
	f.lockPath = ""
}
