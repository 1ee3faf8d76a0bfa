package msd

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ardnew/softhcd/pkg"
)

// Storage is the block device behind a simulated disk.
type Storage interface {
	// BlockSize returns the logical block length in bytes.
	BlockSize() uint32

	// BlockCount returns the number of logical blocks.
	BlockCount() uint64

	// ReadBlocks fills buf (a whole number of blocks) starting at lba.
	ReadBlocks(lba uint64, buf []byte) error

	// WriteBlocks stores buf (a whole number of blocks) starting at lba.
	WriteBlocks(lba uint64, buf []byte) error

	// Sync flushes cached writes.
	Sync() error

	// IsReadOnly reports whether writes are refused.
	IsReadOnly() bool

	// IsPresent reports whether a medium is loaded.
	IsPresent() bool

	// Eject unloads a removable medium.
	Eject() error
}

// span validates a block range and returns its byte offset.
func span(s Storage, lba uint64, buf []byte) (int64, error) {
	bs := uint64(s.BlockSize())
	if uint64(len(buf))%bs != 0 {
		return 0, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte blocks",
			pkg.ErrInvalidParameter, len(buf), bs)
	}
	if lba+uint64(len(buf))/bs > s.BlockCount() {
		return 0, io.EOF
	}
	return int64(lba * bs), nil
}

// MemoryStorage is a RAM disk.
type MemoryStorage struct {
	mu        sync.RWMutex
	data      []byte
	blockSize uint32
	readOnly  bool
	removable bool
	present   bool
}

// NewMemoryStorage creates a RAM disk of blocks blocks of blockSize bytes.
func NewMemoryStorage(blocks uint64, blockSize uint32) *MemoryStorage {
	return &MemoryStorage{
		data:      make([]byte, blocks*uint64(blockSize)),
		blockSize: blockSize,
		present:   true,
	}
}

// BlockSize implements Storage.
func (m *MemoryStorage) BlockSize() uint32 { return m.blockSize }

// BlockCount implements Storage.
func (m *MemoryStorage) BlockCount() uint64 {
	return uint64(len(m.data)) / uint64(m.blockSize)
}

// ReadBlocks implements Storage.
func (m *MemoryStorage) ReadBlocks(lba uint64, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.present {
		return pkg.ErrNoDevice
	}
	off, err := span(m, lba, buf)
	if err != nil {
		return err
	}
	copy(buf, m.data[off:])
	return nil
}

// WriteBlocks implements Storage.
func (m *MemoryStorage) WriteBlocks(lba uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.present {
		return pkg.ErrNoDevice
	}
	if m.readOnly {
		return os.ErrPermission
	}
	off, err := span(m, lba, buf)
	if err != nil {
		return err
	}
	copy(m.data[off:], buf)
	return nil
}

// Bytes returns a copy of the disk contents.
func (m *MemoryStorage) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.data...)
}

// Sync implements Storage.
func (m *MemoryStorage) Sync() error { return nil }

// IsReadOnly implements Storage.
func (m *MemoryStorage) IsReadOnly() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readOnly
}

// SetReadOnly sets write protection.
func (m *MemoryStorage) SetReadOnly(readOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = readOnly
}

// SetRemovable marks the medium removable.
func (m *MemoryStorage) SetRemovable(removable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removable = removable
}

// IsPresent implements Storage.
func (m *MemoryStorage) IsPresent() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.present
}

// SetPresent loads or unloads the medium.
func (m *MemoryStorage) SetPresent(present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present = present
}

// Eject implements Storage.
func (m *MemoryStorage) Eject() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.removable {
		return os.ErrPermission
	}
	m.present = false
	return nil
}

// FileStorage is a disk image on the host file system.
type FileStorage struct {
	mu        sync.Mutex
	file      *os.File
	blockSize uint32
	blocks    uint64
	readOnly  bool
}

// OpenFileStorage opens a disk image. A writable image smaller than
// minBlocks blocks is grown to that size.
func OpenFileStorage(path string, blockSize uint32, minBlocks uint64, readOnly bool) (*FileStorage, error) {
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := uint64(st.Size())
	if want := minBlocks * uint64(blockSize); !readOnly && size < want {
		if err := f.Truncate(int64(want)); err != nil {
			f.Close()
			return nil, err
		}
		size = want
	}
	return &FileStorage{
		file:      f,
		blockSize: blockSize,
		blocks:    size / uint64(blockSize),
		readOnly:  readOnly,
	}, nil
}

// BlockSize implements Storage.
func (f *FileStorage) BlockSize() uint32 { return f.blockSize }

// BlockCount implements Storage.
func (f *FileStorage) BlockCount() uint64 { return f.blocks }

// ReadBlocks implements Storage.
func (f *FileStorage) ReadBlocks(lba uint64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	off, err := span(f, lba, buf)
	if err != nil {
		return err
	}
	_, err = f.file.ReadAt(buf, off)
	return err
}

// WriteBlocks implements Storage.
func (f *FileStorage) WriteBlocks(lba uint64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readOnly {
		return os.ErrPermission
	}
	off, err := span(f, lba, buf)
	if err != nil {
		return err
	}
	_, err = f.file.WriteAt(buf, off)
	return err
}

// Sync implements Storage.
func (f *FileStorage) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readOnly {
		return nil
	}
	return f.file.Sync()
}

// IsReadOnly implements Storage.
func (f *FileStorage) IsReadOnly() bool { return f.readOnly }

// IsPresent implements Storage.
func (f *FileStorage) IsPresent() bool { return true }

// Eject implements Storage. Images are not removable.
func (f *FileStorage) Eject() error { return os.ErrPermission }

// Close closes the image.
func (f *FileStorage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
