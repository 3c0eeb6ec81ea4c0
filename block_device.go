package shufflefs

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/absfs/absfs"
)

// BlockDevice is the backing store shared by all volumes of a device. Sectors
// are SectorSize bytes and both calls are synchronous.
type BlockDevice interface {
	// ReadSector fills buf (SectorSize bytes) with the contents of sector
	ReadSector(sector uint64, buf []byte) error

	// WriteSector stores buf (SectorSize bytes) at sector
	WriteSector(sector uint64, buf []byte) error

	// Close releases the device
	Close() error
}

// DeviceOpener opens the backing device named by path.
type DeviceOpener func(path string) (BlockDevice, error)

// FileSystemOpener returns a DeviceOpener that opens (creating if needed)
// backing files on fs.
func FileSystemOpener(fs absfs.FileSystem) DeviceOpener {
	return func(path string) (BlockDevice, error) {
		if err := ValidateDevicePath(path); err != nil {
			return nil, err
		}
		f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return nil, NewIOError("open", path, -1, err)
		}
		return NewFileDevice(f), nil
	}
}

// FileDevice is a BlockDevice stored in an absfs.File. Sectors past the end
// of the file read as zeros.
type FileDevice struct {
	mu   sync.Mutex
	file absfs.File
	name string
}

// NewFileDevice wraps an open file
func NewFileDevice(f absfs.File) *FileDevice {
	return &FileDevice{file: f, name: f.Name()}
}

// ReadSector reads one sector from the file
func (d *FileDevice) ReadSector(sector uint64, buf []byte) error {
	if err := ValidateBuffer(buf, "buf", SectorSize); err != nil {
		return err
	}
	buf = buf[:SectorSize]

	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.file.ReadAt(buf, int64(sector)*SectorSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return NewIOError("read", d.name, int64(sector), err)
	}
	clear(buf[n:])
	return nil
}

// WriteSector writes one sector to the file
func (d *FileDevice) WriteSector(sector uint64, buf []byte) error {
	if err := ValidateBuffer(buf, "buf", SectorSize); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.file.WriteAt(buf[:SectorSize], int64(sector)*SectorSize)
	if err != nil {
		return NewIOError("write", d.name, int64(sector), err)
	}
	if n != SectorSize {
		return NewIOError("write", d.name, int64(sector), io.ErrShortWrite)
	}
	return nil
}

// Sync flushes the file to stable storage
func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.file.Sync(); err != nil {
		return NewIOError("sync", d.name, -1, err)
	}
	return nil
}

// Close syncs and closes the file
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.file.Sync(); err != nil {
		d.file.Close()
		return NewIOError("sync", d.name, -1, err)
	}
	if err := d.file.Close(); err != nil {
		return NewIOError("close", d.name, -1, err)
	}
	return nil
}

// MemDevice is a sparse in-memory BlockDevice. Only written sectors take
// memory, so large layouts stay cheap. Close keeps the contents, so the same
// MemDevice can be reopened.
type MemDevice struct {
	mu      sync.RWMutex
	sectors map[uint64][]byte

	reads  atomic.Int64
	writes atomic.Int64
}

// NewMemDevice creates an empty in-memory device
func NewMemDevice() *MemDevice {
	return &MemDevice{sectors: make(map[uint64][]byte)}
}

// ReadSector copies a sector into buf; unwritten sectors are zero
func (m *MemDevice) ReadSector(sector uint64, buf []byte) error {
	if err := ValidateBuffer(buf, "buf", SectorSize); err != nil {
		return err
	}
	m.reads.Add(1)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sectors[sector]; ok {
		copy(buf, s)
	} else {
		clear(buf[:SectorSize])
	}
	return nil
}

// WriteSector stores a copy of buf
func (m *MemDevice) WriteSector(sector uint64, buf []byte) error {
	if err := ValidateBuffer(buf, "buf", SectorSize); err != nil {
		return err
	}
	m.writes.Add(1)

	s := make([]byte, SectorSize)
	copy(s, buf)

	m.mu.Lock()
	m.sectors[sector] = s
	m.mu.Unlock()
	return nil
}

// Close is a no-op
func (m *MemDevice) Close() error {
	return nil
}

// Reads returns the number of ReadSector calls served
func (m *MemDevice) Reads() int64 {
	return m.reads.Load()
}

// Writes returns the number of WriteSector calls served
func (m *MemDevice) Writes() int64 {
	return m.writes.Load()
}

// Sector returns a copy of a stored sector, or nil if it was never written
func (m *MemDevice) Sector(sector uint64) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sectors[sector]
	if !ok {
		return nil
	}
	out := make([]byte, SectorSize)
	copy(out, s)
	return out
}

// MemOpener returns a DeviceOpener that hands out one MemDevice per path,
// the same one on every open.
func MemOpener() (DeviceOpener, func(path string) *MemDevice) {
	var mu sync.Mutex
	devs := make(map[string]*MemDevice)
	get := func(path string) *MemDevice {
		mu.Lock()
		defer mu.Unlock()
		d, ok := devs[path]
		if !ok {
			d = NewMemDevice()
			devs[path] = d
		}
		return d
	}
	open := func(path string) (BlockDevice, error) {
		if err := ValidateDevicePath(path); err != nil {
			return nil, err
		}
		return get(path), nil
	}
	return open, get
}
