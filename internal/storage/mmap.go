package storage

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// MmapStore backs the local-fast tier with a memory-mapped file. Blocks get
// offset ranges inside the mapping; reads and writes go straight through the
// page cache without an extra buffered-IO copy.
type MmapStore struct {
	mu    sync.Mutex
	f     *os.File
	data  []byte
	alloc *offsetAllocator
}

func NewMmapStore(path string, size int64) (*MmapStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mmap backing file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("size mmap backing file: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MmapStore{
		f:     f,
		data:  data,
		alloc: newOffsetAllocator(size),
	}, nil
}

func (s *MmapStore) Alloc(size int64) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, err := s.alloc.alloc(size)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Offset: off, Size: size, Path: s.f.Name()}, nil
}

func (s *MmapStore) Free(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alloc.release(h.Offset, h.Size)
}

func (s *MmapStore) Write(h Handle, b []byte) error {
	if int64(len(b)) > h.Size {
		return fmt.Errorf("write exceeds handle size: %d > %d", len(b), h.Size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.data[h.Offset:h.Offset+int64(len(b))], b)
	return nil
}

func (s *MmapStore) Read(h Handle, n int64) ([]byte, error) {
	if n > h.Size {
		return nil, fmt.Errorf("read exceeds handle size: %d > %d", n, h.Size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, n)
	copy(out, s.data[h.Offset:h.Offset+n])
	return out, nil
}

func (s *MmapStore) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alloc.used
}

func (s *MmapStore) Capacity() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alloc.capacity
}

func (s *MmapStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return err
		}
		s.data = nil
	}
	return s.f.Close()
}
