package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ArchiveStore is the cold tier: one file per block under a directory.
// Slowest class; only ever reached after every faster tier rejected a block.
type ArchiveStore struct {
	mu       sync.Mutex
	dir      string
	capacity int64
	used     int64
	next     int64
}

func NewArchiveStore(dir string, size int64) (*ArchiveStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &ArchiveStore{dir: dir, capacity: size}, nil
}

func (s *ArchiveStore) Alloc(size int64) (Handle, error) {
	if size <= 0 {
		size = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used+size > s.capacity {
		return Handle{}, ErrStoreFull{Need: size, Free: s.capacity - s.used}
	}
	id := s.next
	s.next++
	s.used += size
	return Handle{Offset: id, Size: size, Path: filepath.Join(s.dir, fmt.Sprintf("blk-%d.bin", id))}, nil
}

func (s *ArchiveStore) Free(h Handle) {
	s.mu.Lock()
	s.used -= h.Size
	if s.used < 0 {
		s.used = 0
	}
	s.mu.Unlock()
	_ = os.Remove(h.Path)
}

func (s *ArchiveStore) Write(h Handle, b []byte) error {
	if int64(len(b)) > h.Size {
		return fmt.Errorf("write exceeds handle size: %d > %d", len(b), h.Size)
	}
	return os.WriteFile(h.Path, b, 0o644)
}

func (s *ArchiveStore) Read(h Handle, n int64) ([]byte, error) {
	b, err := os.ReadFile(h.Path)
	if err != nil {
		return nil, err
	}
	if n > int64(len(b)) {
		return nil, fmt.Errorf("read exceeds stored size: %d > %d", n, len(b))
	}
	return b[:n], nil
}

func (s *ArchiveStore) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *ArchiveStore) Capacity() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

func (s *ArchiveStore) Close() error { return nil }
