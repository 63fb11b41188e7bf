package storage

import (
	"fmt"
	"sync"
)

// Arena is a fixed-size device memory arena. Device memory is modeled as a
// process-local buffer addressed by offset; the real allocation discipline
// (reserve up front, hand out offsets, coalescing free list) matches what a
// CUDA arena would do against a cudaMalloc'd slab.
type Arena struct {
	mu     sync.Mutex
	device int
	buf    []byte
	alloc  *offsetAllocator
}

// NewArena creates an arena of size bytes bound to a device index.
func NewArena(device int, size int64) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arena size must be positive, got %d", size)
	}
	return &Arena{
		device: device,
		buf:    make([]byte, size),
		alloc:  newOffsetAllocator(size),
	}, nil
}

func (a *Arena) Device() int { return a.device }

func (a *Arena) Alloc(size int64) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	off, err := a.alloc.alloc(size)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Offset: off, Size: size}, nil
}

func (a *Arena) Free(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alloc.release(h.Offset, h.Size)
}

func (a *Arena) Write(h Handle, b []byte) error {
	if int64(len(b)) > h.Size {
		return fmt.Errorf("write exceeds handle size: %d > %d", len(b), h.Size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	copy(a.buf[h.Offset:h.Offset+int64(len(b))], b)
	return nil
}

func (a *Arena) Read(h Handle, n int64) ([]byte, error) {
	if n > h.Size {
		return nil, fmt.Errorf("read exceeds handle size: %d > %d", n, h.Size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, n)
	copy(out, a.buf[h.Offset:h.Offset+n])
	return out, nil
}

func (a *Arena) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc.used
}

func (a *Arena) Capacity() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc.capacity
}

func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = nil
	return nil
}
