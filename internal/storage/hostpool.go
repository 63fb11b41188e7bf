package storage

import (
	"fmt"
	"sync"
)

// HostPool manages host memory allocations for the pinned and pageable
// tiers. Allocations are independent buffers tracked against a total budget,
// the same accounting a cudaHostAlloc-backed pool keeps.
type HostPool struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	next     int64
	bufs     map[int64][]byte
}

func NewHostPool(size int64) *HostPool {
	return &HostPool{
		capacity: size,
		bufs:     make(map[int64][]byte),
	}
}

func (p *HostPool) Alloc(size int64) (Handle, error) {
	if size <= 0 {
		size = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used+size > p.capacity {
		return Handle{}, ErrStoreFull{Need: size, Free: p.capacity - p.used}
	}
	id := p.next
	p.next++
	p.bufs[id] = make([]byte, size)
	p.used += size
	return Handle{Offset: id, Size: size}, nil
}

func (p *HostPool) Free(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.bufs[h.Offset]; ok {
		delete(p.bufs, h.Offset)
		p.used -= h.Size
	}
}

func (p *HostPool) Write(h Handle, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf, ok := p.bufs[h.Offset]
	if !ok {
		return fmt.Errorf("host pool: unknown handle %d", h.Offset)
	}
	if len(b) > len(buf) {
		return fmt.Errorf("write exceeds handle size: %d > %d", len(b), len(buf))
	}
	copy(buf, b)
	return nil
}

func (p *HostPool) Read(h Handle, n int64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf, ok := p.bufs[h.Offset]
	if !ok {
		return nil, fmt.Errorf("host pool: unknown handle %d", h.Offset)
	}
	if n > int64(len(buf)) {
		return nil, fmt.Errorf("read exceeds handle size: %d > %d", n, len(buf))
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

func (p *HostPool) Used() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

func (p *HostPool) Capacity() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

func (p *HostPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bufs = make(map[int64][]byte)
	p.used = 0
	return nil
}
