package storage

import "sort"

// span is one free region inside an offset-addressed store.
type span struct {
	off, size int64
}

// offsetAllocator hands out offsets from a fixed-size region using a
// first-fit free list with coalescing on free. Not safe for concurrent use;
// callers hold the store mutex.
type offsetAllocator struct {
	capacity int64
	used     int64
	free     []span
}

func newOffsetAllocator(capacity int64) *offsetAllocator {
	return &offsetAllocator{
		capacity: capacity,
		free:     []span{{off: 0, size: capacity}},
	}
}

func (a *offsetAllocator) alloc(size int64) (int64, error) {
	if size <= 0 {
		size = 1
	}
	for i := range a.free {
		if a.free[i].size >= size {
			off := a.free[i].off
			a.free[i].off += size
			a.free[i].size -= size
			if a.free[i].size == 0 {
				a.free = append(a.free[:i], a.free[i+1:]...)
			}
			a.used += size
			return off, nil
		}
	}
	return 0, ErrStoreFull{Need: size, Free: a.capacity - a.used}
}

func (a *offsetAllocator) release(off, size int64) {
	if size <= 0 {
		size = 1
	}
	a.used -= size
	a.free = append(a.free, span{off: off, size: size})
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].off < a.free[j].off })
	// Coalesce adjacent spans to fight fragmentation.
	merged := a.free[:1]
	for _, s := range a.free[1:] {
		last := &merged[len(merged)-1]
		if last.off+last.size == s.off {
			last.size += s.size
			continue
		}
		merged = append(merged, s)
	}
	a.free = merged
}
