package storage

import "fmt"

// Handle identifies one allocation inside a Store.
type Handle struct {
	Offset int64
	Size   int64
	// Path is set for file-per-block stores (cold archive).
	Path string
}

// Store is the physical backing memory of one tier.
type Store interface {
	// Alloc reserves size bytes and returns a handle to the region.
	Alloc(size int64) (Handle, error)
	// Free returns the region to the store.
	Free(h Handle)
	// Write copies b into the region. len(b) may be smaller than h.Size
	// (compressed payloads occupy a full-size reservation).
	Write(h Handle, b []byte) error
	// Read copies n bytes out of the region.
	Read(h Handle, n int64) ([]byte, error)
	Used() int64
	Capacity() int64
	Close() error
}

// ErrStoreFull is returned by Alloc when the store cannot fit the request.
type ErrStoreFull struct {
	Need, Free int64
}

func (e ErrStoreFull) Error() string {
	return fmt.Sprintf("insufficient store capacity: need %d, available %d", e.Need, e.Free)
}
