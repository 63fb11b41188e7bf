package transport

import (
	"context"
	"fmt"
)

// Kind enumerates the closed set of transport backends.
type Kind int

const (
	KindAlias Kind = iota
	KindPeerDMA
	KindStaged
	KindMmap
	KindRDMA
	KindZeroCopyTCP
	KindBufferedTCP
)

func (k Kind) String() string {
	switch k {
	case KindAlias:
		return "alias"
	case KindPeerDMA:
		return "peer-dma"
	case KindStaged:
		return "staged"
	case KindMmap:
		return "mmap"
	case KindRDMA:
		return "rdma"
	case KindZeroCopyTCP:
		return "zerocopy-tcp"
	default:
		return "buffered-tcp"
	}
}

// Backend moves one block payload between two locations. deliver commits the
// bytes at the destination; a backend must either call deliver with the full
// payload or return an error, never both.
type Backend interface {
	Kind() Kind
	Send(ctx context.Context, desc *Descriptor, payload []byte, deliver func([]byte) error) error
}

// aliasBackend covers same-accelerator moves: the bytes stay where they are,
// only the mapping changes.
type aliasBackend struct{}

func (aliasBackend) Kind() Kind { return KindAlias }

func (aliasBackend) Send(ctx context.Context, desc *Descriptor, payload []byte, deliver func([]byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return deliver(payload)
}

// peerDMABackend models a device-to-device DMA copy on a dedicated stream.
// The calling goroutine is not held for the copy; the factory already runs
// Send off the issuing thread, so a direct handoff is the whole job.
type peerDMABackend struct{}

func (peerDMABackend) Kind() Kind { return KindPeerDMA }

func (peerDMABackend) Send(ctx context.Context, desc *Descriptor, payload []byte, deliver func([]byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return deliver(payload)
}

// stagedBackend copies device→pinned→device through a bounded staging buffer,
// the fallback when peer DMA is not supported between two devices.
type stagedBackend struct {
	chunk int
}

func (stagedBackend) Kind() Kind { return KindStaged }

func (b stagedBackend) Send(ctx context.Context, desc *Descriptor, payload []byte, deliver func([]byte) error) error {
	chunk := b.chunk
	if chunk <= 0 {
		chunk = 4 << 20
	}
	staged := make([]byte, 0, len(payload))
	stage := make([]byte, chunk)
	for off := 0; off < len(payload); off += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(stage, payload[off:])
		staged = append(staged, stage[:n]...)
	}
	return deliver(staged)
}

// mmapBackend hands payloads to file-backed tiers on the same host. The
// destination store is already a mapping, so delivery is the write itself.
type mmapBackend struct{}

func (mmapBackend) Kind() Kind { return KindMmap }

func (mmapBackend) Send(ctx context.Context, desc *Descriptor, payload []byte, deliver func([]byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return deliver(payload)
}

// errShortDeliver guards against backends acking partial payloads.
func checkSize(desc *Descriptor, payload []byte) error {
	if desc.Size > 0 && int64(len(payload)) > desc.Size {
		return fmt.Errorf("payload exceeds descriptor size: %d > %d", len(payload), desc.Size)
	}
	return nil
}
