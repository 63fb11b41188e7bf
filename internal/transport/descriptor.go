package transport

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"vramancer/pkg/types"
)

// Descriptor is the ephemeral record of one in-flight data movement.
// Completion is all-or-nothing: callers never observe a partial transfer.
type Descriptor struct {
	ID       string
	BlockID  string
	Src, Dst Endpoint
	Size     int64
	Deadline time.Time

	// Filled in by the factory.
	Locality Locality
	Backend  Kind

	state atomic.Value // types.TransferState
}

// NewDescriptor builds a pending descriptor with a fresh id.
func NewDescriptor(blockID string, src, dst Endpoint, size int64, deadline time.Time) *Descriptor {
	d := &Descriptor{
		ID:       uuid.NewString(),
		BlockID:  blockID,
		Src:      src,
		Dst:      dst,
		Size:     size,
		Deadline: deadline,
	}
	d.state.Store(types.TransferPending)
	return d
}

// State returns the descriptor's current lifecycle state.
func (d *Descriptor) State() types.TransferState {
	return d.state.Load().(types.TransferState)
}

func (d *Descriptor) setState(s types.TransferState) { d.state.Store(s) }

// Pending is the completion handle returned by Transfer. The issuing thread
// is free until it chooses to Wait; the copy itself runs asynchronously.
type Pending struct {
	Desc *Descriptor
	done chan struct{}
	err  error
}

func newPending(d *Descriptor) *Pending {
	return &Pending{Desc: d, done: make(chan struct{})}
}

func (p *Pending) finish(err error) {
	p.err = err
	if err != nil {
		p.Desc.setState(types.TransferFailed)
	} else {
		p.Desc.setState(types.TransferComplete)
	}
	close(p.done)
}

// Wait blocks until the transfer completes, fails, or ctx is done.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports completion without blocking.
func (p *Pending) Done() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the transfer outcome; only meaningful after Done.
func (p *Pending) Err() error { return p.err }
