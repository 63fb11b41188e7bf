package transport

import (
	"context"
	"os"
)

// rdmaDevicePath is the uverbs device the probe checks for. No device, no
// kernel-bypass path; the factory then pins the chain to TCP for the rest of
// the process lifetime.
const rdmaDevicePath = "/dev/infiniband/uverbs0"

// rdmaBackend is the kernel-bypass path for rack-local and remote moves.
// Registration and verbs plumbing live behind the driver; from this side the
// contract is identical to the socket backends.
type rdmaBackend struct {
	available bool
}

func newRDMABackend() *rdmaBackend {
	_, err := os.Stat(rdmaDevicePath)
	return &rdmaBackend{available: err == nil}
}

func (b *rdmaBackend) Kind() Kind { return KindRDMA }

func (b *rdmaBackend) Send(ctx context.Context, desc *Descriptor, payload []byte, deliver func([]byte) error) error {
	if !b.available {
		return ErrTransportUnavailable(KindRDMA)
	}
	// Verbs send path would pin the payload and post a work request here.
	// Hardware present but unsupported builds still degrade deterministically.
	return ErrTransportUnavailable(KindRDMA)
}
