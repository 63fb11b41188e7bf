package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vramancer/pkg/types"
)

// Capabilities is the cached result of the startup probe.
type Capabilities struct {
	RDMA bool
	// PeerDMA[a][b] reports whether devices a and b support direct DMA.
	PeerDMA map[int]map[int]bool
}

// PeerDMASupported reports whether a direct device-to-device copy is
// possible between two device indexes.
func (c Capabilities) PeerDMASupported(a, b int) bool {
	m, ok := c.PeerDMA[a]
	return ok && m[b]
}

// Factory classifies endpoint pairs into locality classes and selects a
// backend. Capabilities are probed once at construction; a backend whose
// prerequisite is missing is logged once and excluded for the process
// lifetime, never failing silently.
type Factory struct {
	caps Capabilities
	log  zerolog.Logger

	alias    Backend
	peerDMA  Backend
	staged   Backend
	mmap     Backend
	rdma     Backend
	zeroTCP  Backend
	buffered Backend

	mu       sync.Mutex
	excluded map[Kind]bool

	defaultTimeout time.Duration
}

// Option tweaks factory construction, mainly for tests.
type Option func(*Factory)

// WithBackend replaces the backend of the given kind.
func WithBackend(kind Kind, b Backend) Option {
	return func(f *Factory) {
		switch kind {
		case KindAlias:
			f.alias = b
		case KindPeerDMA:
			f.peerDMA = b
		case KindStaged:
			f.staged = b
		case KindMmap:
			f.mmap = b
		case KindRDMA:
			f.rdma = b
		case KindZeroCopyTCP:
			f.zeroTCP = b
		case KindBufferedTCP:
			f.buffered = b
		}
	}
}

// WithDefaultTimeout sets the deadline applied to descriptors without one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(f *Factory) { f.defaultTimeout = d }
}

// NewFactory probes transport capabilities once and builds the backend set.
// peerMatrix declares which device pairs support direct DMA; nil means none.
func NewFactory(peerMatrix map[int]map[int]bool, log zerolog.Logger, opts ...Option) *Factory {
	rdma := newRDMABackend()
	f := &Factory{
		caps:           Capabilities{RDMA: rdma.available, PeerDMA: peerMatrix},
		log:            log,
		alias:          aliasBackend{},
		peerDMA:        peerDMABackend{},
		staged:         stagedBackend{},
		mmap:           mmapBackend{},
		rdma:           rdma,
		zeroTCP:        newTCPBackend(KindZeroCopyTCP),
		buffered:       newTCPBackend(KindBufferedTCP),
		excluded:       make(map[Kind]bool),
		defaultTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	if !f.caps.RDMA {
		f.exclude(KindRDMA)
	}
	return f
}

// Capabilities returns the cached probe result.
func (f *Factory) Capabilities() Capabilities { return f.caps }

func (f *Factory) exclude(kind Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.excluded[kind] {
		f.excluded[kind] = true
		f.log.Warn().Stringer("backend", kind).Msg("transport backend unavailable, excluded for process lifetime")
	}
}

func (f *Factory) isExcluded(kind Kind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.excluded[kind]
}

// chain returns candidate backends for a classified pair, preferred first.
func (f *Factory) chain(desc *Descriptor) []Backend {
	var out []Backend
	switch desc.Locality {
	case SameAccelerator:
		out = []Backend{f.alias}
	case SameHost:
		switch {
		case isDeviceTier(desc.Src.Tier) && isDeviceTier(desc.Dst.Tier) &&
			f.caps.PeerDMASupported(desc.Src.Device, desc.Dst.Device):
			out = []Backend{f.peerDMA, f.staged}
		case fileTier(desc.Src.Tier) || fileTier(desc.Dst.Tier):
			out = []Backend{f.mmap, f.staged}
		default:
			out = []Backend{f.staged}
		}
	default: // SameRack, Remote
		out = []Backend{f.rdma, f.zeroTCP, f.buffered}
	}
	kept := out[:0]
	for _, b := range out {
		if !f.isExcluded(b.Kind()) {
			kept = append(kept, b)
		}
	}
	return kept
}

// fileTier reports whether a tier is file-backed on the local host.
func fileTier(t types.Tier) bool {
	return t == types.TierLocalFast || t == types.TierColdArchive
}

// Transfer moves payload per the descriptor and returns a completion handle.
// The copy runs asynchronously; Wait gives the synchronous caller view.
// On deadline expiry the factory falls back to the next transport class once,
// then fails the descriptor with a retriable timeout.
func (f *Factory) Transfer(ctx context.Context, desc *Descriptor, payload []byte, deliver func([]byte) error) *Pending {
	desc.Locality = Classify(desc.Src, desc.Dst)
	if desc.Deadline.IsZero() {
		desc.Deadline = time.Now().Add(f.defaultTimeout)
	}
	p := newPending(desc)

	go func() {
		if err := checkSize(desc, payload); err != nil {
			p.finish(err)
			return
		}
		candidates := f.chain(desc)
		if len(candidates) == 0 {
			p.finish(ErrTransportUnavailable(desc.Backend))
			return
		}

		var lastErr error
		fellBack := false
		for i, b := range candidates {
			desc.Backend = b.Kind()
			attemptCtx, cancel := context.WithDeadline(ctx, desc.Deadline)
			start := time.Now()
			err := b.Send(attemptCtx, desc, payload, deliver)
			cancel()

			class := desc.Locality.String()
			if err == nil {
				transferLatency.WithLabelValues(class, b.Kind().String()).Observe(time.Since(start).Seconds())
				transferBytes.WithLabelValues(class, b.Kind().String()).Add(float64(len(payload)))
				p.finish(nil)
				return
			}
			transferFailures.WithLabelValues(class, b.Kind().String()).Inc()
			lastErr = err

			if IsTransportUnavailable(err) {
				// Missing prerequisite: drop the backend permanently and move
				// straight down the chain. This is not the one timeout fallback.
				f.exclude(b.Kind())
				continue
			}
			if errors.Is(err, context.DeadlineExceeded) {
				if fellBack || i == len(candidates)-1 {
					p.finish(ErrTransferTimeout(desc.ID))
					return
				}
				// One fallback to the next transport class with a fresh deadline.
				fellBack = true
				desc.Deadline = time.Now().Add(f.defaultTimeout)
				continue
			}
			break
		}
		p.finish(lastErr)
	}()
	return p
}
