// Package placement profiles per-accelerator copy throughput so the router
// can bias initial placement of a newly loaded model toward faster devices.
package placement

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CopyBench measures one synthetic copy of n bytes on a device and returns
// the elapsed time. Wired to the device arenas in production; tests inject
// a fake.
type CopyBench func(device int, n int64) (time.Duration, error)

// Profiler periodically measures device throughput and serves bias factors.
type Profiler struct {
	mu         sync.RWMutex
	throughput map[int]float64 // bytes/sec per device

	devices   []int
	bench     CopyBench
	probeSize int64
	log       zerolog.Logger
}

func New(devices []int, bench CopyBench, log zerolog.Logger) *Profiler {
	return &Profiler{
		throughput: make(map[int]float64),
		devices:    devices,
		bench:      bench,
		probeSize:  8 << 20,
		log:        log,
	}
}

// ProfileOnce measures every device once.
func (p *Profiler) ProfileOnce() {
	for _, d := range p.devices {
		elapsed, err := p.bench(d, p.probeSize)
		if err != nil || elapsed <= 0 {
			p.log.Warn().Int("device", d).Err(err).Msg("device profile failed")
			continue
		}
		tput := float64(p.probeSize) / elapsed.Seconds()
		p.mu.Lock()
		p.throughput[d] = tput
		p.mu.Unlock()
	}
}

// Run re-profiles on an interval until ctx is done.
func (p *Profiler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	p.ProfileOnce()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.ProfileOnce()
		case <-ctx.Done():
			return
		}
	}
}

// Bias returns the device's throughput relative to the fastest profiled
// device, in (0,1]. Unprofiled devices get 1 so they are not penalized
// before measurement.
func (p *Profiler) Bias(device int) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tput, ok := p.throughput[device]
	if !ok || tput <= 0 {
		return 1
	}
	max := tput
	for _, v := range p.throughput {
		if v > max {
			max = v
		}
	}
	return tput / max
}
