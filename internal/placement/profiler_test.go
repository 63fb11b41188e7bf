package placement

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBiasRelativeToFastestDevice(t *testing.T) {
	// Device 1 copies twice as fast as device 0.
	bench := func(device int, n int64) (time.Duration, error) {
		if device == 1 {
			return 10 * time.Millisecond, nil
		}
		return 20 * time.Millisecond, nil
	}
	p := New([]int{0, 1}, bench, zerolog.Nop())
	p.ProfileOnce()

	if b := p.Bias(1); b != 1 {
		t.Fatalf("Bias(fastest) = %f, want 1", b)
	}
	if b := p.Bias(0); math.Abs(b-0.5) > 1e-9 {
		t.Fatalf("Bias(0) = %f, want 0.5", b)
	}
}

func TestBiasUnprofiledDeviceNotPenalized(t *testing.T) {
	p := New([]int{0}, func(int, int64) (time.Duration, error) {
		return 0, errors.New("no counters")
	}, zerolog.Nop())
	p.ProfileOnce()
	if b := p.Bias(0); b != 1 {
		t.Fatalf("Bias of unprofiled device = %f, want 1", b)
	}
	if b := p.Bias(7); b != 1 {
		t.Fatalf("Bias of unknown device = %f, want 1", b)
	}
}

func TestProfileOnceUpdates(t *testing.T) {
	speed := 10 * time.Millisecond
	bench := func(device int, n int64) (time.Duration, error) { return speed, nil }
	p := New([]int{0, 1}, bench, zerolog.Nop())
	p.ProfileOnce()

	// Re-profiling replaces the measurement; both devices stay equal.
	speed = 40 * time.Millisecond
	p.ProfileOnce()
	if b := p.Bias(0); b != 1 {
		t.Fatalf("equal devices must both bias to 1, got %f", b)
	}
}
