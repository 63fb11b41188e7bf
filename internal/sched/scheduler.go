package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"vramancer/internal/memory"
	"vramancer/pkg/types"
)

// BlockSpec names one block a computation step needs.
type BlockSpec struct {
	ID       string
	Size     int64
	Priority types.Priority
}

// Scheduler coordinates residency for computation steps: it acquires blocks
// ahead of use, touches every block a step consumes, and drives predictive
// prefetch off the observed access stride.
type Scheduler struct {
	mem    *memory.Manager
	window int
	pred   *Predictor
	log    zerolog.Logger
}

// New builds a Scheduler. window is how many blocks ahead predictive
// prefetch reaches; <=0 means the default of one step.
func New(mem *memory.Manager, window int, log zerolog.Logger) *Scheduler {
	if window <= 0 {
		window = 1
	}
	return &Scheduler{mem: mem, window: window, pred: NewPredictor(), log: log}
}

// Prepare acquires the blocks needed by the upcoming step so the data is in
// place before compute asks for it. Retriable transfer errors are the
// scheduler's to handle: a failed prefetch is logged and skipped, the block
// will be acquired again synchronously in Step.
func (s *Scheduler) Prepare(ctx context.Context, blocks []BlockSpec) {
	for _, spec := range blocks {
		if _, err := s.mem.Acquire(ctx, spec.ID, spec.Size, spec.Priority); err != nil {
			s.log.Warn().Str("block", spec.ID).Err(err).Msg("prefetch acquire failed, will retry at step")
		}
	}
}

// Step runs one computation step: every consumed block is acquired (a no-op
// when Prepare already placed it) and touched, then the predictor schedules
// opportunistic promotion of the next blocks in the detected stride.
// Prefetch never evicts to make room; promotion happens only into headroom.
func (s *Scheduler) Step(ctx context.Context, blocks []BlockSpec) error {
	start := time.Now()
	for _, spec := range blocks {
		if _, err := s.mem.Acquire(ctx, spec.ID, spec.Size, spec.Priority); err != nil {
			return err
		}
		if err := s.mem.Touch(spec.ID); err != nil {
			return err
		}
		s.pred.Observe(spec.ID)
	}

	for _, id := range s.pred.Next(s.window) {
		if err := s.mem.PrefetchPromote(ctx, id); err != nil && !memory.IsBlockNotFound(err) {
			s.log.Debug().Str("block", id).Err(err).Msg("predictive promotion skipped")
		}
	}
	s.log.Debug().Int("blocks", len(blocks)).Dur("dur", time.Since(start)).Msg("step complete")
	return nil
}

// ReleaseAll hands the step's blocks back to the manager; they stay resident
// until pressure evicts them.
func (s *Scheduler) ReleaseAll(blocks []BlockSpec) {
	for _, spec := range blocks {
		if err := s.mem.Release(spec.ID); err != nil && !memory.IsBlockNotFound(err) {
			s.log.Warn().Str("block", spec.ID).Err(err).Msg("release failed")
		}
	}
}
