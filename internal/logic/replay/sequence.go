// Package replay feeds recorded tracking errors to a one-shot move policy,
// bypassing the network link. It runs on a single goroutine.
package replay

import (
	"context"
	"time"

	"github.com/cjeanneret/PanTrack/internal/debug"
	"github.com/cjeanneret/PanTrack/internal/logic/policy"
)

// Executor runs one move. *motion.Controller implements it.
type Executor interface {
	Execute(ctx context.Context, cmd policy.MoveCommand) error
}

// Sequence replays frames through a MovePolicy and an Executor.
type Sequence struct {
	policy policy.MovePolicy
	exec   Executor
	delay  time.Duration // pause between frames
}

func NewSequence(p policy.MovePolicy, e Executor, frameDelay time.Duration) *Sequence {
	return &Sequence{
		policy: p,
		exec:   e,
		delay:  frameDelay,
	}
}

// Summary totals a replay run.
type Summary struct {
	Frames int // frames processed
	Moves  int // frames that produced at least one step
	Steps  int // total steps executed
}

// Run processes frames in order. It stops at the first executor error or
// when ctx is done, returning what was done so far.
func (s *Sequence) Run(ctx context.Context, frames []Frame) (Summary, error) {
	var sum Summary
	debug.Section("Replay")
	debug.Info("Replaying %d frames with the %s policy", len(frames), s.policy.Name())

	for i, fr := range frames {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		cmd := s.policy.Move(fr.ErrorX)
		debug.Live("frame %d: error_x=%.2f -> %d steps %s", fr.ID, fr.ErrorX, cmd.Steps, cmd.Direction)
		if err := s.exec.Execute(ctx, cmd); err != nil {
			return sum, err
		}
		sum.Frames++
		if cmd.Steps > 0 {
			sum.Moves++
			sum.Steps += cmd.Steps
		}

		if i < len(frames)-1 && s.delay > 0 {
			t := time.NewTimer(s.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return sum, ctx.Err()
			case <-t.C:
			}
		}
	}

	debug.Summary("Replay complete")
	debug.Value("Frames", sum.Frames)
	debug.Value("Moves", sum.Moves)
	debug.Value("Steps", sum.Steps)
	return sum, nil
}
