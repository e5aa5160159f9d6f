package source

import (
	"context"
	"time"
)

// pacer enforces a replay cadence against per-frame wall-clock deadlines.
// Only the residual to the next deadline is slept off, so a stream that
// falls behind degrades to unsynchronized speed instead of accumulating
// lag frame after frame.
type pacer struct {
	step time.Duration
	next time.Time
}

// newPacer creates a pacer advancing by step per frame, anchored at the
// current time.
func newPacer(step time.Duration) *pacer {
	return &pacer{step: step, next: time.Now()}
}

// wait advances the deadline by one step and blocks until it is reached
// or ctx ends. A deadline already in the past returns immediately.
func (p *pacer) wait(ctx context.Context) error {
	p.next = p.next.Add(p.step)
	d := time.Until(p.next)
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
