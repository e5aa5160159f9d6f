// Package source implements the acquisition backends that feed the frame
// pipeline: a synthetic generator, container-file replay, database replay
// and the remote receiver protocol.
//
// A [Session] owns one backend and drives its lifecycle: Run starts the
// producer goroutine, Stop requests a graceful halt, Wait joins the
// producer and surfaces its error. Frames flow through a bounded
// [signal.Queue]; a slow consumer costs the oldest frames, never the
// producer's cadence.
//
// This package is internal because backends share application-private
// settings and lifecycle plumbing not intended for import by external code.
package source

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/acoustio/beamline/pkg/muh5"
	"github.com/acoustio/beamline/pkg/signal"
)

// Backend produces frames for a [Session]. Stream runs on the session's
// producer goroutine and must return when ctx is canceled; a nil return or
// ctx.Err() marks a clean end, anything else fails the session.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// Stream produces frames into sink until ctx is done or the input is
	// exhausted.
	Stream(ctx context.Context, sink *Sink) error
}

// Sink is the delivery side handed to a backend: frames go to the consumer
// queue and, when recording is enabled, to the container writer.
type Sink struct {
	settings  *Settings
	queue     *signal.Queue
	rec       *muh5.Writer
	delivered atomic.Int64
	discarded atomic.Int64
}

// Deliver enqueues one frame for the consumer and appends it to the
// recorder when one is attached. The queue never blocks; at capacity the
// oldest frame is evicted and counted as lost.
func (k *Sink) Deliver(f signal.Frame) error {
	if k.rec != nil {
		units := f.I32
		if units == nil {
			if f.F32 == nil {
				return &ConfigError{Field: "datatype", Reason: "recording requires structured samples, not a raw stream"}
			}
			units = signal.Quantize(f.F32, k.settings.Sensitivity)
		}
		if err := k.rec.Append(units, f.Timestamp); err != nil {
			return err
		}
	}
	k.queue.Put(f)
	k.delivered.Add(1)
	return nil
}

// Discard counts a frame that was consumed from the input but intentionally
// not delivered, such as frames draining after a halt request.
func (k *Sink) Discard() {
	k.discarded.Add(1)
}

// Settings returns the acquisition settings the sink was built with.
func (k *Sink) Settings() *Settings { return k.settings }

// Stats is a snapshot of a session's frame accounting.
type Stats struct {
	// Delivered counts frames handed to the consumer queue.
	Delivered int64
	// Lost counts frames evicted from a full queue plus frames discarded
	// by the backend.
	Lost int64
	// Queued is the current queue depth.
	Queued int
}

func (k *Sink) stats() Stats {
	return Stats{
		Delivered: k.delivered.Load(),
		Lost:      int64(k.queue.Lost()) + k.discarded.Load(),
		Queued:    k.queue.Len(),
	}
}

// FrameDuration returns the wall-clock span of one frame at the configured
// sampling frequency.
func (s *Settings) FrameDuration() time.Duration {
	return time.Duration(float64(s.FrameLength) / s.SamplingFrequency * float64(time.Second))
}
