package source

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/acoustio/beamline/pkg/signal"
)

// syntheticAmplitude is the magnitude of generated codec units, matching
// the 24-bit range of the acquisition hardware.
const syntheticAmplitude = 1 << 23

// Synthetic is a backend that fabricates uniform noise frames at the
// configured real-time cadence. It serves bench work without hardware and
// load testing of the downstream pipeline.
type Synthetic struct {
	rng    *rand.Rand
	paced  bool
	sample int64
}

// SyntheticOption is a functional option for configuring a [Synthetic].
type SyntheticOption func(*Synthetic)

// WithSyntheticSeed makes the generated noise reproducible.
func WithSyntheticSeed(seed uint64) SyntheticOption {
	return func(b *Synthetic) { b.rng = rand.New(rand.NewPCG(seed, seed)) }
}

// WithoutPacing disables the real-time cadence so frames are produced as
// fast as the consumer drains them. Useful in tests.
func WithoutPacing() SyntheticOption {
	return func(b *Synthetic) { b.paced = false }
}

// NewSynthetic creates a noise backend.
func NewSynthetic(opts ...SyntheticOption) *Synthetic {
	b := &Synthetic{
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		paced: true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements [Backend].
func (b *Synthetic) Name() string { return "synthetic" }

// Stream implements [Backend]. Rows follow the output layout: counter
// first when present, then active microphones, analogs, and the status
// channel. The counter row carries a per-sample ramp; status stays zero.
func (b *Synthetic) Stream(ctx context.Context, sink *Sink) error {
	st := sink.Settings()
	channels := st.Layout.ChannelCount()
	period := st.FrameDuration()

	start := time.Now()
	var n int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ts := start.Add(time.Duration(n) * period)
		units := b.generate(st, channels)
		f := signal.FromUnits(units, channels, st.FrameLength, st.Datatype, st.Sensitivity, ts)
		if err := sink.Deliver(f); err != nil {
			return err
		}
		n++

		if b.paced {
			next := start.Add(time.Duration(n) * period)
			if d := time.Until(next); d > 0 {
				timer := time.NewTimer(d)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
		}
	}
}

func (b *Synthetic) generate(st *Settings, channels int) []int32 {
	units := make([]int32, channels*st.FrameLength)
	row := 0

	if st.Layout.Counter && !st.Layout.CounterSkip {
		for s := 0; s < st.FrameLength; s++ {
			units[row*st.FrameLength+s] = int32(b.sample + int64(s))
		}
		row++
	}
	noiseRows := len(st.Layout.ActiveMics) + len(st.Layout.ActiveAnalogs)
	for r := 0; r < noiseRows; r++ {
		for s := 0; s < st.FrameLength; s++ {
			units[row*st.FrameLength+s] = int32(b.rng.Int64N(2*syntheticAmplitude) - syntheticAmplitude)
		}
		row++
	}
	// The status row, when configured, stays zero.

	b.sample += int64(st.FrameLength)
	return units
}
