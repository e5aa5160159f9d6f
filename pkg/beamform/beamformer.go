package beamform

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/acoustio/beamline/pkg/antenna"
	"github.com/acoustio/beamline/pkg/signal"
)

// SoundSpeed is the propagation speed used for steering delays, in m/s.
const SoundSpeed = 340.29

// Config describes a beamformer: the array geometry, the search grid, the
// acquisition parameters and the frequency band to integrate.
type Config struct {
	Geometry *antenna.Geometry
	Grid     *Grid

	SamplingFrequency float64
	FrameLength       int

	// Bandwidth is the [low, high] band whose energy is integrated. Values
	// are normalized to the Nyquist frequency (1 = SamplingFrequency/2)
	// unless BandwidthInHz is set.
	Bandwidth     [2]float64
	BandwidthInHz bool

	// MicRows maps each microphone to its row in incoming frames. When nil,
	// microphone m reads frame row m.
	MicRows []int
}

// Beamformer computes, per frame, the acoustic energy received from every
// grid location within the configured bandwidth.
type Beamformer struct {
	mics    []antenna.Point
	grid    *Grid
	micRows []int

	fft      *fourier.FFT
	frameLen int
	fs       float64
	binStart int
	binEnd   int

	// steer[k][l*M+m] is the steering coefficient for bin binStart+k,
	// location l, microphone m.
	steer [][]complex128

	seq    []float64
	coeffs [][]complex128
}

// New precomputes the steering matrix for the given configuration. Memory
// grows with bins x locations x microphones, so narrow bandwidths keep
// large grids affordable.
func New(cfg Config) (*Beamformer, error) {
	if cfg.Geometry == nil || cfg.Geometry.Mics() == 0 {
		return nil, fmt.Errorf("beamform: geometry with at least one microphone required")
	}
	if cfg.Grid == nil || cfg.Grid.Len() == 0 {
		return nil, fmt.Errorf("beamform: non-empty grid required")
	}
	if cfg.FrameLength <= 0 {
		return nil, fmt.Errorf("beamform: frame length must be positive, got %d", cfg.FrameLength)
	}
	if cfg.SamplingFrequency <= 0 {
		return nil, fmt.Errorf("beamform: sampling frequency must be positive, got %v", cfg.SamplingFrequency)
	}

	binStart, binEnd, err := bandwidthBins(cfg)
	if err != nil {
		return nil, err
	}

	mics := cfg.Geometry.Positions()
	micRows := cfg.MicRows
	if micRows == nil {
		micRows = make([]int, len(mics))
		for i := range micRows {
			micRows[i] = i
		}
	}
	if len(micRows) != len(mics) {
		return nil, fmt.Errorf("beamform: %d microphone rows for %d microphones", len(micRows), len(mics))
	}

	b := &Beamformer{
		mics:     mics,
		grid:     cfg.Grid,
		micRows:  micRows,
		fft:      fourier.NewFFT(cfg.FrameLength),
		frameLen: cfg.FrameLength,
		fs:       cfg.SamplingFrequency,
		binStart: binStart,
		binEnd:   binEnd,
		seq:      make([]float64, cfg.FrameLength),
		coeffs:   make([][]complex128, len(mics)),
	}
	for m := range b.coeffs {
		b.coeffs[m] = make([]complex128, cfg.FrameLength/2+1)
	}
	b.precompute()
	return b, nil
}

func bandwidthBins(cfg Config) (int, int, error) {
	lo, hi := cfg.Bandwidth[0], cfg.Bandwidth[1]
	if cfg.BandwidthInHz {
		nyquist := cfg.SamplingFrequency / 2
		lo /= nyquist
		hi /= nyquist
	}
	if lo < 0 || hi > 1 || lo > hi {
		return 0, 0, fmt.Errorf("beamform: bandwidth [%v, %v] outside [0, 1] of Nyquist", lo, hi)
	}
	maxBin := cfg.FrameLength / 2
	binStart := int(lo * float64(maxBin))
	binEnd := int(hi * float64(maxBin))
	if binEnd > maxBin {
		binEnd = maxBin
	}
	return binStart, binEnd, nil
}

// precompute fills the steering matrix: for bin frequency f, location l and
// microphone m the coefficient is exp(i*2*pi*f*d(l,m)/c), which realigns
// the propagation delay from l to m.
func (b *Beamformer) precompute() {
	locs := b.grid.Points()
	nBins := b.binEnd - b.binStart + 1
	nMics := len(b.mics)

	dist := make([]float64, len(locs)*nMics)
	for l, loc := range locs {
		for m, mic := range b.mics {
			dist[l*nMics+m] = loc.Sub(mic).Norm()
		}
	}

	binHz := b.fs / float64(b.frameLen)
	b.steer = make([][]complex128, nBins)
	for k := 0; k < nBins; k++ {
		f := float64(b.binStart+k) * binHz
		row := make([]complex128, len(locs)*nMics)
		for i, d := range dist {
			row[i] = cmplx.Exp(complex(0, 2*math.Pi*f*d/SoundSpeed))
		}
		b.steer[k] = row
	}
}

// Bins returns the inclusive FFT bin range integrated by Process.
func (b *Beamformer) Bins() (start, end int) { return b.binStart, b.binEnd }

// Grid returns the search grid.
func (b *Beamformer) Grid() *Grid { return b.grid }

// ProcessFrame computes the energy map for one acquisition frame. The frame
// must be at least as wide as the highest configured microphone row and
// exactly the configured frame length.
func (b *Beamformer) ProcessFrame(f *signal.Frame) ([]float64, error) {
	if f.Length != b.frameLen {
		return nil, fmt.Errorf("beamform: frame length %d, configured for %d", f.Length, b.frameLen)
	}
	for m, row := range b.micRows {
		if row < 0 || row >= f.Channels {
			return nil, fmt.Errorf("beamform: microphone %d mapped to row %d, frame has %d channels", m, row, f.Channels)
		}
		if err := b.rowToSeq(f, row); err != nil {
			return nil, err
		}
		b.fft.Coefficients(b.coeffs[m], b.seq)
	}
	return b.energies(), nil
}

func (b *Beamformer) rowToSeq(f *signal.Frame, row int) error {
	switch {
	case f.F32 != nil:
		src := f.ChannelF32(row)
		for i, v := range src {
			b.seq[i] = float64(v)
		}
	case f.I32 != nil:
		src := f.Channel(row)
		for i, v := range src {
			b.seq[i] = float64(v)
		}
	default:
		return fmt.Errorf("beamform: frame carries no structured samples")
	}
	return nil
}

// energies sums steered spectra over the bandwidth: for each location the
// microphone spectra are phase-aligned, averaged, and their squared
// magnitudes accumulated, then normalized by the bin count.
func (b *Beamformer) energies() []float64 {
	locs := b.grid.Len()
	nMics := len(b.mics)
	out := make([]float64, locs)

	for k := 0; k < len(b.steer); k++ {
		bin := b.binStart + k
		row := b.steer[k]
		for l := 0; l < locs; l++ {
			var sum complex128
			for m := 0; m < nMics; m++ {
				sum += b.coeffs[m][bin] * row[l*nMics+m]
			}
			sum /= complex(float64(nMics), 0)
			out[l] += real(sum)*real(sum) + imag(sum)*imag(sum)
		}
	}

	norm := float64(len(b.steer))
	for l := range out {
		out[l] /= norm
	}
	return out
}

// Argmax returns the index and value of the strongest location in an
// energy map.
func Argmax(energies []float64) (int, float64) {
	best, bestV := -1, math.Inf(-1)
	for i, v := range energies {
		if v > bestV {
			best, bestV = i, v
		}
	}
	return best, bestV
}
