package beamform_test

import (
	"math"
	"testing"

	"github.com/acoustio/beamline/pkg/antenna"
	"github.com/acoustio/beamline/pkg/beamform"
	"github.com/acoustio/beamline/pkg/signal"
)

func TestGridCellCenters(t *testing.T) {
	g, err := beamform.NewGrid(
		[3]float64{2, 1, 0},
		[3]float64{0.5, 0.5, 0},
		antenna.Point{0, 0, 1.5},
	)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}

	nx, ny, nz := g.Shape()
	if nx != 4 || ny != 2 || nz != 1 {
		t.Fatalf("shape = %dx%dx%d, want 4x2x1", nx, ny, nz)
	}
	if g.Len() != 8 {
		t.Fatalf("Len = %d, want 8", g.Len())
	}

	// First cell center along x: 0*0.5 + 0.25 - 1 = -0.75.
	first := g.At(g.Index(0, 0, 0))
	if math.Abs(first[0]-(-0.75)) > 1e-12 || math.Abs(first[1]-(-0.25)) > 1e-12 {
		t.Errorf("first center = %v, want (-0.75, -0.25, 1.5)", first)
	}
	if first[2] != 1.5 {
		t.Errorf("collapsed z axis = %v, want area position 1.5", first[2])
	}
	last := g.At(g.Index(3, 1, 0))
	if math.Abs(last[0]-0.75) > 1e-12 || math.Abs(last[1]-0.25) > 1e-12 {
		t.Errorf("last center = %v, want (0.75, 0.25, 1.5)", last)
	}
}

func TestGridMove(t *testing.T) {
	g, err := beamform.NewGrid([3]float64{1, 1, 0}, [3]float64{0.5, 0.5, 0}, antenna.Point{})
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	moved := g.Move(antenna.Point{0.1, -0.2, 3})
	if moved.Len() != g.Len() {
		t.Fatalf("Move changed grid size: %d != %d", moved.Len(), g.Len())
	}
	for i := range g.Points() {
		d := moved.At(i).Sub(g.At(i))
		if math.Abs(d[0]-0.1) > 1e-12 || math.Abs(d[1]+0.2) > 1e-12 || math.Abs(d[2]-3) > 1e-12 {
			t.Fatalf("location %d shifted by %v, want (0.1, -0.2, 3)", i, d)
		}
	}
}

func TestGridRejectsBadQuantization(t *testing.T) {
	if _, err := beamform.NewGrid([3]float64{1, 1, 0}, [3]float64{0.5, 0, 0}, antenna.Point{}); err == nil {
		t.Error("accepted a zero step on a non-zero dimension")
	}
	if _, err := beamform.NewGrid([3]float64{-1, 1, 0}, [3]float64{0.5, 0.5, 0}, antenna.Point{}); err == nil {
		t.Error("accepted a negative dimension")
	}
}

func TestBeamformerRejectsBadBandwidth(t *testing.T) {
	geom := antenna.Square32()
	grid, err := beamform.NewGrid([3]float64{1, 1, 0}, [3]float64{0.5, 0.5, 0}, antenna.Point{0, 0, 1})
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	_, err = beamform.New(beamform.Config{
		Geometry:          geom,
		Grid:              grid,
		SamplingFrequency: 50000,
		FrameLength:       256,
		Bandwidth:         [2]float64{0.8, 0.2},
	})
	if err == nil {
		t.Error("accepted an inverted bandwidth")
	}
}

// TestBeamformerLocatesPointSource synthesizes a sinusoidal source at one
// grid location, delays it per microphone by the true propagation time, and
// checks the energy map peaks at that location.
func TestBeamformerLocatesPointSource(t *testing.T) {
	const (
		fs       = 50000.0
		frameLen = 256
	)
	geom := antenna.Square32()
	grid, err := beamform.NewGrid(
		[3]float64{1, 1, 0},
		[3]float64{0.25, 0.25, 0},
		antenna.Point{0, 0, 1},
	)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}

	// Bin 5 of a 256-point transform at 50 kHz, about 977 Hz. The 34 cm
	// wavelength comfortably exceeds twice the microphone spacing.
	f0 := 5 * fs / frameLen
	bf, err := beamform.New(beamform.Config{
		Geometry:          geom,
		Grid:              grid,
		SamplingFrequency: fs,
		FrameLength:       frameLen,
		Bandwidth:         [2]float64{f0 - 100, f0 + 100},
		BandwidthInHz:     true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sourceIdx := grid.Index(3, 1, 0)
	source := grid.At(sourceIdx)

	f := &signal.Frame{
		Channels: geom.Mics(),
		Length:   frameLen,
		F32:      make([]float32, geom.Mics()*frameLen),
	}
	for m := 0; m < geom.Mics(); m++ {
		delay := geom.Distance(m, source) / beamform.SoundSpeed
		row := f.ChannelF32(m)
		for s := 0; s < frameLen; s++ {
			row[s] = float32(math.Sin(2 * math.Pi * f0 * (float64(s)/fs - delay)))
		}
	}

	energies, err := bf.ProcessFrame(f)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if len(energies) != grid.Len() {
		t.Fatalf("energy map has %d entries, want %d", len(energies), grid.Len())
	}

	peak, peakV := beamform.Argmax(energies)
	if peak != sourceIdx {
		t.Fatalf("peak at location %d (%v), want %d (%v)", peak, grid.At(peak), sourceIdx, source)
	}

	var rest float64
	for i, v := range energies {
		if i != peak {
			rest += v
		}
	}
	if mean := rest / float64(len(energies)-1); peakV < 2*mean {
		t.Errorf("peak energy %v not distinct from mean off-peak energy %v", peakV, mean)
	}
}

func TestProcessFrameChecksGeometry(t *testing.T) {
	geom := antenna.Square32()
	grid, err := beamform.NewGrid([3]float64{1, 1, 0}, [3]float64{0.5, 0.5, 0}, antenna.Point{0, 0, 1})
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	bf, err := beamform.New(beamform.Config{
		Geometry:          geom,
		Grid:              grid,
		SamplingFrequency: 50000,
		FrameLength:       256,
		Bandwidth:         [2]float64{0, 0.5},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	short := &signal.Frame{Channels: 32, Length: 128, F32: make([]float32, 32*128)}
	if _, err := bf.ProcessFrame(short); err == nil {
		t.Error("accepted a frame with the wrong length")
	}

	narrow := &signal.Frame{Channels: 4, Length: 256, F32: make([]float32, 4*256)}
	if _, err := bf.ProcessFrame(narrow); err == nil {
		t.Error("accepted a frame with fewer channels than microphones")
	}
}
