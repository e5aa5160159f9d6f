// Package beamform implements frequency-domain delay-and-sum beamforming
// over a rectangular grid of candidate source locations. Steering vectors
// are precomputed from the array geometry at construction time; processing
// a frame then costs one real FFT per microphone plus the steered sums.
package beamform

import (
	"fmt"

	"github.com/acoustio/beamline/pkg/antenna"
)

// Grid is a rectangular lattice of candidate source locations. Cells span
// the area dimensions at the given quantization step; each location sits at
// the center of its cell, offset by the area position. An axis whose
// dimension is zero collapses to a single plane.
type Grid struct {
	dim   [3]float64
	step  [3]float64
	pos   [3]float64
	shape [3]int
	pts   []antenna.Point
}

// NewGrid builds a grid covering an area of the given dimensions (meters)
// centered on position, quantized with the given step per axis.
func NewGrid(dim, step [3]float64, position antenna.Point) (*Grid, error) {
	g := &Grid{dim: dim, step: step, pos: position}
	for i := 0; i < 3; i++ {
		if dim[i] < 0 {
			return nil, fmt.Errorf("beamform: area dimension %d is negative", i)
		}
		if dim[i] == 0 {
			g.shape[i] = 1
			continue
		}
		if step[i] <= 0 {
			return nil, fmt.Errorf("beamform: quantization step %d must be positive for a non-zero dimension", i)
		}
		n := int(dim[i] / step[i])
		if n < 1 {
			n = 1
		}
		g.shape[i] = n
	}
	g.pts = g.build()
	return g, nil
}

func (g *Grid) build() []antenna.Point {
	pts := make([]antenna.Point, 0, g.Len())
	for iz := 0; iz < g.shape[2]; iz++ {
		for iy := 0; iy < g.shape[1]; iy++ {
			for ix := 0; ix < g.shape[0]; ix++ {
				pts = append(pts, antenna.Point{
					g.axisCenter(0, ix),
					g.axisCenter(1, iy),
					g.axisCenter(2, iz),
				})
			}
		}
	}
	return pts
}

// axisCenter places index i at the center of its cell, with the whole axis
// centered on the area position.
func (g *Grid) axisCenter(axis, i int) float64 {
	if g.shape[axis] == 1 && g.dim[axis] == 0 {
		return g.pos[axis]
	}
	return float64(i)*g.step[axis] + g.step[axis]/2 - g.dim[axis]/2 + g.pos[axis]
}

// Len returns the number of grid locations.
func (g *Grid) Len() int { return g.shape[0] * g.shape[1] * g.shape[2] }

// Shape returns the location count along each axis.
func (g *Grid) Shape() (nx, ny, nz int) { return g.shape[0], g.shape[1], g.shape[2] }

// Points returns all grid locations, x varying fastest, then y, then z.
func (g *Grid) Points() []antenna.Point { return g.pts }

// At returns location i.
func (g *Grid) At(i int) antenna.Point { return g.pts[i] }

// Index maps axis indices to the flat location index.
func (g *Grid) Index(ix, iy, iz int) int {
	return (iz*g.shape[1]+iy)*g.shape[0] + ix
}

// Move returns a copy of the grid translated by offset. The lattice shape
// is preserved; only the positions shift.
func (g *Grid) Move(offset antenna.Point) *Grid {
	moved := &Grid{
		dim:   g.dim,
		step:  g.step,
		pos:   [3]float64{g.pos[0] + offset[0], g.pos[1] + offset[1], g.pos[2] + offset[2]},
		shape: g.shape,
	}
	moved.pts = moved.build()
	return moved
}
