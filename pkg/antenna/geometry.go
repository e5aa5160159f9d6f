// Package antenna models the physical and logical shape of a MEMS
// microphone array: the 3D geometry of its microphones and the set of
// channels (microphones, analog inputs, counter, status) that a capture
// source actually delivers.
//
// The two abstractions are deliberately separate. A [Geometry] is a fixed
// property of the hardware and is required only for spatial processing;
// a [ChannelLayout] describes which channels are present in a given stream
// and which of them the consumer selected, and is required for every
// acquisition regardless of whether positions are known.
package antenna

import (
	"fmt"
	"math"
)

// Point is a position in 3D space, in meters, relative to the antenna
// reference point.
type Point [3]float64

// Sub returns the vector p - q.
func (p Point) Sub(q Point) Point {
	return Point{p[0] - q[0], p[1] - q[1], p[2] - q[2]}
}

// Add returns the vector p + q.
func (p Point) Add(q Point) Point {
	return Point{p[0] + q[0], p[1] + q[1], p[2] + q[2]}
}

// Norm returns the Euclidean length of p.
func (p Point) Norm() float64 {
	return math.Sqrt(p[0]*p[0] + p[1]*p[1] + p[2]*p[2])
}

// Unit identifies the length unit of microphone coordinates handed to
// [NewGeometry]. Coordinates are converted to meters at construction.
type Unit string

const (
	Meters      Unit = "meters"
	Centimeters Unit = "centimeters"
	Millimeters Unit = "millimeters"
)

func (u Unit) scale() (float64, error) {
	switch u {
	case "", Meters:
		return 1, nil
	case Centimeters:
		return 1.0 / 100, nil
	case Millimeters:
		return 1.0 / 1000, nil
	}
	return 0, fmt.Errorf("antenna: unknown unit %q", u)
}

// Geometry is an immutable table of microphone positions, one per available
// microphone, in meters, relative to the antenna reference point.
//
// A microphone whose position is unknown is stored at the origin; such
// microphones can be captured but not used for spatial filtering.
type Geometry struct {
	mics []Point
}

// NewGeometry builds a Geometry from microphone positions expressed in the
// given unit. Positions are copied and converted to meters; the Geometry
// never changes afterwards.
func NewGeometry(positions []Point, unit Unit) (*Geometry, error) {
	s, err := unit.scale()
	if err != nil {
		return nil, err
	}
	mics := make([]Point, len(positions))
	for i, p := range positions {
		mics[i] = Point{p[0] * s, p[1] * s, p[2] * s}
	}
	return &Geometry{mics: mics}, nil
}

// Mics returns the number of microphones in the geometry.
func (g *Geometry) Mics() int { return len(g.mics) }

// Position returns the position of microphone mic in meters.
func (g *Geometry) Position(mic int) Point { return g.mics[mic] }

// Positions returns a copy of all microphone positions in meters.
func (g *Geometry) Positions() []Point {
	out := make([]Point, len(g.mics))
	copy(out, g.mics)
	return out
}

// Distance returns the Euclidean distance in meters between microphone mic
// and an arbitrary point in space.
func (g *Geometry) Distance(mic int, p Point) float64 {
	return g.mics[mic].Sub(p).Norm()
}

// Translate returns a new Geometry with every microphone moved by delta.
// Used to express positions relative to a different reference point, e.g.
// a room origin instead of the antenna center.
func (g *Geometry) Translate(delta Point) *Geometry {
	mics := make([]Point, len(g.mics))
	for i, p := range g.mics {
		mics[i] = p.Add(delta)
	}
	return &Geometry{mics: mics}
}

// Unlocated returns the indices of microphones whose position is the origin,
// i.e. microphones that are present but were never located.
func (g *Geometry) Unlocated() []int {
	var out []int
	for i, p := range g.mics {
		if p == (Point{}) {
			out = append(out, i)
		}
	}
	return out
}
