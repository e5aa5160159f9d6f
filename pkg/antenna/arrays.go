package antenna

// Square32 returns the geometry of the standard 32-microphone square array:
// eight microphones per side on a 49.63 cm frame, all in the z=0 plane,
// numbered counter-clockwise side by side (left, bottom, right, top).
func Square32() *Geometry {
	g, err := NewGeometry([]Point{
		// left side, bottom to top
		{0, 3.82, 0}, {0, 9.82, 0}, {0, 15.82, 0}, {0, 21.82, 0},
		{0, 27.82, 0}, {0, 33.82, 0}, {0, 39.82, 0}, {0, 45.82, 0},
		// bottom side, right to left
		{45.81, 0, 0}, {39.81, 0, 0}, {33.81, 0, 0}, {27.81, 0, 0},
		{21.81, 0, 0}, {15.81, 0, 0}, {9.81, 0, 0}, {3.81, 0, 0},
		// right side, top to bottom
		{49.63, 45.82, 0}, {49.63, 39.82, 0}, {49.63, 33.82, 0}, {49.63, 27.82, 0},
		{49.63, 21.82, 0}, {49.63, 15.82, 0}, {49.63, 9.82, 0}, {49.63, 3.82, 0},
		// top side, left to right
		{3.81, 49.63, 0}, {9.81, 49.63, 0}, {15.81, 49.63, 0}, {21.81, 49.63, 0},
		{27.81, 49.63, 0}, {33.81, 49.63, 0}, {39.81, 49.63, 0}, {45.81, 49.63, 0},
	}, Centimeters)
	if err != nil {
		panic(err) // unreachable: unit is valid
	}
	return g
}
