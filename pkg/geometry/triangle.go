// Package geometry infers peer positions from pairwise latencies, treating
// latency as distance.
package geometry

import (
	"errors"
	"math"
)

// ErrDegenerateTriangle is returned when the sides cannot form a triangle,
// usually because of measurement noise.
var ErrDegenerateTriangle = errors.New("degenerate triangle")

// SSSAngle returns the angle in radians opposite side c of the triangle with
// sides a, b and c (law of cosines).
func SSSAngle(a, b, c float64) (float64, error) {
	if !(a > 0) || !(b > 0) || !(c >= 0) || math.IsInf(a, 0) || math.IsInf(b, 0) || math.IsInf(c, 0) {
		return 0, ErrDegenerateTriangle
	}
	cos := (a*a + b*b - c*c) / (2 * a * b)
	if math.IsNaN(cos) || cos < -1 || cos > 1 {
		return 0, ErrDegenerateTriangle
	}
	return math.Acos(cos), nil
}

// Triangulate is SSSAngle over millisecond pings.
// a and b are the pings from this node to two peers, c the ping between them.
func Triangulate(a, b, c uint16) (float64, error) {
	return SSSAngle(float64(a), float64(b), float64(c))
}
