// Package roi builds and applies the region of interest in which detections are honoured.
//
// A region is a polygon in normalized coordinates, so that it survives changes of
// camera resolution. It is resolved to pixels against the dimensions of each frame.
package roi

import (
	"errors"
	"fmt"
	"image"
	"math"
)

var ErrInvalidPolygon = errors.New("Invalid region polygon")

// Point is a normalized coordinate, where 0,0 is the top-left of the frame, and 1,1 is the bottom-right
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is an ordered list of normalized points. The last point connects back to the first.
type Polygon []Point

// The region used when nothing else is configured: the left ~55% of the frame, with a 1% inset
var DefaultPolygon = Polygon{
	{X: 0.01, Y: 0.01},
	{X: 0.55, Y: 0.01},
	{X: 0.55, Y: 0.99},
	{X: 0.01, Y: 0.99},
}

// Create a polygon, and validate it
func NewPolygon(points []Point) (Polygon, error) {
	p := Polygon(append([]Point(nil), points...))
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate returns an error wrapping ErrInvalidPolygon if the polygon has fewer than
// 3 points, or any point is outside [0,1]
func (p Polygon) Validate() error {
	if len(p) < 3 {
		return fmt.Errorf("%w: need at least 3 points, but have %v", ErrInvalidPolygon, len(p))
	}
	for i, pt := range p {
		if math.IsNaN(pt.X) || math.IsNaN(pt.Y) || pt.X < 0 || pt.X > 1 || pt.Y < 0 || pt.Y > 1 {
			return fmt.Errorf("%w: point %v (%v, %v) is outside of [0,1]", ErrInvalidPolygon, i, pt.X, pt.Y)
		}
	}
	return nil
}

// Resolve the polygon to pixel coordinates of a width x height frame.
// Coordinates are truncated, not rounded.
func (p Polygon) Pixels(width, height int) []image.Point {
	out := make([]image.Point, len(p))
	for i, pt := range p {
		out[i] = image.Point{
			X: int(float64(width) * pt.X),
			Y: int(float64(height) * pt.Y),
		}
	}
	return out
}
