package roi

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
)

var ErrSizeMismatch = errors.New("Image size does not match mask size")

// Mask is a binary raster. A value of 1 is inside the region, and 0 is outside.
type Mask struct {
	Width  int
	Height int
	Bits   []byte // Width * Height, one byte per pixel
}

// BuildMask rasterizes the polygon for a width x height frame.
// The polygon's edges are considered inside the region.
func BuildMask(width, height int, poly Polygon) (*Mask, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("Invalid mask size %vx%v", width, height)
	}
	if err := poly.Validate(); err != nil {
		return nil, err
	}
	m := &Mask{
		Width:  width,
		Height: height,
		Bits:   make([]byte, width*height),
	}
	pts := poly.Pixels(width, height)
	m.fillPolygon(pts)
	for i := range pts {
		a := pts[i]
		b := pts[(i+1)%len(pts)]
		m.drawLine(a.X, a.Y, b.X, b.Y)
	}
	return m, nil
}

// Scanline fill, with even-odd crossings. Edges are half-open in Y so that
// a vertex shared by two edges is only counted once.
func (m *Mask) fillPolygon(pts []image.Point) {
	xs := make([]float64, 0, len(pts))
	for y := 0; y < m.Height; y++ {
		xs = xs[:0]
		fy := float64(y)
		for i := range pts {
			a := pts[i]
			b := pts[(i+1)%len(pts)]
			if a.Y == b.Y {
				continue
			}
			if a.Y > b.Y {
				a, b = b, a
			}
			if y < a.Y || y >= b.Y {
				continue
			}
			t := (fy - float64(a.Y)) / float64(b.Y-a.Y)
			xs = append(xs, float64(a.X)+t*float64(b.X-a.X))
		}
		sort.Float64s(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			x1 := max(int(math.Ceil(xs[i])), 0)
			x2 := min(int(math.Floor(xs[i+1])), m.Width-1)
			row := m.Bits[y*m.Width:]
			for x := x1; x <= x2; x++ {
				row[x] = 1
			}
		}
	}
}

// Bresenham line, clipped to the mask
func (m *Mask) drawLine(x0, y0, x1, y1 int) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		m.set(x0, y0)
		if x0 == x1 && y0 == y1 {
			break
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func (m *Mask) set(x, y int) {
	if x >= 0 && y >= 0 && x < m.Width && y < m.Height {
		m.Bits[y*m.Width+x] = 1
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Returns true if x,y is inside the region
func (m *Mask) Contains(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Bits[y*m.Width+x] != 0
}

func (m *Mask) checkSize(img *image.RGBA) error {
	if img.Rect.Dx() != m.Width || img.Rect.Dy() != m.Height {
		return fmt.Errorf("%w: image is %vx%v, mask is %vx%v", ErrSizeMismatch, img.Rect.Dx(), img.Rect.Dy(), m.Width, m.Height)
	}
	return nil
}

// Apply returns a new image, where every pixel outside of the region is zero,
// and every pixel inside is an exact copy of src. src is not modified.
func (m *Mask) Apply(src *image.RGBA) (*image.RGBA, error) {
	return m.selectPixels(src, 1)
}

// Complement returns a new image which holds the pixels of src that are outside
// of the region. Pixels inside the region are zero.
func (m *Mask) Complement(src *image.RGBA) (*image.RGBA, error) {
	return m.selectPixels(src, 0)
}

func (m *Mask) selectPixels(src *image.RGBA, want byte) (*image.RGBA, error) {
	if err := m.checkSize(src); err != nil {
		return nil, err
	}
	dst := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		bits := m.Bits[y*m.Width : (y+1)*m.Width]
		s := src.Pix[src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y):]
		d := dst.Pix[y*dst.Stride:]
		for x, b := range bits {
			if b == want {
				copy(d[x*4:x*4+4], s[x*4:x*4+4])
			}
		}
	}
	return dst, nil
}

// Composite returns a new image which takes its pixels from 'inside' within the region,
// and from 'outside' everywhere else.
// This is how we show the detector's view of the region, while leaving the rest
// of the scene untouched.
func (m *Mask) Composite(inside, outside *image.RGBA) (*image.RGBA, error) {
	if err := m.checkSize(inside); err != nil {
		return nil, err
	}
	if err := m.checkSize(outside); err != nil {
		return nil, err
	}
	dst := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		bits := m.Bits[y*m.Width : (y+1)*m.Width]
		in := inside.Pix[inside.PixOffset(inside.Rect.Min.X, inside.Rect.Min.Y+y):]
		out := outside.Pix[outside.PixOffset(outside.Rect.Min.X, outside.Rect.Min.Y+y):]
		d := dst.Pix[y*dst.Stride:]
		for x, b := range bits {
			if b != 0 {
				copy(d[x*4:x*4+4], in[x*4:x*4+4])
			} else {
				copy(d[x*4:x*4+4], out[x*4:x*4+4])
			}
		}
	}
	return dst, nil
}
