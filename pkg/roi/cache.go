package roi

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
)

// The outline of the region is drawn in blue, 2 pixels thick
var OutlineColor = color.RGBA{R: 0, G: 0, B: 255, A: 255}

const OutlineThickness = 2

// Cache holds the mask for the most recent frame size.
// Whenever a frame of a different size arrives, the mask is rebuilt, because a mask
// from a previous resolution would silently cover the wrong area.
// A Cache is not safe for concurrent use. The pipeline worker owns its cache.
type Cache struct {
	poly Polygon
	mask *Mask
}

func NewCache(poly Polygon) (*Cache, error) {
	if err := poly.Validate(); err != nil {
		return nil, err
	}
	return &Cache{poly: poly}, nil
}

func (c *Cache) Polygon() Polygon {
	return c.poly
}

// Get returns the mask for a width x height frame, building it if necessary
func (c *Cache) Get(width, height int) (*Mask, error) {
	if c.mask != nil && c.mask.Width == width && c.mask.Height == height {
		return c.mask, nil
	}
	m, err := BuildMask(width, height, c.poly)
	if err != nil {
		return nil, err
	}
	c.mask = m
	return m, nil
}

// DrawOutline draws the closed outline of the region onto img
func DrawOutline(img *image.RGBA, poly Polygon) {
	pts := poly.Pixels(img.Rect.Dx(), img.Rect.Dy())
	if len(pts) < 2 {
		return
	}
	dc := gg.NewContextForRGBA(img)
	dc.SetColor(OutlineColor)
	dc.SetLineWidth(OutlineThickness)
	dc.MoveTo(float64(pts[0].X), float64(pts[0].Y))
	for _, p := range pts[1:] {
		dc.LineTo(float64(p.X), float64(p.Y))
	}
	dc.ClosePath()
	dc.Stroke()
}
