// Package annotate draws detections onto frames, and decides which of those
// detections belong to the alarm classes.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"sync/atomic"

	"github.com/cyclopcam/intruder/pkg/nn"
	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

// ClassMembership answers whether a class id is one of the alarm classes
type ClassMembership interface {
	Contains(class int) bool
}

// Box colors, indexed by class id modulo the palette size
var Palette = []color.RGBA{
	{0xa3, 0x51, 0xfb, 0xff},
	{0xe6, 0xd9, 0x22, 0xff},
	{0xff, 0x40, 0x40, 0xff},
	{0x4c, 0xfb, 0x12, 0xff},
	{0x12, 0x7c, 0xfb, 0xff},
	{0xfb, 0x81, 0x12, 0xff},
	{0x12, 0xfb, 0xe0, 0xff},
	{0xfb, 0x12, 0x9c, 0xff},
	{0x92, 0x92, 0x92, 0xff},
	{0x6e, 0x3a, 0x10, 0xff},
}

const DefaultThickness = 3

// Annotator draws boxes and labels. It holds no per-frame state, so one Annotator
// can be shared, although the pipeline only ever uses it from its worker.
type Annotator struct {
	Model     *nn.ModelConfig // Used for class names. May be nil, in which case we use COCO names.
	Thickness float64         // Box line width in pixels
	Labels    bool            // Draw "<class> <confidence>" above each box

	skippedBoxes atomic.Int64
}

func NewAnnotator(model *nn.ModelConfig) *Annotator {
	return &Annotator{
		Model:     model,
		Thickness: DefaultThickness,
		Labels:    true,
	}
}

// Number of boxes that could not be drawn because of bad geometry or a drawing failure
func (a *Annotator) SkippedBoxes() int64 {
	return a.skippedBoxes.Load()
}

// Triggered returns the class ids of all detections that are alarm classes, in detection order.
// Only the detections of this frame are considered.
func Triggered(detections []nn.ObjectDetection, alarmClasses ClassMembership) []int {
	triggered := []int{}
	if alarmClasses == nil {
		return triggered
	}
	for _, det := range detections {
		if alarmClasses.Contains(det.Class) {
			triggered = append(triggered, det.Class)
		}
	}
	return triggered
}

// Annotate draws every detection onto img (in place), and returns img along with the
// triggered alarm classes. A detection that cannot be drawn is skipped, but it still
// counts towards the triggered classes.
func (a *Annotator) Annotate(img *image.RGBA, detections []nn.ObjectDetection, alarmClasses ClassMembership) (*image.RGBA, []int) {
	triggered := Triggered(detections, alarmClasses)
	if len(detections) == 0 {
		return img, triggered
	}
	dc := gg.NewContextForRGBA(img)
	dc.SetFontFace(basicfont.Face7x13)
	width, height := img.Rect.Dx(), img.Rect.Dy()
	for _, det := range detections {
		if !a.drawBox(dc, det, width, height) {
			a.skippedBoxes.Add(1)
		}
	}
	return img, triggered
}

func (a *Annotator) drawBox(dc *gg.Context, det nn.ObjectDetection, width, height int) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	if !det.Box.IsValid() {
		return false
	}
	box := det.Box.Clip(width, height)
	if !box.IsValid() {
		return false
	}
	thickness := a.Thickness
	if thickness <= 0 {
		thickness = DefaultThickness
	}
	c := classColor(det.Class)
	dc.SetColor(c)
	dc.SetLineWidth(thickness)
	dc.DrawRectangle(float64(box.X), float64(box.Y), float64(box.Width), float64(box.Height))
	dc.Stroke()

	if a.Labels {
		label := fmt.Sprintf("%v %.2f", a.Model.ClassName(det.Class), det.Confidence)
		tw, th := dc.MeasureString(label)
		pad := 2.0
		lx := float64(box.X)
		ly := float64(box.Y) - th - 2*pad
		if ly < 0 {
			// No room above the box, so put the label inside it
			ly = float64(box.Y)
		}
		dc.SetColor(c)
		dc.DrawRectangle(lx, ly, tw+2*pad, th+2*pad)
		dc.Fill()
		dc.SetColor(color.White)
		dc.DrawString(label, lx+pad, ly+pad+th)
	}
	return true
}

func classColor(class int) color.RGBA {
	if class < 0 {
		class = -class
	}
	return Palette[class%len(Palette)]
}
