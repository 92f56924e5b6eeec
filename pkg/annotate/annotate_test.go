package annotate

import (
	"image"
	"testing"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/intruder/pkg/nn"
	"github.com/stretchr/testify/require"
)

type classSet map[int]bool

func (s classSet) Contains(class int) bool {
	return s[class]
}

func TestTriggeredScansAllDetections(t *testing.T) {
	dets := []nn.ObjectDetection{
		{Class: nn.COCOCar, Confidence: 0.9, Box: nn.Rect{X: 1, Y: 1, Width: 5, Height: 5}},
		{Class: nn.COCOPerson, Confidence: 0.8, Box: nn.Rect{X: 10, Y: 10, Width: 5, Height: 5}},
		{Class: nn.COCODog, Confidence: 0.7, Box: nn.Rect{X: 20, Y: 20, Width: 5, Height: 5}},
		{Class: nn.COCOPerson, Confidence: 0.6, Box: nn.Rect{X: 30, Y: 30, Width: 5, Height: 5}},
	}
	// The first detection is not an alarm class, but later ones are
	require.Equal(t, []int{nn.COCOPerson, nn.COCOPerson}, Triggered(dets, classSet{nn.COCOPerson: true}))
	require.Equal(t, []int{nn.COCOCar, nn.COCODog}, Triggered(dets, classSet{nn.COCOCar: true, nn.COCODog: true}))
	require.Equal(t, []int{}, Triggered(dets, classSet{}))
	require.Equal(t, []int{}, Triggered(dets, nil))
	require.Equal(t, []int{}, Triggered(nil, classSet{0: true}))
}

func TestAnnotateDrawsBoxes(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 200, 200))
	a := NewAnnotator(nil)
	dets := []nn.ObjectDetection{
		{Class: nn.COCOPerson, Confidence: 0.9, Box: nn.Rect{X: 50, Y: 60, Width: 80, Height: 100}},
	}
	out, triggered := a.Annotate(img, dets, classSet{nn.COCOPerson: true})
	require.Same(t, img, out)
	require.Equal(t, []int{nn.COCOPerson}, triggered)

	// Left edge of the box is painted, interior is not
	p := img.PixOffset(50, 110)
	require.NotEqual(t, []byte{0, 0, 0, 0}, img.Pix[p:p+4])
	c := img.PixOffset(90, 110)
	require.Equal(t, []byte{0, 0, 0, 0}, img.Pix[c:c+4])
	require.EqualValues(t, 0, a.SkippedBoxes())
}

func TestAnnotateBadGeometry(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	a := NewAnnotator(&nn.ModelConfig{Classes: []string{"person"}})
	dets := []nn.ObjectDetection{
		{Class: 0, Confidence: 0.9, Box: nn.Rect{X: math32.NaN(), Y: 0, Width: 10, Height: 10}},
		{Class: 0, Confidence: 0.9, Box: nn.Rect{X: 10, Y: 10, Width: -5, Height: 10}},
		{Class: 0, Confidence: 0.9, Box: nn.Rect{X: 500, Y: 500, Width: 10, Height: 10}},
		{Class: 0, Confidence: 0.9, Box: nn.Rect{X: 0, Y: 0, Width: 20, Height: 20}},
	}
	_, triggered := a.Annotate(img, dets, classSet{0: true})
	// Every detection still counts towards the alarm, even those that can't be drawn
	require.Equal(t, []int{0, 0, 0, 0}, triggered)
	require.EqualValues(t, 3, a.SkippedBoxes())
}
