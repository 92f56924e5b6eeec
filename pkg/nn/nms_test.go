package nn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIOU(t *testing.T) {
	a := Rect{X: 0, Y: 0, Width: 10, Height: 10}
	b := Rect{X: 5, Y: 0, Width: 10, Height: 10}
	require.InDelta(t, 50.0/150.0, a.IOU(b), 1e-6)
	require.Equal(t, float32(1), a.IOU(a))
	require.Equal(t, float32(0), a.IOU(Rect{X: 20, Y: 20, Width: 5, Height: 5}))
	require.Equal(t, float32(0), Rect{}.IOU(Rect{}))
}

func TestRectValid(t *testing.T) {
	require.True(t, Rect{X: 1, Y: 1, Width: 2, Height: 2}.IsValid())
	require.False(t, Rect{X: 1, Y: 1, Width: 0, Height: 2}.IsValid())
	require.False(t, RectFromCorners(10, 10, 5, 5).IsValid())
	nan := float32(0)
	nan = nan / nan
	require.False(t, Rect{X: nan, Y: 1, Width: 2, Height: 2}.IsValid())
}

func TestNMS(t *testing.T) {
	input := []ObjectDetection{
		{Class: COCOPerson, Confidence: 0.6, Box: Rect{X: 12, Y: 10, Width: 50, Height: 100}},
		{Class: COCOPerson, Confidence: 0.9, Box: Rect{X: 10, Y: 10, Width: 50, Height: 100}},
		{Class: COCOCar, Confidence: 0.8, Box: Rect{X: 10, Y: 10, Width: 50, Height: 100}},
		{Class: COCOPerson, Confidence: 0.7, Box: Rect{X: 300, Y: 10, Width: 50, Height: 100}},
	}
	out := NMS(input, DefaultNmsIouThreshold)
	require.Equal(t, 3, len(out))
	require.Equal(t, float32(0.9), out[0].Confidence)
	require.Equal(t, COCOCar, out[1].Class)
	require.Equal(t, float32(0.7), out[2].Confidence)

	require.Nil(t, NMS(nil, 0.5))
}

func TestClassName(t *testing.T) {
	require.Equal(t, "person", ClassName(COCOPerson))
	require.Equal(t, "class 999", ClassName(999))
	require.Equal(t, COCODog, ClassByName("dog"))
	require.Equal(t, -1, ClassByName("dragon"))

	cfg := &ModelConfig{Classes: []string{"intruder"}}
	require.Equal(t, "intruder", cfg.ClassName(0))
	require.Equal(t, "bicycle", cfg.ClassName(1))
}
