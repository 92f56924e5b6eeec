package nn

import "fmt"

// ObjectDetection is an object that a neural network has found in an image.
// Detections are produced fresh by every inference call, and never mutated afterwards.
type ObjectDetection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}

func (o ObjectDetection) String() string {
	return fmt.Sprintf("%v (%.2f) at %.0f,%.0f %.0fx%.0f", ClassName(o.Class), o.Confidence, o.Box.X, o.Box.Y, o.Box.Width, o.Box.Height)
}
