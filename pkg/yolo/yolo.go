// Package yolo runs YOLOv8 object detection models through onnxruntime.
package yolo

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"runtime"
	"sync"

	"github.com/cyclopcam/intruder/pkg/nn"
	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
)

// Letterbox padding value used by the ultralytics exporter
const padValue = 114

var (
	envOnce sync.Once
	envErr  error
)

// Options for creating a Detector
type Options struct {
	SharedLibraryPath string // Path to libonnxruntime.so. If empty, the onnxruntime default is used.
	Threads           int    // Intra-op threads. Zero means runtime.NumCPU().
}

// initEnvironment loads the onnxruntime shared library. This can only happen once per process.
func initEnvironment(sharedLibraryPath string) error {
	envOnce.Do(func() {
		if sharedLibraryPath != "" {
			ort.SetSharedLibraryPath(sharedLibraryPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// Detector is a YOLOv8 model loaded into an onnxruntime session.
type Detector struct {
	config   nn.ModelConfig
	nAnchors int

	lock    sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NumAnchors returns the number of candidate boxes a YOLOv8 head produces for
// the given input size (strides 8, 16, 32). For 640x640 this is 8400.
func NumAnchors(width, height int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		n += (width / stride) * (height / stride)
	}
	return n
}

// NewDetector loads an ONNX model from disk.
func NewDetector(config *nn.ModelConfig, modelFile string, opts Options) (*Detector, error) {
	if config.Width%32 != 0 || config.Height%32 != 0 {
		return nil, fmt.Errorf("Model input size %vx%v is not a multiple of 32", config.Width, config.Height)
	}
	if len(config.Classes) == 0 {
		return nil, errors.New("Model config has no classes")
	}
	if err := initEnvironment(opts.SharedLibraryPath); err != nil {
		return nil, fmt.Errorf("Error initializing onnxruntime: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("Error creating session options: %w", err)
	}
	defer options.Destroy()
	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options.SetIntraOpNumThreads(threads)

	d := &Detector{
		config:   *config,
		nAnchors: NumAnchors(config.Width, config.Height),
	}

	d.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(config.Height), int64(config.Width)))
	if err != nil {
		return nil, fmt.Errorf("Error creating input tensor: %w", err)
	}
	d.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(config.Classes)), int64(d.nAnchors)))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("Error creating output tensor: %w", err)
	}
	d.session, err = ort.NewAdvancedSession(modelFile,
		[]string{"images"}, []string{"output0"},
		[]ort.ArbitraryTensor{d.input}, []ort.ArbitraryTensor{d.output},
		options)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("Error creating session: %w", err)
	}
	return d, nil
}

func (d *Detector) Close() {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	if d.output != nil {
		d.output.Destroy()
		d.output = nil
	}
}

func (d *Detector) Config() *nn.ModelConfig {
	return &d.config
}

func (d *Detector) DetectObjects(img *image.RGBA, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.session == nil {
		return nil, errors.New("Detector is closed")
	}

	lb := fitLetterbox(img.Rect.Dx(), img.Rect.Dy(), d.config.Width, d.config.Height)
	if lb.scale <= 0 {
		return nil, fmt.Errorf("Invalid image size %vx%v", img.Rect.Dx(), img.Rect.Dy())
	}
	fillInput(d.input.GetData(), letterboxImage(img, lb, d.config.Width, d.config.Height))

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("Model inference: %w", err)
	}

	prob, nmsIou := params.Thresholds()
	dets := decodeOutput(d.output.GetData(), len(d.config.Classes), d.nAnchors, lb, prob)
	dets = nn.NMS(dets, nmsIou)
	if params == nil || !params.Unclipped {
		for i := range dets {
			dets[i].Box = dets[i].Box.Clip(img.Rect.Dx(), img.Rect.Dy())
		}
	}
	return dets, nil
}

// letterbox describes how the source image maps into the network input
type letterbox struct {
	scale  float32 // network pixels per image pixel
	offX   int     // left padding in network pixels
	offY   int     // top padding in network pixels
	scaled image.Point
}

func fitLetterbox(srcW, srcH, dstW, dstH int) letterbox {
	if srcW <= 0 || srcH <= 0 {
		return letterbox{}
	}
	scale := min(float32(dstW)/float32(srcW), float32(dstH)/float32(srcH))
	w := max(int(float32(srcW)*scale+0.5), 1)
	h := max(int(float32(srcH)*scale+0.5), 1)
	return letterbox{
		scale:  scale,
		offX:   (dstW - w) / 2,
		offY:   (dstH - h) / 2,
		scaled: image.Pt(w, h),
	}
}

// Map a point from network space back to image space
func (lb letterbox) toImage(x, y float32) (float32, float32) {
	return (x - float32(lb.offX)) / lb.scale, (y - float32(lb.offY)) / lb.scale
}

func letterboxImage(img *image.RGBA, lb letterbox, dstW, dstH int) *image.NRGBA {
	resized := imaging.Resize(img, lb.scaled.X, lb.scaled.Y, imaging.Linear)
	canvas := imaging.New(dstW, dstH, color.NRGBA{padValue, padValue, padValue, 255})
	return imaging.Paste(canvas, resized, image.Pt(lb.offX, lb.offY))
}

// Write the image into a planar (CHW) RGB tensor, normalized to [0,1]
func fillInput(dst []float32, img *image.NRGBA) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	plane := w * h
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			dst[i] = float32(row[x*4]) / 255
			dst[plane+i] = float32(row[x*4+1]) / 255
			dst[2*plane+i] = float32(row[x*4+2]) / 255
		}
	}
}

// decodeOutput reads the (4 + nClasses) x nAnchors output tensor. Rows 0..3 are the
// box center and size, and the remaining rows are per-class scores.
func decodeOutput(out []float32, nClasses, nAnchors int, lb letterbox, probThreshold float32) []nn.ObjectDetection {
	if len(out) < (4+nClasses)*nAnchors {
		return nil
	}
	dets := []nn.ObjectDetection{}
	for i := 0; i < nAnchors; i++ {
		bestClass := -1
		bestScore := probThreshold
		for c := 0; c < nClasses; c++ {
			score := out[(4+c)*nAnchors+i]
			if score >= bestScore {
				bestClass = c
				bestScore = score
			}
		}
		if bestClass < 0 {
			continue
		}
		cx := out[i]
		cy := out[nAnchors+i]
		w := out[2*nAnchors+i]
		h := out[3*nAnchors+i]
		x1, y1 := lb.toImage(cx-w/2, cy-h/2)
		x2, y2 := lb.toImage(cx+w/2, cy+h/2)
		dets = append(dets, nn.ObjectDetection{
			Class:      bestClass,
			Confidence: bestScore,
			Box:        nn.RectFromCorners(x1, y1, x2, y2),
		})
	}
	return dets
}
