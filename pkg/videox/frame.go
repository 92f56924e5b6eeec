package videox

import (
	"fmt"
	"image"
	"os"
	"time"

	"github.com/bmharper/cimg/v2"
)

// Frame is a single decoded camera image.
// Once a Frame has been handed to a consumer, nobody may write to Image.
// Consumers that need to modify pixels must work on a Clone().
type Frame struct {
	ID    int64       // Monotonic id assigned by the source (1,2,3...)
	Image *image.RGBA // Always RGBA, origin at 0,0
	PTS   time.Time   // Capture time
}

// Create a frame with a zeroed image of the given size
func NewFrame(id int64, width, height int, pts time.Time) *Frame {
	return &Frame{
		ID:    id,
		Image: image.NewRGBA(image.Rect(0, 0, width, height)),
		PTS:   pts,
	}
}

func (f *Frame) Width() int {
	return f.Image.Rect.Dx()
}

func (f *Frame) Height() int {
	return f.Image.Rect.Dy()
}

// Return a deep copy of the frame
func (f *Frame) Clone() *Frame {
	return &Frame{
		ID:    f.ID,
		Image: CloneRGBA(f.Image),
		PTS:   f.PTS,
	}
}

// Return a deep copy of the image, with the origin moved to 0,0 and a tight stride
func CloneRGBA(src *image.RGBA) *image.RGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if src.Stride == dst.Stride && src.Rect.Min == (image.Point{}) {
		copy(dst.Pix, src.Pix[:h*src.Stride])
		return dst
	}
	for y := 0; y < h; y++ {
		srcOff := src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y)
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+w*4], src.Pix[srcOff:srcOff+w*4])
	}
	return dst
}

// Convert an RGBA image into a packed RGB cimg image, which is what our JPEG codec wants
func RGBAToCImage(src *image.RGBA) *cimg.Image {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := cimg.NewImage(w, h, cimg.PixelFormatRGB)
	for y := 0; y < h; y++ {
		s := src.Pix[src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y):]
		d := dst.Pixels[y*dst.Stride:]
		for x := 0; x < w; x++ {
			d[x*3] = s[x*4]
			d[x*3+1] = s[x*4+1]
			d[x*3+2] = s[x*4+2]
		}
	}
	return dst
}

// Convert a cimg image (gray, RGB, or RGBA) into an opaque RGBA image
func CImageToRGBA(src *cimg.Image) (*image.RGBA, error) {
	nchan := src.NChan()
	if nchan != 1 && nchan != 3 && nchan != 4 {
		return nil, fmt.Errorf("Unsupported number of image channels %v", nchan)
	}
	dst := image.NewRGBA(image.Rect(0, 0, src.Width, src.Height))
	for y := 0; y < src.Height; y++ {
		s := src.Pixels[y*src.Stride:]
		d := dst.Pix[y*dst.Stride:]
		for x := 0; x < src.Width; x++ {
			switch nchan {
			case 1:
				d[x*4], d[x*4+1], d[x*4+2] = s[x], s[x], s[x]
			default:
				d[x*4], d[x*4+1], d[x*4+2] = s[x*nchan], s[x*nchan+1], s[x*nchan+2]
			}
			d[x*4+3] = 255
		}
	}
	return dst, nil
}

// Encode an image as a JPEG
func EncodeJPEG(img *image.RGBA, quality int) ([]byte, error) {
	return cimg.Compress(RGBAToCImage(img), cimg.MakeCompressParams(cimg.Sampling(cimg.Sampling420), quality, cimg.Flags(0)))
}

// Read a JPEG (or any other format that cimg understands) from disk
func ReadImageFile(filename string) (*image.RGBA, error) {
	img, err := cimg.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return CImageToRGBA(img)
}

// Write a JPEG to disk, via a temp file so that readers never see a half-written image
func WriteJPEGFile(filename string, img *image.RGBA, quality int) error {
	b, err := EncodeJPEG(img, quality)
	if err != nil {
		return err
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}
