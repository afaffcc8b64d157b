// Package transform converts raw camera frames into display images with OpenCV.
package transform

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/norbertmarko/sn-perception/acquisition"
)

// Area resizes frames with area interpolation (pixel-area relation
// resampling), which avoids moiré when shrinking.
//
// Raw formats are normalized before the resize: Bayer and YUYV frames are
// demosaiced/converted to BGR8, Mono16 is scaled down to Mono8. Other
// formats keep their layout. The zero value stretches to the target size;
// set AspectPreserving to letterbox instead.
//
// Area holds no state and is safe for concurrent use.
type Area struct {
	AspectPreserving bool
}

var _ acquisition.Transformer = Area{}

// ConsumerFormats are the pixel formats Area accepts, in preference order
var ConsumerFormats = []acquisition.PixelFormat{
	acquisition.BGR8,
	acquisition.RGB8,
	acquisition.BGRA8,
	acquisition.RGBA8,
	acquisition.BayerRG8,
	acquisition.BayerGR8,
	acquisition.BayerGB8,
	acquisition.BayerBG8,
	acquisition.YUYV,
	acquisition.Mono8,
	acquisition.Mono16,
}

// Resize returns a width x height copy of src that owns its memory
func (a Area) Resize(src acquisition.Image, width, height int) (acquisition.Image, error) {
	if width <= 0 || height <= 0 {
		return acquisition.Image{}, fmt.Errorf("transform: invalid target size %dx%d", width, height)
	}

	mat, format, err := normalize(src)
	if err != nil {
		return acquisition.Image{}, err
	}
	defer mat.Close()

	dst := gocv.NewMat()
	defer dst.Close()

	if a.AspectPreserving {
		letterbox(mat, &dst, width, height)
	} else {
		gocv.Resize(mat, &dst, image.Pt(width, height), 0, 0, gocv.InterpolationArea)
	}
	if dst.Empty() || dst.Cols() != width || dst.Rows() != height {
		return acquisition.Image{}, fmt.Errorf("transform: resize produced %dx%d, want %dx%d",
			dst.Cols(), dst.Rows(), width, height)
	}

	return acquisition.Image{
		Width:  width,
		Height: height,
		Format: format,
		Pix:    dst.ToBytes(),
	}, nil
}

// letterbox fits src inside width x height, centered on black bars
func letterbox(src gocv.Mat, dst *gocv.Mat, width, height int) {
	sw, sh := src.Cols(), src.Rows()
	scale := min(float64(width)/float64(sw), float64(height)/float64(sh))
	cw := max(1, min(width, int(float64(sw)*scale+0.5)))
	ch := max(1, min(height, int(float64(sh)*scale+0.5)))

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, image.Pt(cw, ch), 0, 0, gocv.InterpolationArea)

	canvas := gocv.NewMatWithSize(height, width, src.Type())
	defer canvas.Close()
	canvas.SetTo(gocv.NewScalar(0, 0, 0, 0))

	x, y := (width-cw)/2, (height-ch)/2
	roi := canvas.Region(image.Rect(x, y, x+cw, y+ch))
	resized.CopyTo(&roi)
	roi.Close()

	canvas.CopyTo(dst)
}

// normalize wraps src in a Mat whose layout Resize can interpolate and
// returns the resulting pixel format. The caller closes the Mat.
func normalize(src acquisition.Image) (gocv.Mat, acquisition.PixelFormat, error) {
	if err := src.Validate(); err != nil {
		return gocv.Mat{}, 0, fmt.Errorf("transform: %w", err)
	}

	switch src.Format {
	case acquisition.Mono8, acquisition.RGB8, acquisition.BGR8, acquisition.RGBA8, acquisition.BGRA8:
		mat, err := ToMat(src)
		return mat, src.Format, err

	case acquisition.Mono16:
		raw, err := gocv.NewMatFromBytes(src.Height, src.Width, gocv.MatTypeCV16UC1, src.Pix)
		if err != nil {
			return gocv.Mat{}, 0, fmt.Errorf("transform: wrap Mono16 frame: %w", err)
		}
		defer raw.Close()
		out := gocv.NewMat()
		raw.ConvertToWithParams(&out, gocv.MatTypeCV8U, 1.0/256, 0)
		return out, acquisition.Mono8, nil

	case acquisition.YUYV:
		return convert(src, gocv.MatTypeCV8UC2, gocv.ColorYUV2BGRYUYV)

	case acquisition.BayerRG8:
		return convert(src, gocv.MatTypeCV8UC1, gocv.ColorBayerRGToBGR)
	case acquisition.BayerGR8:
		return convert(src, gocv.MatTypeCV8UC1, gocv.ColorBayerGRToBGR)
	case acquisition.BayerGB8:
		return convert(src, gocv.MatTypeCV8UC1, gocv.ColorBayerGBToBGR)
	case acquisition.BayerBG8:
		return convert(src, gocv.MatTypeCV8UC1, gocv.ColorBayerBGToBGR)
	}

	return gocv.Mat{}, 0, fmt.Errorf("transform: unsupported pixel format %s", src.Format)
}

func convert(src acquisition.Image, mt gocv.MatType, code gocv.ColorConversionCode) (gocv.Mat, acquisition.PixelFormat, error) {
	raw, err := gocv.NewMatFromBytes(src.Height, src.Width, mt, src.Pix)
	if err != nil {
		return gocv.Mat{}, 0, fmt.Errorf("transform: wrap %s frame: %w", src.Format, err)
	}
	defer raw.Close()

	out := gocv.NewMat()
	gocv.CvtColor(raw, &out, code)
	return out, acquisition.BGR8, nil
}
