package transform

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/norbertmarko/sn-perception/acquisition"
)

// ToMat wraps an 8-bit image in a Mat of the matching channel count.
// The Mat copies Pix; the caller closes it.
func ToMat(img acquisition.Image) (gocv.Mat, error) {
	var mt gocv.MatType
	switch img.Format.Channels() {
	case 1:
		mt = gocv.MatTypeCV8UC1
	case 3:
		mt = gocv.MatTypeCV8UC3
	case 4:
		mt = gocv.MatTypeCV8UC4
	default:
		return gocv.Mat{}, fmt.Errorf("transform: no 8-bit Mat layout for %s", img.Format)
	}

	mat, err := gocv.NewMatFromBytes(img.Height, img.Width, mt, img.Pix)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("transform: wrap %dx%d %s: %w", img.Width, img.Height, img.Format, err)
	}
	return mat, nil
}

// ToBGRMat returns img as a Mat in the channel order HighGUI and imgcodecs
// expect: BGR for color, single channel for mono. The caller closes it.
func ToBGRMat(img acquisition.Image) (gocv.Mat, error) {
	mat, err := ToMat(img)
	if err != nil {
		return gocv.Mat{}, err
	}

	var code gocv.ColorConversionCode
	switch img.Format {
	case acquisition.RGB8:
		code = gocv.ColorRGBToBGR
	case acquisition.RGBA8:
		code = gocv.ColorRGBAToBGR
	case acquisition.BGRA8:
		code = gocv.ColorBGRAToBGR
	default:
		return mat, nil
	}
	defer mat.Close()

	bgr := gocv.NewMat()
	gocv.CvtColor(mat, &bgr, code)
	return bgr, nil
}
