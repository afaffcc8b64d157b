package v4l2

import (
	"fmt"
	"slices"

	"github.com/blackjack/webcam"

	"github.com/norbertmarko/sn-perception/acquisition"
)

// FourCC is a four character V4L2 pixel format code
type FourCC string

// PixelFormat converts the code to the V4L2 numeric form
func (f FourCC) PixelFormat() (webcam.PixelFormat, error) {
	if len(f) != 4 {
		return 0, fmt.Errorf("v4l2: illegal FourCC %q", string(f))
	}
	return webcam.PixelFormat(uint32(f[0]) | uint32(f[1])<<8 | uint32(f[2])<<16 | uint32(f[3])<<24), nil
}

// ToFourCC converts a V4L2 numeric pixel format to its code
func ToFourCC(pf webcam.PixelFormat) FourCC {
	return FourCC([]byte{byte(pf), byte(pf >> 8), byte(pf >> 16), byte(pf >> 24)})
}

// formatTable maps V4L2 codes to acquisition formats. Its order breaks ties
// when the driver enumerates formats (the enumeration map is unordered).
var formatTable = []struct {
	code   FourCC
	format acquisition.PixelFormat
}{
	{"BGR3", acquisition.BGR8},
	{"RGB3", acquisition.RGB8},
	{"AR24", acquisition.BGRA8},
	{"AB24", acquisition.RGBA8},
	{"RGGB", acquisition.BayerRG8},
	{"GRBG", acquisition.BayerGR8},
	{"GBRG", acquisition.BayerGB8},
	{"BA81", acquisition.BayerBG8},
	{"YUYV", acquisition.YUYV},
	{"GREY", acquisition.Mono8},
	{"Y16 ", acquisition.Mono16},
}

// FromV4L2 maps a V4L2 pixel format, reporting false for unknown codes
func FromV4L2(pf webcam.PixelFormat) (acquisition.PixelFormat, bool) {
	code := ToFourCC(pf)
	for _, e := range formatTable {
		if e.code == code {
			return e.format, true
		}
	}
	return acquisition.FormatUnknown, false
}

// ToV4L2 maps an acquisition format to its V4L2 code
func ToV4L2(f acquisition.PixelFormat) (webcam.PixelFormat, bool) {
	for _, e := range formatTable {
		if e.format == f {
			pf, err := e.code.PixelFormat()
			return pf, err == nil
		}
	}
	return 0, false
}

// orderedFormats converts the driver's format map to acquisition formats in
// table order, dropping codes with no mapping
func orderedFormats(supported map[webcam.PixelFormat]string) []acquisition.PixelFormat {
	var out []acquisition.PixelFormat
	for _, e := range formatTable {
		pf, err := e.code.PixelFormat()
		if err != nil {
			continue
		}
		if _, ok := supported[pf]; ok && !slices.Contains(out, e.format) {
			out = append(out, e.format)
		}
	}
	return out
}

// closestSize picks the supported frame size nearest to width x height.
// Stepwise ranges are clamped and snapped to their step.
func closestSize(sizes []webcam.FrameSize, width, height int) (int, int, bool) {
	best, bestW, bestH := -1, 0, 0

	for _, s := range sizes {
		w := snap(width, s.MinWidth, s.MaxWidth, s.StepWidth)
		h := snap(height, s.MinHeight, s.MaxHeight, s.StepHeight)
		d := abs(w-width) + abs(h-height)
		if best < 0 || d < best {
			best, bestW, bestH = d, w, h
		}
	}
	return bestW, bestH, best >= 0
}

func snap(v int, lo, hi, step uint32) int {
	if step == 0 {
		return int(hi)
	}
	v = max(int(lo), min(int(hi), v))
	return int(lo) + (v-int(lo))/int(step)*int(step)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
