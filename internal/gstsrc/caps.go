package gstsrc

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/norbertmarko/sn-perception/acquisition"
)

// formatTable maps GStreamer media types and format names to acquisition
// formats, in preference order
var formatTable = []struct {
	media  string
	name   string
	format acquisition.PixelFormat
}{
	{"video/x-raw", "BGR", acquisition.BGR8},
	{"video/x-raw", "RGB", acquisition.RGB8},
	{"video/x-raw", "BGRA", acquisition.BGRA8},
	{"video/x-raw", "RGBA", acquisition.RGBA8},
	{"video/x-bayer", "rggb", acquisition.BayerRG8},
	{"video/x-bayer", "grbg", acquisition.BayerGR8},
	{"video/x-bayer", "gbrg", acquisition.BayerGB8},
	{"video/x-bayer", "bggr", acquisition.BayerBG8},
	{"video/x-raw", "YUY2", acquisition.YUYV},
	{"video/x-raw", "GRAY8", acquisition.Mono8},
	{"video/x-raw", "GRAY16_LE", acquisition.Mono16},
}

// FromGst maps a media type and format name, reporting false when unknown
func FromGst(media, name string) (acquisition.PixelFormat, bool) {
	for _, e := range formatTable {
		if e.media == media && e.name == name {
			return e.format, true
		}
	}
	return acquisition.FormatUnknown, false
}

// ToGst returns the media type and format name for f
func ToGst(f acquisition.PixelFormat) (media, name string, ok bool) {
	for _, e := range formatTable {
		if e.format == f {
			return e.media, e.name, true
		}
	}
	return "", "", false
}

// capsEntry is one format the source can produce with its size range
type capsEntry struct {
	format     acquisition.PixelFormat
	minW, maxW int
	minH, maxH int
}

// parseCaps reads the serialized caps of a source pad, e.g.
//
//	video/x-raw, format=(string){ YUY2, GRAY8 }, width=(int)[ 1, 1920 ], height=(int)1080
//
// Structures with unknown formats are dropped.
func parseCaps(s string) []capsEntry {
	var out []capsEntry
	for _, structure := range splitTop(s, ';') {
		fields := splitTop(structure, ',')
		if len(fields) == 0 {
			continue
		}
		media := strings.TrimSpace(fields[0])

		var names []string
		minW, maxW, minH, maxH := 0, 0, 0, 0
		for _, field := range fields[1:] {
			key, value, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			switch strings.TrimSpace(key) {
			case "format":
				names = parseList(value)
			case "width":
				minW, maxW = parseRange(value)
			case "height":
				minH, maxH = parseRange(value)
			}
		}

		for _, name := range names {
			f, ok := FromGst(media, name)
			if !ok {
				continue
			}
			out = append(out, capsEntry{format: f, minW: minW, maxW: maxW, minH: minH, maxH: maxH})
		}
	}
	return out
}

// capsFormats returns the distinct formats in table order
func capsFormats(entries []capsEntry) []acquisition.PixelFormat {
	var out []acquisition.PixelFormat
	for _, e := range formatTable {
		for _, c := range entries {
			if c.format == e.format && !slices.Contains(out, e.format) {
				out = append(out, e.format)
			}
		}
	}
	return out
}

// closestSize picks the size nearest to width x height among the entries
// for format. A zero bound means the source did not constrain it.
func closestSize(entries []capsEntry, format acquisition.PixelFormat, width, height int) (int, int, bool) {
	best, bestW, bestH := -1, 0, 0
	for _, c := range entries {
		if c.format != format {
			continue
		}
		w := clamp(width, c.minW, c.maxW)
		h := clamp(height, c.minH, c.maxH)
		d := abs(w-width) + abs(h-height)
		if best < 0 || d < best {
			best, bestW, bestH = d, w, h
		}
	}
	return bestW, bestH, best >= 0
}

// largestSize returns the biggest size offered for format
func largestSize(entries []capsEntry, format acquisition.PixelFormat) (int, int, bool) {
	w, h := 0, 0
	found := false
	for _, c := range entries {
		if c.format != format || c.maxW <= 0 || c.maxH <= 0 {
			continue
		}
		if !found || c.maxW*c.maxH > w*h {
			w, h, found = c.maxW, c.maxH, true
		}
	}
	return w, h, found
}

// buildCaps renders the caps filter for a format and size
func buildCaps(f acquisition.PixelFormat, width, height int) (string, error) {
	media, name, ok := ToGst(f)
	if !ok {
		return "", fmt.Errorf("gstsrc: no GStreamer format for %s", f)
	}
	caps := fmt.Sprintf("%s,format=%s", media, name)
	if width > 0 && height > 0 {
		caps += fmt.Sprintf(",width=%d,height=%d", width, height)
	}
	return caps, nil
}

// splitTop splits s on sep outside of {}, [] and () groups
func splitTop(s string, sep rune) []string {
	var (
		out   []string
		depth int
		start int
	)
	for i, r := range s {
		switch r {
		case '{', '[', '(':
			depth++
		case '}', ']', ')':
			depth--
		case sep:
			if depth == 0 {
				if part := strings.TrimSpace(s[start:i]); part != "" {
					out = append(out, part)
				}
				start = i + 1
			}
		}
	}
	if part := strings.TrimSpace(s[start:]); part != "" {
		out = append(out, part)
	}
	return out
}

// stripTypes removes "(string)" style casts
func stripTypes(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '(':
			depth++
		case r == ')':
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// parseList reads a single value or a { a, b } list
func parseList(value string) []string {
	v := stripTypes(value)
	v = strings.TrimPrefix(v, "{")
	v = strings.TrimSuffix(v, "}")
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.Trim(strings.TrimSpace(item), `"`); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseRange reads an int or an [ lo, hi ] range. Lists and unparsable
// values yield their extremes or zero.
func parseRange(value string) (int, int) {
	v := stripTypes(value)
	v = strings.Trim(v, "[]{} ")
	lo, hi := 0, 0
	for i, item := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(item))
		if err != nil {
			return 0, 0
		}
		if i == 0 || n < lo {
			lo = n
		}
		if n > hi {
			hi = n
		}
	}
	return lo, hi
}

func clamp(v, lo, hi int) int {
	if hi <= 0 {
		return v
	}
	return max(lo, min(hi, v))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
