package acquisition

// Mode is the outcome of pixel format negotiation
type Mode int

const (
	// ModeUnsupported means no shared color or mono format exists
	ModeUnsupported Mode = iota
	// ModeColor means a color format was selected
	ModeColor
	// ModeMono means only a mono format was available
	ModeMono
)

// String returns the status reported to the operator
func (m Mode) String() string {
	switch m {
	case ModeColor:
		return "color"
	case ModeMono:
		return "mono"
	default:
		return "unsupported"
	}
}

// Intersect returns the formats of a that also appear in b, in the order of a.
func Intersect(a, b []PixelFormat) []PixelFormat {
	set := make(map[PixelFormat]struct{}, len(b))
	for _, f := range b {
		set[f] = struct{}{}
	}

	var out []PixelFormat
	for _, f := range a {
		if _, ok := set[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Negotiate picks the pixel format to stream in.
//
// The candidates are the camera formats the consumer can handle, in camera
// order. The first color candidate wins; otherwise the first mono candidate.
// Formats that are neither color nor mono are never selected.
func Negotiate(supported, consumer []PixelFormat) (PixelFormat, Mode) {
	shared := Intersect(supported, consumer)

	for _, f := range shared {
		if f.IsColor() {
			return f, ModeColor
		}
	}
	for _, f := range shared {
		if f.IsMono() {
			return f, ModeMono
		}
	}
	return FormatUnknown, ModeUnsupported
}
