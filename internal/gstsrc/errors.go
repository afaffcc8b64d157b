package gstsrc

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies GStreamer bus errors for logs
type ErrorCategory int

const (
	// ErrCategoryDevice indicates the camera is missing, busy or gone
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryNegotiation indicates the source refused the requested caps
	ErrCategoryNegotiation
	// ErrCategoryResource indicates buffer or memory exhaustion
	ErrCategoryResource
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryNegotiation:
		return "negotiation"
	case ErrCategoryResource:
		return "resource"
	default:
		return "unknown"
	}
}

var (
	negotiationKeywords = []string{
		"not-negotiated",
		"not negotiated",
		"negotiation",
		"caps",
		"format",
	}
	resourceKeywords = []string{
		"allocate",
		"memory",
		"buffer pool",
		"no free buffers",
		"resource",
	}
	deviceKeywords = []string{
		"device",
		"busy",
		"could not open",
		"cannot identify",
		"permission",
		"no such",
		"camera",
		"disconnected",
	}
)

// ClassifyGStreamerError categorizes a bus error.
//
// go-gst's GError does not expose the error domain, so classification is
// keyword based on the message and debug string, most specific first.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classify(gerr.Error(), gerr.DebugString())
}

func classify(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)

	switch {
	case containsAny(combined, negotiationKeywords):
		return ErrCategoryNegotiation
	case containsAny(combined, resourceKeywords):
		return ErrCategoryResource
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
