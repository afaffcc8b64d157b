package acquisition

import (
	"fmt"
	"sync/atomic"
	"time"
)

// PixelFormat identifies the memory layout of a frame buffer.
type PixelFormat int

const (
	// FormatUnknown is the zero value, never negotiated
	FormatUnknown PixelFormat = iota
	// Mono8 is 8-bit grayscale
	Mono8
	// Mono16 is 16-bit little-endian grayscale
	Mono16
	// RGB8 is interleaved 8-bit red, green, blue
	RGB8
	// BGR8 is interleaved 8-bit blue, green, red (OpenCV native order)
	BGR8
	// RGBA8 is RGB8 with an alpha channel
	RGBA8
	// BGRA8 is BGR8 with an alpha channel
	BGRA8
	// YUYV is packed YUV 4:2:2
	YUYV
	// BayerRG8 is an 8-bit raw Bayer mosaic starting with red
	BayerRG8
	// BayerGR8 is an 8-bit raw Bayer mosaic starting with green/red
	BayerGR8
	// BayerGB8 is an 8-bit raw Bayer mosaic starting with green/blue
	BayerGB8
	// BayerBG8 is an 8-bit raw Bayer mosaic starting with blue
	BayerBG8
)

// String returns the GenICam-style name of the format
func (f PixelFormat) String() string {
	switch f {
	case Mono8:
		return "Mono8"
	case Mono16:
		return "Mono16"
	case RGB8:
		return "RGB8"
	case BGR8:
		return "BGR8"
	case RGBA8:
		return "RGBA8"
	case BGRA8:
		return "BGRA8"
	case YUYV:
		return "YUV422_8"
	case BayerRG8:
		return "BayerRG8"
	case BayerGR8:
		return "BayerGR8"
	case BayerGB8:
		return "BayerGB8"
	case BayerBG8:
		return "BayerBG8"
	default:
		return "Unknown"
	}
}

// IsColor reports whether the format carries color information
func (f PixelFormat) IsColor() bool {
	switch f {
	case RGB8, BGR8, RGBA8, BGRA8, YUYV, BayerRG8, BayerGR8, BayerGB8, BayerBG8:
		return true
	}
	return false
}

// IsMono reports whether the format is single-channel grayscale
func (f PixelFormat) IsMono() bool {
	return f == Mono8 || f == Mono16
}

// Channels returns the number of interleaved 8-bit channels per pixel as
// seen by the transform. Formats that cannot be resized channel-wise return 0.
func (f PixelFormat) Channels() int {
	switch f {
	case Mono8:
		return 1
	case RGB8, BGR8:
		return 3
	case RGBA8, BGRA8:
		return 4
	default:
		return 0
	}
}

// BytesPerPixel returns the storage size of one pixel, rounded up for packed formats.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case Mono8, BayerRG8, BayerGR8, BayerGB8, BayerBG8:
		return 1
	case Mono16, YUYV:
		return 2
	case RGB8, BGR8:
		return 3
	case RGBA8, BGRA8:
		return 4
	default:
		return 0
	}
}

// FrameSize returns the expected buffer length for a width x height frame,
// or 0 when the format has no fixed size.
func (f PixelFormat) FrameSize(width, height int) int {
	return width * height * f.BytesPerPixel()
}

// Image is a tightly packed pixel buffer with its geometry.
//
// When embedded in a Frame the Pix slice aliases driver memory (or a repacked
// copy when the driver pads rows) and is only valid until the frame is
// queued back. Images produced by a Transformer own
// their memory (the display image).
type Image struct {
	Width  int
	Height int
	Format PixelFormat
	Pix    []byte
}

// Validate checks that Pix holds exactly one frame of the declared geometry.
func (img Image) Validate() error {
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("acquisition: invalid image size %dx%d", img.Width, img.Height)
	}
	want := img.Format.FrameSize(img.Width, img.Height)
	if want == 0 {
		return fmt.Errorf("acquisition: pixel format %s has no fixed frame size", img.Format)
	}
	if len(img.Pix) != want {
		return fmt.Errorf("acquisition: buffer holds %d bytes, %dx%d %s needs %d",
			len(img.Pix), img.Width, img.Height, img.Format, want)
	}
	return nil
}

// FrameStatus is the completion status reported by the driver for a frame
type FrameStatus int

const (
	// StatusComplete means the buffer holds a whole frame
	StatusComplete FrameStatus = iota
	// StatusIncomplete means the transfer ended before the frame was filled
	StatusIncomplete
	// StatusTooSmall means the buffer was smaller than the frame
	StatusTooSmall
	// StatusInvalid means the driver flagged the data as corrupt
	StatusInvalid
)

// String returns a human-readable status
func (s FrameStatus) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusIncomplete:
		return "incomplete"
	case StatusTooSmall:
		return "too_small"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Frame is one unit of image data delivered by a Session.
//
// The session owns the frame; a FrameHandler borrows it for the duration of
// the callback and must hand it back through Camera.QueueFrame exactly once.
type Frame struct {
	// Seq is the monotonic sequence number within the session
	Seq uint64
	// TraceID is a unique identifier for log correlation
	TraceID string
	// Timestamp is when the driver delivered the frame
	Timestamp time.Time
	// Status is the driver completion status
	Status FrameStatus
	// Image aliases the driver buffer
	Image

	// Handle is backend-private state needed to requeue the buffer
	// (a V4L2 buffer index, a mapped GStreamer buffer).
	Handle any

	queued atomic.Bool
}

// MarkQueued records that the frame went back to its session. It returns
// ErrFrameAlreadyQueued on every call after the first.
func (f *Frame) MarkQueued() error {
	if !f.queued.CompareAndSwap(false, true) {
		return fmt.Errorf("frame seq=%d: %w", f.Seq, ErrFrameAlreadyQueued)
	}
	return nil
}

// Queued reports whether the frame has been returned to its session
func (f *Frame) Queued() bool {
	return f.queued.Load()
}

// String formats the frame the way the acquisition log prints it
func (f *Frame) String() string {
	return fmt.Sprintf("Frame(seq=%d, %dx%d %s, status=%s)",
		f.Seq, f.Width, f.Height, f.Format, f.Status)
}

// AutoMode is the mode of an automatic camera feature
type AutoMode string

const (
	// AutoOff leaves the feature under manual control
	AutoOff AutoMode = "off"
	// AutoOnce runs the automatic algorithm once and then holds
	AutoOnce AutoMode = "once"
	// AutoContinuous keeps the automatic algorithm running
	AutoContinuous AutoMode = "continuous"
)

// Valid reports whether the mode is one of the known values
func (m AutoMode) Valid() bool {
	return m == AutoOff || m == AutoOnce || m == AutoContinuous
}

// Features is the best-effort camera configuration applied before streaming.
// Zero values mean "leave as is".
type Features struct {
	Width        int
	Height       int
	WhiteBalance AutoMode
	Exposure     AutoMode
}
