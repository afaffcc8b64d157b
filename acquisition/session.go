package acquisition

// Camera is the part of a session visible to a frame handler
type Camera interface {
	// Name returns the human-readable camera name
	Name() string

	// QueueFrame hands a frame buffer back to the driver pool.
	// Must be called exactly once per delivered frame.
	QueueFrame(frame *Frame) error
}

// FrameHandler is invoked by a session for every delivered frame, serially,
// on the session's acquisition thread.
//
// A non-nil return is fatal: the session stops streaming and StartStreaming
// returns the error.
type FrameHandler func(cam Camera, frame *Frame) error

// Session is an opened camera with a bounded pool of frame buffers.
//
// Lifecycle:
//
//	Open -> SetPixelFormat -> Configure -> StartStreaming ... StopStreaming -> Close
//
// Configuration calls are only valid before StartStreaming.
type Session interface {
	Camera

	// ID returns the driver-level identifier (device path, serial)
	ID() string

	// PixelFormats returns the formats the camera can deliver, in the
	// camera's preference order
	PixelFormats() []PixelFormat

	// SetPixelFormat selects the streaming format
	SetPixelFormat(f PixelFormat) error

	// Configure applies features the camera supports and silently skips
	// the rest
	Configure(features Features) error

	// StartStreaming allocates bufferCount buffers and invokes handler for
	// each frame. It blocks until StopStreaming is called or a fatal error
	// occurs. Returns ErrAlreadyStreaming if called twice.
	StartStreaming(handler FrameHandler, bufferCount int) error

	// StopStreaming ends an active stream. Idempotent and safe from any
	// goroutine other than the acquisition thread.
	StopStreaming() error

	// Close releases the device
	Close() error
}

// Transformer converts a raw frame into a display image of the target size.
// The returned image must own its memory.
type Transformer interface {
	Resize(src Image, width, height int) (Image, error)
}

// Display shows a display image in a titled window.
//
// A Display that also implements io.Closer is closed by the Handler, on the
// acquisition thread, at the first frame that observes shutdown.
type Display interface {
	Show(title string, img Image) error
}

// KeySource yields the last key pressed in the display window, or -1 when
// none. Must not block for longer than a few milliseconds.
type KeySource interface {
	PollKey() int
}

// Persister stores the latest display image
type Persister interface {
	Write(img Image) error
}
