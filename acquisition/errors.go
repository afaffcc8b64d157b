package acquisition

import "errors"

var (
	// ErrNoCompatibleFormat is returned when the camera and the consumer share
	// no color or mono pixel format. Startup must abort.
	ErrNoCompatibleFormat = errors.New("acquisition: camera has no compatible pixel format")

	// ErrBufferReturn wraps a failure to queue a frame back to its session.
	// It is fatal to the session.
	ErrBufferReturn = errors.New("acquisition: failed to return frame buffer")

	// ErrFrameAlreadyQueued is returned when a frame is queued a second time
	ErrFrameAlreadyQueued = errors.New("acquisition: frame already queued")

	// ErrAlreadyStreaming is returned by StartStreaming on a streaming session
	ErrAlreadyStreaming = errors.New("acquisition: session already streaming")

	// ErrNotStreaming is returned by operations that need an active stream
	ErrNotStreaming = errors.New("acquisition: session not streaming")
)
