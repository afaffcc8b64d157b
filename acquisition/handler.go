package acquisition

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/norbertmarko/sn-perception/internal/fps"
)

// Key codes reported by the display window
const (
	KeyEnter    = 13
	KeyLineFeed = 10
)

// DefaultStopKeys are the keys that end the stream when none are configured
var DefaultStopKeys = []int{KeyEnter, KeyLineFeed}

// WindowTitle returns the display window title for a camera
func WindowTitle(cameraName string) string {
	return fmt.Sprintf("Stream from '%s'. Press <Enter> to stop stream.", cameraName)
}

// HandlerConfig configures the per-frame pipeline
type HandlerConfig struct {
	// TargetWidth and TargetHeight are the display image size
	TargetWidth  int
	TargetHeight int

	// Persist enables writing every displayed image through the Persister
	Persist bool

	// StopKeys end the stream when pressed (DefaultStopKeys if empty)
	StopKeys []int

	// FPSWindow is the number of arrivals used for frame-rate stats
	// (fps.DefaultWindow if zero)
	FPSWindow int
}

// HandlerDeps are the collaborators invoked for every frame
type HandlerDeps struct {
	Transformer Transformer
	Display     Display
	Keys        KeySource
	Persister   Persister // required when HandlerConfig.Persist is set
	Signal      *ShutdownSignal

	// Now overrides the clock used when a frame carries no timestamp
	Now func() time.Time
}

// HandlerStats is a snapshot of the handler counters
type HandlerStats struct {
	FramesReceived   uint64    `json:"frames_received"`
	FramesDisplayed  uint64    `json:"frames_displayed"`
	FramesIncomplete uint64    `json:"frames_incomplete"`
	FramesSkipped    uint64    `json:"frames_skipped"`
	TransformErrors  uint64    `json:"transform_errors"`
	PersistErrors    uint64    `json:"persist_errors"`
	DisplayErrors    uint64    `json:"display_errors"`
	QueueErrors      uint64    `json:"queue_errors"`
	Panics           uint64    `json:"panics"`
	FPS              fps.Stats `json:"fps"`
}

// Handler runs the per-frame pipeline: stop check, completeness check,
// transform, optional persistence, display and buffer return.
//
// Handle is meant to be passed to Session.StartStreaming. Counters are
// atomic so Stats can be read from any goroutine while streaming.
type Handler struct {
	width    int
	height   int
	persist  bool
	stopKeys []int

	tf      Transformer
	display Display
	keys    KeySource
	writer  Persister
	signal  *ShutdownSignal
	now     func() time.Time
	window  *fps.Window

	closeDisplay sync.Once

	received    atomic.Uint64
	displayed   atomic.Uint64
	incomplete  atomic.Uint64
	skipped     atomic.Uint64
	tfErrors    atomic.Uint64
	writeErrors atomic.Uint64
	showErrors  atomic.Uint64
	queueErrors atomic.Uint64
	panics      atomic.Uint64
}

// NewHandler creates a frame handler with fail-fast validation
//
// Validates:
//   - target size must be positive
//   - transformer, display, key source and signal are required
//   - a persister is required when persistence is enabled
func NewHandler(cfg HandlerConfig, deps HandlerDeps) (*Handler, error) {
	if cfg.TargetWidth <= 0 || cfg.TargetHeight <= 0 {
		return nil, fmt.Errorf("acquisition: invalid target size %dx%d",
			cfg.TargetWidth, cfg.TargetHeight)
	}
	if deps.Transformer == nil {
		return nil, fmt.Errorf("acquisition: transformer is required")
	}
	if deps.Display == nil {
		return nil, fmt.Errorf("acquisition: display is required")
	}
	if deps.Keys == nil {
		return nil, fmt.Errorf("acquisition: key source is required")
	}
	if deps.Signal == nil {
		return nil, fmt.Errorf("acquisition: shutdown signal is required")
	}
	if cfg.Persist && deps.Persister == nil {
		return nil, fmt.Errorf("acquisition: persistence enabled without a persister")
	}

	stopKeys := cfg.StopKeys
	if len(stopKeys) == 0 {
		stopKeys = DefaultStopKeys
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Handler{
		width:    cfg.TargetWidth,
		height:   cfg.TargetHeight,
		persist:  cfg.Persist,
		stopKeys: slices.Clone(stopKeys),
		tf:       deps.Transformer,
		display:  deps.Display,
		keys:     deps.Keys,
		writer:   deps.Persister,
		signal:   deps.Signal,
		now:      now,
		window:   fps.NewWindow(cfg.FPSWindow),
	}, nil
}

// Signal returns the shutdown signal the handler sets on a stop key
func (h *Handler) Signal() *ShutdownSignal {
	return h.signal
}

// Handle processes one frame and always returns it to cam.
//
// Per-frame failures (transform, persistence, display, panics) are logged
// and counted; they never leave Handle. The only error returned is a failed
// buffer return, wrapped in ErrBufferReturn.
func (h *Handler) Handle(cam Camera, frame *Frame) (err error) {
	h.received.Add(1)

	defer func() {
		if r := recover(); r != nil {
			h.panics.Add(1)
			slog.Error("acquisition: recovered panic in frame handler",
				"camera", cam.Name(),
				"seq", frame.Seq,
				"trace_id", frame.TraceID,
				"panic", r,
			)
		}

		if qerr := cam.QueueFrame(frame); qerr != nil {
			h.queueErrors.Add(1)
			err = fmt.Errorf("%w: camera %q seq=%d: %w", ErrBufferReturn, cam.Name(), frame.Seq, qerr)
		}
	}()

	// The frame carrying the stop key ends the stream; it is not a skip.
	if key := h.keys.PollKey(); key >= 0 && slices.Contains(h.stopKeys, key) {
		h.signal.Set(fmt.Sprintf("stop key %d", key))
		h.releaseDisplay(cam)
		return nil
	}
	if h.signal.IsSet() {
		h.skipped.Add(1)
		h.releaseDisplay(cam)
		return nil
	}

	if frame.Status != StatusComplete {
		h.incomplete.Add(1)
		slog.Debug("acquisition: frame incomplete",
			"camera", cam.Name(),
			"seq", frame.Seq,
			"status", frame.Status.String(),
		)
		return nil
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = h.now()
	}
	h.window.Observe(ts)

	slog.Debug(fmt.Sprintf("acquisition: %s acquired %s", cam.Name(), frame),
		"trace_id", frame.TraceID,
	)

	img, terr := h.tf.Resize(frame.Image, h.width, h.height)
	if terr != nil {
		h.tfErrors.Add(1)
		slog.Warn("acquisition: transform failed",
			"camera", cam.Name(),
			"seq", frame.Seq,
			"error", terr,
		)
		return nil
	}

	if h.persist {
		if werr := h.writer.Write(img); werr != nil {
			h.writeErrors.Add(1)
			slog.Warn("acquisition: persist failed",
				"camera", cam.Name(),
				"seq", frame.Seq,
				"error", werr,
			)
		}
	}

	if serr := h.display.Show(WindowTitle(cam.Name()), img); serr != nil {
		h.showErrors.Add(1)
		slog.Warn("acquisition: display failed",
			"camera", cam.Name(),
			"seq", frame.Seq,
			"error", serr,
		)
		return nil
	}
	h.displayed.Add(1)

	return nil
}

// releaseDisplay closes a display that implements io.Closer, once. It runs
// inside Handle so window teardown happens on the thread that drew it.
func (h *Handler) releaseDisplay(cam Camera) {
	c, ok := h.display.(io.Closer)
	if !ok {
		return
	}
	h.closeDisplay.Do(func() {
		if err := c.Close(); err != nil {
			slog.Warn("acquisition: failed to close display",
				"camera", cam.Name(),
				"error", err,
			)
		}
	})
}

// Stats returns a snapshot of the handler counters
//
// Thread-safe - uses atomic loads and the mutex-guarded FPS window.
func (h *Handler) Stats() HandlerStats {
	return HandlerStats{
		FramesReceived:   h.received.Load(),
		FramesDisplayed:  h.displayed.Load(),
		FramesIncomplete: h.incomplete.Load(),
		FramesSkipped:    h.skipped.Load(),
		TransformErrors:  h.tfErrors.Load(),
		PersistErrors:    h.writeErrors.Load(),
		DisplayErrors:    h.showErrors.Load(),
		QueueErrors:      h.queueErrors.Load(),
		Panics:           h.panics.Load(),
		FPS:              h.window.Stats(),
	}
}
