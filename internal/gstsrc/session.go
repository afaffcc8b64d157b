// Package gstsrc implements acquisition.Session on a GStreamer camera source
// (aravissrc for GenICam cameras, v4l2src for UVC devices) feeding an appsink.
package gstsrc

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/norbertmarko/sn-perception/acquisition"
)

// Supported source elements
const (
	SourceAravis = "aravissrc"
	SourceV4L2   = "v4l2src"
)

// GstArvAuto enum values
const (
	arvAutoOff        = 0
	arvAutoOnce       = 1
	arvAutoContinuous = 2
)

// busPoll bounds how long StopStreaming waits for the bus loop to notice
const busPoll = 50 * time.Millisecond

// Config selects the source element and camera
type Config struct {
	// Source is SourceAravis or SourceV4L2
	Source string

	// Device is the camera name for aravissrc or the device path for
	// v4l2src. Empty picks the first camera.
	Device string
}

// Session is a GStreamer pipeline source -> capsfilter -> appsink
type Session struct {
	cfg  Config
	name string
	id   string

	pipeline *gst.Pipeline
	src      *gst.Element
	filter   *gst.Element
	sink     *app.Sink

	mu      sync.Mutex
	entries []capsEntry
	formats []acquisition.PixelFormat
	format  acquisition.PixelFormat
	width   int
	height  int

	streaming atomic.Bool
	stopReq   atomic.Bool
	seq       atomic.Uint64
	fatalOnce sync.Once
	fatal     error
	fatalCh   chan struct{}
}

var _ acquisition.Session = (*Session)(nil)

// Open builds the pipeline and brings it to READY to read the formats the
// source offers.
func Open(cfg Config) (*Session, error) {
	if cfg.Source != SourceAravis && cfg.Source != SourceV4L2 {
		return nil, fmt.Errorf("gstsrc: unsupported source %q", cfg.Source)
	}

	// Initialize GStreamer (safe to call multiple times)
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstsrc: failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("gstsrc: failed to create %s (plugin installed?): %w", cfg.Source, err)
	}
	if cfg.Device != "" {
		prop := "device"
		if cfg.Source == SourceAravis {
			prop = "camera-name"
		}
		if err := src.SetProperty(prop, cfg.Device); err != nil {
			return nil, fmt.Errorf("gstsrc: set %s: %w", prop, err)
		}
	}

	filter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("gstsrc: failed to create capsfilter: %w", err)
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstsrc: failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("drop", false) // backpressure instead of loss

	pipeline.AddMany(src, filter, sink.Element)
	if err := gst.ElementLinkMany(src, filter, sink.Element); err != nil {
		return nil, fmt.Errorf("gstsrc: failed to link pipeline: %w", err)
	}

	s := &Session{
		cfg:      cfg,
		pipeline: pipeline,
		src:      src,
		filter:   filter,
		sink:     sink,
		fatalCh:  make(chan struct{}),
	}

	if err := pipeline.SetState(gst.StateReady); err != nil {
		return nil, fmt.Errorf("gstsrc: %s not ready: %w", cfg.Source, err)
	}
	s.queryCaps()
	s.name, s.id = s.identify()

	slog.Info("gstsrc: camera opened",
		"source", cfg.Source,
		"name", s.name,
		"id", s.id,
		"formats", fmt.Sprint(s.formats),
	)
	return s, nil
}

func (s *Session) queryCaps() {
	pad := s.src.GetStaticPad("src")
	if pad == nil {
		slog.Warn("gstsrc: source has no src pad", "source", s.cfg.Source)
		return
	}
	caps := pad.QueryCaps(nil)
	if caps == nil {
		slog.Warn("gstsrc: source reported no caps", "source", s.cfg.Source)
		return
	}
	s.entries = parseCaps(caps.String())
	s.formats = capsFormats(s.entries)
	slog.Debug("gstsrc: source caps", "caps", caps.String())
}

// identify reads the camera name the source resolved. The ID falls back to
// a random session ID when the source exposes none.
func (s *Session) identify() (string, string) {
	prop := "device-name"
	if s.cfg.Source == SourceAravis {
		prop = "camera-name"
	}

	name := s.cfg.Device
	if v, err := s.src.GetProperty(prop); err == nil {
		if str, ok := v.(string); ok && str != "" {
			name = str
		}
	}
	if name == "" {
		name = s.cfg.Source
	}

	id := s.cfg.Device
	if id == "" {
		id = s.cfg.Source + "-" + uuid.New().String()
	}
	return name, id
}

// Name returns the camera name
func (s *Session) Name() string { return s.name }

// ID returns the device identifier
func (s *Session) ID() string { return s.id }

// PixelFormats returns the mapped formats of the source caps
func (s *Session) PixelFormats() []acquisition.PixelFormat {
	return append([]acquisition.PixelFormat(nil), s.formats...)
}

// SetPixelFormat locks the caps filter to f at its largest offered size
func (s *Session) SetPixelFormat(f acquisition.PixelFormat) error {
	if s.streaming.Load() {
		return fmt.Errorf("gstsrc: %w: cannot change pixel format", acquisition.ErrAlreadyStreaming)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, h := s.width, s.height
	if w == 0 || h == 0 {
		w, h, _ = largestSize(s.entries, f)
	}
	return s.applyCaps(f, w, h)
}

// applyCaps requires s.mu
func (s *Session) applyCaps(f acquisition.PixelFormat, w, h int) error {
	caps, err := buildCaps(f, w, h)
	if err != nil {
		return err
	}
	if err := s.filter.SetProperty("caps", gst.NewCapsFromString(caps)); err != nil {
		return fmt.Errorf("gstsrc: set caps %s: %w", caps, err)
	}
	s.format, s.width, s.height = f, w, h
	slog.Debug("gstsrc: caps set", "caps", caps)
	return nil
}

// Configure applies the features the source exposes as properties.
// Unsupported features are skipped with a debug log.
func (s *Session) Configure(features acquisition.Features) error {
	if s.streaming.Load() {
		return fmt.Errorf("gstsrc: %w: cannot configure", acquisition.ErrAlreadyStreaming)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if features.Width > 0 && features.Height > 0 {
		if s.format == acquisition.FormatUnknown {
			return fmt.Errorf("gstsrc: set a pixel format before the resolution")
		}
		w, h, ok := closestSize(s.entries, s.format, features.Width, features.Height)
		if !ok {
			slog.Debug("gstsrc: resolution not supported, skipping",
				"requested", fmt.Sprintf("%dx%d", features.Width, features.Height))
		} else if err := s.applyCaps(s.format, w, h); err != nil {
			return err
		}
	}

	s.applyAuto("balance-white-auto", features.WhiteBalance)
	s.applyAuto("exposure-auto", features.Exposure)
	return nil
}

func (s *Session) applyAuto(prop string, mode acquisition.AutoMode) {
	if mode == "" {
		return
	}
	if _, err := s.src.GetPropertyType(prop); err != nil {
		slog.Debug("gstsrc: feature not supported, skipping", "source", s.cfg.Source, "property", prop)
		return
	}

	v := arvAutoContinuous
	switch mode {
	case acquisition.AutoOff:
		v = arvAutoOff
	case acquisition.AutoOnce:
		v = arvAutoOnce
	}
	if err := s.src.SetProperty(prop, v); err != nil {
		slog.Debug("gstsrc: property rejected, skipping", "property", prop, "value", v, "error", err)
		return
	}
	slog.Debug("gstsrc: property set", "property", prop, "value", string(mode))
}

// StartStreaming sets the pipeline PLAYING and blocks until StopStreaming,
// a handler error or a bus error.
//
// The appsink holds at most bufferCount samples and never drops: a slow
// handler stalls the source.
func (s *Session) StartStreaming(handler acquisition.FrameHandler, bufferCount int) error {
	if handler == nil {
		return fmt.Errorf("gstsrc: frame handler is required")
	}
	if bufferCount <= 0 {
		return fmt.Errorf("gstsrc: invalid buffer count %d", bufferCount)
	}
	if !s.streaming.CompareAndSwap(false, true) {
		return acquisition.ErrAlreadyStreaming
	}
	defer s.streaming.Store(false)

	s.mu.Lock()
	format, w, h := s.format, s.width, s.height
	s.mu.Unlock()
	if format == acquisition.FormatUnknown {
		return fmt.Errorf("gstsrc: no pixel format selected")
	}

	s.sink.SetProperty("max-buffers", uint(bufferCount))
	s.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink, handler, format, w, h)
		},
	})

	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstsrc: failed to start pipeline: %w", err)
	}
	defer func() {
		if err := s.pipeline.SetState(gst.StateNull); err != nil {
			slog.Warn("gstsrc: failed to stop pipeline", "error", err)
		}
	}()

	slog.Info("gstsrc: streaming",
		"source", s.cfg.Source,
		"format", format.String(),
		"size", fmt.Sprintf("%dx%d", w, h),
		"buffers", bufferCount,
	)

	err := s.monitorBus()
	slog.Info("gstsrc: streaming stopped", "source", s.cfg.Source, "frames", s.seq.Load())
	return err
}

// onNewSample runs on the GStreamer streaming thread, serially per session
func (s *Session) onNewSample(sink *app.Sink, handler acquisition.FrameHandler, format acquisition.PixelFormat, w, h int) gst.FlowReturn {
	if s.stopReq.Load() {
		return gst.FlowEOS
	}

	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstsrc: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstsrc: failed to get buffer from sample, skipping frame")
		runtime.SetFinalizer(sample, nil)
		sample.Unref()
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	frame := newFrame(s.seq.Add(1), mapInfo.Bytes(), format, w, h)
	frame.Handle = &mappedSample{sample: sample, buffer: buffer}

	return s.deliver(handler, frame)
}

// deliver hands frame to handler and reclaims the buffer if the handler
// kept it
func (s *Session) deliver(handler acquisition.FrameHandler, frame *acquisition.Frame) gst.FlowReturn {
	if err := handler(s, frame); err != nil {
		s.fail(err)
		return gst.FlowError
	}
	if !frame.Queued() {
		slog.Warn("gstsrc: handler kept a buffer, returning it", "seq", frame.Seq)
		if err := s.QueueFrame(frame); err != nil {
			s.fail(fmt.Errorf("%w: %w", acquisition.ErrBufferReturn, err))
			return gst.FlowError
		}
	}
	return gst.FlowOK
}

func newFrame(seq uint64, data []byte, format acquisition.PixelFormat, w, h int) *acquisition.Frame {
	expected := format.FrameSize(w, h)
	status := acquisition.StatusComplete
	switch {
	case len(data) == 0:
		status = acquisition.StatusInvalid
	case expected > 0 && len(data) < expected:
		status = acquisition.StatusIncomplete
	case expected > 0:
		data = data[:expected]
	}

	return &acquisition.Frame{
		Seq:       seq,
		TraceID:   uuid.New().String(),
		Timestamp: time.Now(),
		Status:    status,
		Image: acquisition.Image{
			Width:  w,
			Height: h,
			Format: format,
			Pix:    data,
		},
	}
}

func (s *Session) fail(err error) {
	s.fatalOnce.Do(func() {
		s.fatal = err
		close(s.fatalCh)
	})
}

// monitorBus polls the pipeline bus until stop, a handler failure or a
// pipeline error
func (s *Session) monitorBus() error {
	bus := s.pipeline.GetPipelineBus()

	for {
		select {
		case <-s.fatalCh:
			return s.fatal
		default:
		}
		if s.stopReq.Load() {
			return nil
		}

		msg := bus.TimedPop(busPoll)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("gstsrc: end of stream received", "source", s.cfg.Source)
			return nil

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)

			// a handler failure surfaces on the bus as a flow error
			select {
			case <-s.fatalCh:
				return s.fatal
			default:
			}

			slog.Error("gstsrc: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"source", s.cfg.Source,
				"frames_processed", s.seq.Load(),
			)
			return fmt.Errorf("gstsrc: pipeline error [%s]: %s", category.String(), gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() == s.pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				slog.Debug("gstsrc: pipeline state changed", "from", old, "to", new)
			}
		}
	}
}

// StopStreaming requests the stream to end. Idempotent.
func (s *Session) StopStreaming() error {
	if s.stopReq.CompareAndSwap(false, true) {
		slog.Debug("gstsrc: stop requested", "source", s.cfg.Source)
	}
	return nil
}

// sampleReleaser gives a delivered frame's memory back to the pipeline
type sampleReleaser interface {
	release()
}

// mappedSample is a pulled sample whose buffer is mapped for reading
type mappedSample struct {
	sample *gst.Sample
	buffer *gst.Buffer
}

// release unmaps the buffer and drops both references (the one GetBuffer
// took and the sample's) now rather than in GC finalizers, so the source
// pool gets the buffer back at once.
func (m *mappedSample) release() {
	m.buffer.Unmap()
	runtime.SetFinalizer(m.buffer, nil)
	m.buffer.Unref()
	runtime.SetFinalizer(m.sample, nil)
	m.sample.Unref()
}

// QueueFrame releases the frame's sample back to the source buffer pool
func (s *Session) QueueFrame(frame *acquisition.Frame) error {
	r, ok := frame.Handle.(sampleReleaser)
	if !ok {
		return fmt.Errorf("gstsrc: frame seq=%d has no sample buffer", frame.Seq)
	}
	if err := frame.MarkQueued(); err != nil {
		return err
	}
	r.release()
	return nil
}

// Close stops streaming and tears the pipeline down
func (s *Session) Close() error {
	_ = s.StopStreaming()
	if s.pipeline == nil {
		return nil
	}
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstsrc: failed to set pipeline to NULL: %w", err)
	}
	return nil
}
