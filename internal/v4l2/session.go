// Package v4l2 implements acquisition.Session on Linux V4L2 devices using an
// mmap buffer pool.
package v4l2

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackjack/webcam"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/norbertmarko/sn-perception/acquisition"
)

// V4L2 control IDs (linux/v4l2-controls.h)
const (
	cidAutoWhiteBalance webcam.ControlID = 0x0098090c
	cidDoWhiteBalance   webcam.ControlID = 0x0098090d
	cidExposureAuto     webcam.ControlID = 0x009a0901
)

// V4L2_CID_EXPOSURE_AUTO menu values
const (
	exposureAuto             = 0
	exposureManual           = 1
	exposureAperturePriority = 3
)

// waitTimeout is how long one WaitForFrame blocks, in seconds. It bounds
// the latency of StopStreaming.
const waitTimeout = 1

// device is the subset of *webcam.Webcam the session drives
type device interface {
	GetName() (string, error)
	GetBusInfo() (string, error)
	GetSupportedFormats() map[webcam.PixelFormat]string
	GetSupportedFrameSizes(f webcam.PixelFormat) []webcam.FrameSize
	SetImageFormat(f webcam.PixelFormat, width, height uint32) (webcam.PixelFormat, uint32, uint32, error)
	SetBufferCount(count uint32) error
	GetControls() map[webcam.ControlID]webcam.Control
	SetControl(id webcam.ControlID, value int32) error
	StartStreaming() error
	WaitForFrame(timeout uint32) error
	GetFrame() ([]byte, uint32, error)
	ReleaseFrame(index uint32) error
	StopStreaming() error
	Close() error
}

var _ device = (*webcam.Webcam)(nil)

// Session is an opened V4L2 capture device
type Session struct {
	dev  device
	path string
	name string
	id   string

	mu      sync.Mutex
	formats []acquisition.PixelFormat
	format  acquisition.PixelFormat
	code    webcam.PixelFormat
	width   int
	height  int

	streaming atomic.Bool
	stopReq   atomic.Bool
	seq       atomic.Uint64
	now       func() time.Time
}

var _ acquisition.Session = (*Session)(nil)

// Open opens a V4L2 device such as /dev/video0
func Open(path string) (*Session, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, fmt.Errorf("v4l2: open %s: %w", path, err)
	}
	return newSession(cam, path), nil
}

func newSession(dev device, path string) *Session {
	name, err := dev.GetName()
	if err != nil || name == "" {
		name = path
	}
	id := path
	if bus, err := dev.GetBusInfo(); err == nil && bus != "" {
		id = path + "@" + bus
	}

	s := &Session{
		dev:     dev,
		path:    path,
		name:    name,
		id:      id,
		formats: orderedFormats(dev.GetSupportedFormats()),
		now:     time.Now,
	}

	slog.Info("v4l2: device opened",
		"path", path,
		"name", name,
		"formats", fmt.Sprint(s.formats),
	)
	return s
}

// Name returns the driver card name
func (s *Session) Name() string { return s.name }

// ID returns the device path and bus location
func (s *Session) ID() string { return s.id }

// PixelFormats returns the mapped formats the device enumerates
func (s *Session) PixelFormats() []acquisition.PixelFormat {
	return append([]acquisition.PixelFormat(nil), s.formats...)
}

// Size returns the negotiated frame size
func (s *Session) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// SetPixelFormat selects f at the current size, or the largest size the
// device offers when none was chosen yet
func (s *Session) SetPixelFormat(f acquisition.PixelFormat) error {
	if s.streaming.Load() {
		return fmt.Errorf("v4l2: %w: cannot change pixel format", acquisition.ErrAlreadyStreaming)
	}
	code, ok := ToV4L2(f)
	if !ok {
		return fmt.Errorf("v4l2: no V4L2 code for %s", f)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, h := s.width, s.height
	if w == 0 || h == 0 {
		var found bool
		if w, h, found = closestSize(s.dev.GetSupportedFrameSizes(code), 1<<16, 1<<16); !found {
			return fmt.Errorf("v4l2: %s reports no frame sizes for %s", s.path, f)
		}
	}
	return s.applyFormat(f, code, w, h)
}

// applyFormat requires s.mu
func (s *Session) applyFormat(f acquisition.PixelFormat, code webcam.PixelFormat, w, h int) error {
	got, gw, gh, err := s.dev.SetImageFormat(code, uint32(w), uint32(h))
	if err != nil {
		return fmt.Errorf("v4l2: set format %s %dx%d: %w", f, w, h, err)
	}
	if got != code {
		return fmt.Errorf("v4l2: driver substituted %s for %s", ToFourCC(got), ToFourCC(code))
	}

	s.format, s.code = f, code
	s.width, s.height = int(gw), int(gh)

	slog.Debug("v4l2: image format set",
		"path", s.path,
		"format", f.String(),
		"size", fmt.Sprintf("%dx%d", s.width, s.height),
	)
	return nil
}

// Configure applies the features the device exposes.
// Unsupported features are skipped with a debug log.
func (s *Session) Configure(features acquisition.Features) error {
	if s.streaming.Load() {
		return fmt.Errorf("v4l2: %w: cannot configure", acquisition.ErrAlreadyStreaming)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if features.Width > 0 && features.Height > 0 {
		if s.format == acquisition.FormatUnknown {
			return fmt.Errorf("v4l2: set a pixel format before the resolution")
		}
		w, h, ok := closestSize(s.dev.GetSupportedFrameSizes(s.code), features.Width, features.Height)
		if !ok {
			slog.Debug("v4l2: resolution not supported, skipping",
				"requested", fmt.Sprintf("%dx%d", features.Width, features.Height))
		} else if err := s.applyFormat(s.format, s.code, w, h); err != nil {
			return err
		}
	}

	controls := s.dev.GetControls()
	s.applyWhiteBalance(controls, features.WhiteBalance)
	s.applyExposure(controls, features.Exposure)
	return nil
}

func (s *Session) applyWhiteBalance(controls map[webcam.ControlID]webcam.Control, mode acquisition.AutoMode) {
	if mode == "" {
		return
	}
	if _, ok := controls[cidAutoWhiteBalance]; !ok {
		slog.Debug("v4l2: white balance auto not supported, skipping", "path", s.path)
		return
	}

	switch mode {
	case acquisition.AutoContinuous:
		s.setControl("white_balance_auto", cidAutoWhiteBalance, 1)
	case acquisition.AutoOff:
		s.setControl("white_balance_auto", cidAutoWhiteBalance, 0)
	case acquisition.AutoOnce:
		s.setControl("white_balance_auto", cidAutoWhiteBalance, 0)
		if _, ok := controls[cidDoWhiteBalance]; ok {
			s.setControl("do_white_balance", cidDoWhiteBalance, 1)
		} else {
			slog.Debug("v4l2: one-shot white balance not supported, skipping", "path", s.path)
		}
	}
}

func (s *Session) applyExposure(controls map[webcam.ControlID]webcam.Control, mode acquisition.AutoMode) {
	if mode == "" {
		return
	}
	ctl, ok := controls[cidExposureAuto]
	if !ok {
		slog.Debug("v4l2: exposure auto not supported, skipping", "path", s.path)
		return
	}

	switch mode {
	case acquisition.AutoContinuous:
		v := int32(exposureAperturePriority)
		if v < ctl.Min || v > ctl.Max {
			v = exposureAuto
		}
		s.setControl("exposure_auto", cidExposureAuto, v)
	case acquisition.AutoOff:
		s.setControl("exposure_auto", cidExposureAuto, exposureManual)
	default:
		slog.Debug("v4l2: exposure mode not supported, skipping", "path", s.path, "mode", string(mode))
	}
}

// setControl is best effort: drivers advertise controls they then refuse
func (s *Session) setControl(name string, id webcam.ControlID, v int32) {
	if err := s.dev.SetControl(id, v); err != nil {
		slog.Debug("v4l2: control rejected, skipping", "control", name, "value", v, "error", err)
		return
	}
	slog.Debug("v4l2: control set", "control", name, "value", v)
}

// StartStreaming maps bufferCount buffers and delivers frames to handler on
// a locked OS thread until StopStreaming or a fatal error.
func (s *Session) StartStreaming(handler acquisition.FrameHandler, bufferCount int) error {
	if handler == nil {
		return fmt.Errorf("v4l2: frame handler is required")
	}
	if bufferCount <= 0 {
		return fmt.Errorf("v4l2: invalid buffer count %d", bufferCount)
	}
	if !s.streaming.CompareAndSwap(false, true) {
		return acquisition.ErrAlreadyStreaming
	}
	defer s.streaming.Store(false)

	s.mu.Lock()
	format, w, h := s.format, s.width, s.height
	s.mu.Unlock()
	if format == acquisition.FormatUnknown {
		return fmt.Errorf("v4l2: no pixel format selected")
	}

	// HighGUI calls made from the handler must stay on one thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := s.dev.SetBufferCount(uint32(bufferCount)); err != nil {
		return fmt.Errorf("v4l2: set buffer count: %w", err)
	}
	if err := s.dev.StartStreaming(); err != nil {
		return fmt.Errorf("v4l2: start streaming: %w", err)
	}
	defer func() {
		if err := s.dev.StopStreaming(); err != nil {
			slog.Warn("v4l2: device stop failed", "path", s.path, "error", err)
		}
	}()

	slog.Info("v4l2: streaming",
		"path", s.path,
		"format", format.String(),
		"size", fmt.Sprintf("%dx%d", w, h),
		"buffers", bufferCount,
	)

	expected := format.FrameSize(w, h)
	for !s.stopReq.Load() {
		err := s.dev.WaitForFrame(waitTimeout)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("v4l2: wait for frame: %w", err)
		}

		data, index, err := s.dev.GetFrame()
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				continue
			}
			return fmt.Errorf("v4l2: dequeue buffer: %w", err)
		}

		frame := s.newFrame(data, index, format, w, h, expected)
		if err := handler(s, frame); err != nil {
			return err
		}
		if !frame.Queued() {
			slog.Warn("v4l2: handler kept a buffer, returning it", "seq", frame.Seq)
			if err := s.QueueFrame(frame); err != nil {
				return fmt.Errorf("%w: %w", acquisition.ErrBufferReturn, err)
			}
		}
	}

	slog.Info("v4l2: streaming stopped", "path", s.path, "frames", s.seq.Load())
	return nil
}

func (s *Session) newFrame(data []byte, index uint32, format acquisition.PixelFormat, w, h, expected int) *acquisition.Frame {
	status := acquisition.StatusComplete
	pix := data
	switch {
	case len(data) < expected:
		status = acquisition.StatusIncomplete
	case len(data) > expected:
		pix = tightRows(data, format, w, h, expected)
	}

	return &acquisition.Frame{
		Seq:       s.seq.Add(1),
		TraceID:   uuid.New().String(),
		Timestamp: s.now(),
		Status:    status,
		Image: acquisition.Image{
			Width:  w,
			Height: h,
			Format: format,
			Pix:    pix,
		},
		Handle: index,
	}
}

// tightRows drops the surplus of a buffer larger than the image. A buffer
// that splits into h equal strides wider than a row has padded rows and is
// repacked into a new slice; any other surplus is trailing and cut off.
func tightRows(data []byte, format acquisition.PixelFormat, w, h, expected int) []byte {
	rowBytes := w * format.BytesPerPixel()
	if h > 0 && len(data)%h == 0 {
		stride := len(data) / h
		slog.Debug("v4l2: repacking padded rows", "stride", stride, "row_bytes", rowBytes)
		pix := make([]byte, expected)
		for y := 0; y < h; y++ {
			copy(pix[y*rowBytes:(y+1)*rowBytes], data[y*stride:y*stride+rowBytes])
		}
		return pix
	}
	slog.Debug("v4l2: buffer larger than frame, ignoring trailing bytes",
		"len", len(data),
		"expected", expected,
	)
	return data[:expected]
}

// StopStreaming requests the acquisition loop to end. Idempotent.
func (s *Session) StopStreaming() error {
	if s.stopReq.CompareAndSwap(false, true) {
		slog.Debug("v4l2: stop requested", "path", s.path)
	}
	return nil
}

// QueueFrame re-enqueues the frame's mmap buffer
func (s *Session) QueueFrame(frame *acquisition.Frame) error {
	index, ok := frame.Handle.(uint32)
	if !ok {
		return fmt.Errorf("v4l2: frame seq=%d has no buffer index", frame.Seq)
	}
	if err := frame.MarkQueued(); err != nil {
		return err
	}
	if err := s.dev.ReleaseFrame(index); err != nil {
		return fmt.Errorf("v4l2: release buffer %d: %w", index, err)
	}
	return nil
}

// Close stops streaming and releases the device
func (s *Session) Close() error {
	_ = s.StopStreaming()
	if err := s.dev.Close(); err != nil {
		return fmt.Errorf("v4l2: close %s: %w", s.path, err)
	}
	return nil
}
