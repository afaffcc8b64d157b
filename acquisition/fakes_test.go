package acquisition_test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/norbertmarko/sn-perception/acquisition"
)

// scriptedFrame describes one frame a fakeSession delivers
type scriptedFrame struct {
	status acquisition.FrameStatus
}

// fakeSession is an in-memory Session backed by a pool of numbered buffers.
// It delivers its script, then idles until StopStreaming.
type fakeSession struct {
	name    string
	formats []acquisition.PixelFormat
	script  []scriptedFrame
	width   int
	height  int

	// queueErr makes QueueFrame fail after marking the frame
	queueErr error
	// failAt makes StartStreaming return an error after this many frames (0 = never)
	failAt int
	// interval paces delivery like a camera frame period (0 = back to back).
	// A stop issued during the period ends the stream before the next frame.
	interval time.Duration

	free      chan int
	stop      chan struct{}
	stopOnce  sync.Once
	streaming atomic.Bool

	mu             sync.Mutex
	delivered      int
	queued         int
	outstanding    int
	maxOutstanding int
	stopCalls      int
	selected       acquisition.PixelFormat
	features       acquisition.Features
}

func newFakeSession(n int, status acquisition.FrameStatus) *fakeSession {
	script := make([]scriptedFrame, n)
	for i := range script {
		script[i] = scriptedFrame{status: status}
	}
	return &fakeSession{
		name:    "fake-cam",
		formats: []acquisition.PixelFormat{acquisition.Mono8, acquisition.RGB8},
		script:  script,
		width:   64,
		height:  36,
		stop:    make(chan struct{}),
	}
}

func (s *fakeSession) Name() string                            { return s.name }
func (s *fakeSession) ID() string                              { return "fake:0" }
func (s *fakeSession) PixelFormats() []acquisition.PixelFormat { return s.formats }

func (s *fakeSession) SetPixelFormat(f acquisition.PixelFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = f
	return nil
}

func (s *fakeSession) Configure(features acquisition.Features) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features = features
	return nil
}

func (s *fakeSession) StartStreaming(handler acquisition.FrameHandler, bufferCount int) error {
	if !s.streaming.CompareAndSwap(false, true) {
		return acquisition.ErrAlreadyStreaming
	}

	s.free = make(chan int, bufferCount)
	for i := 0; i < bufferCount; i++ {
		s.free <- i
	}

	for i, sf := range s.script {
		if s.failAt > 0 && i == s.failAt {
			return errors.New("fake: device unplugged")
		}

		var idx int
		select {
		case <-s.stop:
			return nil
		case idx = <-s.free:
		}

		frame := &acquisition.Frame{
			Seq:       uint64(i + 1),
			TraceID:   fmt.Sprintf("trace-%d", i+1),
			Timestamp: time.Unix(0, int64(i)*int64(time.Second/30)),
			Status:    sf.status,
			Image: acquisition.Image{
				Width:  s.width,
				Height: s.height,
				Format: acquisition.Mono8,
				Pix:    make([]byte, s.width*s.height),
			},
			Handle: idx,
		}

		s.mu.Lock()
		s.delivered++
		s.outstanding++
		if s.outstanding > s.maxOutstanding {
			s.maxOutstanding = s.outstanding
		}
		s.mu.Unlock()

		if err := handler(s, frame); err != nil {
			return err
		}

		if s.interval > 0 {
			select {
			case <-s.stop:
				return nil
			case <-time.After(s.interval):
			}
		}
	}

	<-s.stop
	return nil
}

func (s *fakeSession) StopStreaming() error {
	s.mu.Lock()
	s.stopCalls++
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *fakeSession) QueueFrame(frame *acquisition.Frame) error {
	if err := frame.MarkQueued(); err != nil {
		return err
	}
	if s.queueErr != nil {
		return s.queueErr
	}

	s.mu.Lock()
	s.queued++
	s.outstanding--
	s.mu.Unlock()

	s.free <- frame.Handle.(int)
	return nil
}

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) counts() (delivered, queued, maxOutstanding, stopCalls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered, s.queued, s.maxOutstanding, s.stopCalls
}

// fakeTransformer returns a zeroed image of the requested size
type fakeTransformer struct {
	err   error
	panic bool
	calls atomic.Int32
}

func (t *fakeTransformer) Resize(src acquisition.Image, w, h int) (acquisition.Image, error) {
	t.calls.Add(1)
	if t.panic {
		panic("fake: transform exploded")
	}
	if t.err != nil {
		return acquisition.Image{}, t.err
	}
	if err := src.Validate(); err != nil {
		return acquisition.Image{}, err
	}
	return acquisition.Image{
		Width:  w,
		Height: h,
		Format: src.Format,
		Pix:    make([]byte, w*h*src.Format.BytesPerPixel()),
	}, nil
}

// fakeDisplay records shown images
type fakeDisplay struct {
	mu     sync.Mutex
	err    error
	shown  int
	titles []string
	last   acquisition.Image
	closed int
}

func (d *fakeDisplay) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

func (d *fakeDisplay) closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDisplay) Show(title string, img acquisition.Image) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.shown++
	d.titles = append(d.titles, title)
	d.last = img
	return nil
}

func (d *fakeDisplay) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shown
}

// scriptedKeys returns keys[i] on the i-th poll and -1 afterwards
type scriptedKeys struct {
	mu    sync.Mutex
	keys  []int
	polls int
}

func (k *scriptedKeys) PollKey() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	i := k.polls
	k.polls++
	if i < len(k.keys) {
		return k.keys[i]
	}
	return -1
}

// keyAfter returns a key source that reports key on poll n+1
func keyAfter(n, key int) *scriptedKeys {
	keys := make([]int, n+1)
	for i := range keys {
		keys[i] = -1
	}
	keys[n] = key
	return &scriptedKeys{keys: keys}
}

// fakePersister records writes
type fakePersister struct {
	mu     sync.Mutex
	err    error
	writes int
}

func (p *fakePersister) Write(img acquisition.Image) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.writes++
	return nil
}

// fixture bundles a handler with its fakes
type fixture struct {
	tf      *fakeTransformer
	display *fakeDisplay
	keys    *scriptedKeys
	writer  *fakePersister
	signal  *acquisition.ShutdownSignal
	handler *acquisition.Handler
}

func newFixture(persist bool, keys *scriptedKeys) (*fixture, error) {
	if keys == nil {
		keys = &scriptedKeys{}
	}
	fx := &fixture{
		tf:      &fakeTransformer{},
		display: &fakeDisplay{},
		keys:    keys,
		writer:  &fakePersister{},
		signal:  acquisition.NewShutdownSignal(),
	}

	h, err := acquisition.NewHandler(
		acquisition.HandlerConfig{TargetWidth: 32, TargetHeight: 18, Persist: persist},
		acquisition.HandlerDeps{
			Transformer: fx.tf,
			Display:     fx.display,
			Keys:        fx.keys,
			Persister:   fx.writer,
			Signal:      fx.signal,
		},
	)
	if err != nil {
		return nil, err
	}
	fx.handler = h
	return fx, nil
}
