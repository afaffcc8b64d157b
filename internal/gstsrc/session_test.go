package gstsrc

import (
	"errors"
	"testing"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/norbertmarko/sn-perception/acquisition"
)

// countingSample records how often its memory was handed back
type countingSample struct {
	released int
}

func (c *countingSample) release() { c.released++ }

func testFrame(seq uint64, r sampleReleaser) *acquisition.Frame {
	f := newFrame(seq, make([]byte, 64*48), acquisition.Mono8, 64, 48)
	f.Handle = r
	return f
}

func TestQueueFrame_ReleasesSampleOnce(t *testing.T) {
	s := &Session{}
	held := &countingSample{}
	frame := testFrame(1, held)

	if err := s.QueueFrame(frame); err != nil {
		t.Fatalf("QueueFrame() error = %v", err)
	}
	if err := s.QueueFrame(frame); !errors.Is(err, acquisition.ErrFrameAlreadyQueued) {
		t.Fatalf("second QueueFrame() error = %v, want ErrFrameAlreadyQueued", err)
	}
	if held.released != 1 {
		t.Errorf("sample released %d times, want 1", held.released)
	}
}

func TestQueueFrame_NoSample(t *testing.T) {
	s := &Session{}
	frame := newFrame(3, make([]byte, 8), acquisition.Mono8, 4, 2)

	if err := s.QueueFrame(frame); err == nil {
		t.Fatal("QueueFrame() without a sample should fail")
	}
	if frame.Queued() {
		t.Error("frame without a sample must not be marked queued")
	}
}

func TestDeliver_ReturnsEveryBuffer(t *testing.T) {
	tests := []struct {
		name    string
		handler acquisition.FrameHandler
		want    gst.FlowReturn
	}{
		{
			name: "handler queues",
			handler: func(cam acquisition.Camera, f *acquisition.Frame) error {
				return cam.QueueFrame(f)
			},
			want: gst.FlowOK,
		},
		{
			name: "handler keeps buffer",
			handler: func(acquisition.Camera, *acquisition.Frame) error {
				return nil
			},
			want: gst.FlowOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{fatalCh: make(chan struct{})}
			held := &countingSample{}

			if got := s.deliver(tt.handler, testFrame(1, held)); got != tt.want {
				t.Errorf("deliver() = %v, want %v", got, tt.want)
			}
			if held.released != 1 {
				t.Errorf("sample released %d times, want 1", held.released)
			}
		})
	}
}

func TestDeliver_HandlerErrorIsFatal(t *testing.T) {
	s := &Session{fatalCh: make(chan struct{})}
	boom := errors.New("boom")

	got := s.deliver(func(cam acquisition.Camera, f *acquisition.Frame) error {
		_ = cam.QueueFrame(f)
		return boom
	}, testFrame(1, &countingSample{}))

	if got != gst.FlowError {
		t.Errorf("deliver() = %v, want FlowError", got)
	}
	select {
	case <-s.fatalCh:
	default:
		t.Fatal("handler error should close the fatal channel")
	}
	if !errors.Is(s.fatal, boom) {
		t.Errorf("fatal = %v, want %v", s.fatal, boom)
	}
}
