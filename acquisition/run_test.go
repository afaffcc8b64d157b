package acquisition_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/norbertmarko/sn-perception/acquisition"
)

// TestRun_StopKeyEndToEnd streams five complete frames, then the operator
// presses Enter: exactly five frames are displayed, the session stops after
// the sixth callback, every delivered buffer is returned and the runner
// ends STOPPED.
func TestRun_StopKeyEndToEnd(t *testing.T) {
	session := newFakeSession(50, acquisition.StatusComplete)
	session.interval = 50 * time.Millisecond
	fx, err := newFixture(true, keyAfter(5, acquisition.KeyEnter))
	if err != nil {
		t.Fatal(err)
	}

	runner := acquisition.NewRunner(session, fx.handler, 24)
	if runner.State() != acquisition.StateIdle {
		t.Fatalf("initial state = %s, want IDLE", runner.State())
	}

	done := make(chan error, 1)
	go func() { done <- runner.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after stop key")
	}

	if runner.State() != acquisition.StateStopped {
		t.Errorf("state = %s, want STOPPED", runner.State())
	}
	if fx.display.count() != 5 {
		t.Errorf("displayed %d frames, want 5", fx.display.count())
	}
	if fx.writer.writes != 5 {
		t.Errorf("persisted %d frames, want 5", fx.writer.writes)
	}

	delivered, queued, maxOut, stops := session.counts()
	if delivered != 6 {
		t.Errorf("session delivered %d frames, want 6 (stopped after the stop key)", delivered)
	}
	if delivered != queued {
		t.Errorf("delivered %d frames but returned %d", delivered, queued)
	}
	if got := fx.handler.Stats().FramesSkipped; got != 0 {
		t.Errorf("FramesSkipped = %d, want 0", got)
	}
	if maxOut > 24 {
		t.Errorf("outstanding buffers peaked at %d, pool is 24", maxOut)
	}
	if stops == 0 {
		t.Error("StopStreaming was not called")
	}
	if !strings.Contains(fx.signal.Reason(), "stop key") {
		t.Errorf("reason = %q, want stop key", fx.signal.Reason())
	}
}

// Incomplete frames never reach the display but are all returned.
func TestRun_IncompleteFramesReturned(t *testing.T) {
	session := newFakeSession(30, acquisition.StatusIncomplete)
	fx, err := newFixture(false, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- acquisition.Run(ctx, session, fx.handler, 4) }()

	deadline := time.Now().Add(5 * time.Second)
	for fx.handler.Stats().FramesIncomplete < 30 {
		if time.Now().After(deadline) {
			t.Fatal("frames not delivered")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	delivered, queued, maxOut, _ := session.counts()
	if delivered != 30 || queued != 30 {
		t.Errorf("delivered=%d queued=%d, want 30/30", delivered, queued)
	}
	if maxOut > 4 {
		t.Errorf("outstanding buffers peaked at %d, pool is 4", maxOut)
	}
	if fx.display.count() != 0 {
		t.Errorf("displayed %d incomplete frames", fx.display.count())
	}
	if fx.signal.Reason() != "context cancelled" {
		t.Errorf("reason = %q, want context cancelled", fx.signal.Reason())
	}
}

// An external caller setting the signal stops the stream like the stop key.
func TestRun_ExternalSignal(t *testing.T) {
	session := newFakeSession(3, acquisition.StatusComplete)
	fx, err := newFixture(false, nil)
	if err != nil {
		t.Fatal(err)
	}

	runner := acquisition.NewRunner(session, fx.handler, 2)
	done := make(chan error, 1)
	go func() { done <- runner.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for fx.display.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("frames not displayed")
		}
		time.Sleep(time.Millisecond)
	}
	if runner.State() != acquisition.StateStreaming {
		t.Errorf("state while streaming = %s, want STREAMING", runner.State())
	}

	fx.signal.Set("remote stop")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after signal")
	}
	if runner.State() != acquisition.StateStopped {
		t.Errorf("state = %s, want STOPPED", runner.State())
	}
}

func TestRun_SessionErrorPropagates(t *testing.T) {
	session := newFakeSession(10, acquisition.StatusComplete)
	session.failAt = 4
	fx, err := newFixture(false, nil)
	if err != nil {
		t.Fatal(err)
	}

	err = acquisition.Run(context.Background(), session, fx.handler, 8)
	if err == nil || !strings.Contains(err.Error(), "device unplugged") {
		t.Fatalf("Run() error = %v, want device unplugged", err)
	}
	if !fx.signal.IsSet() {
		t.Error("signal not raised after session failure")
	}

	delivered, queued, _, _ := session.counts()
	if delivered != 4 || queued != 4 {
		t.Errorf("delivered=%d queued=%d, want 4/4", delivered, queued)
	}
}

func TestRun_BufferReturnFailureStopsSession(t *testing.T) {
	session := newFakeSession(10, acquisition.StatusComplete)
	session.queueErr = errors.New("VIDIOC_QBUF failed")
	fx, err := newFixture(false, nil)
	if err != nil {
		t.Fatal(err)
	}

	err = acquisition.Run(context.Background(), session, fx.handler, 8)
	if !errors.Is(err, acquisition.ErrBufferReturn) {
		t.Fatalf("Run() error = %v, want ErrBufferReturn", err)
	}
	if delivered, _, _, _ := session.counts(); delivered != 1 {
		t.Errorf("delivered %d frames after fatal error, want 1", delivered)
	}
}

func TestRun_InvalidArguments(t *testing.T) {
	fx, err := newFixture(false, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := acquisition.Run(context.Background(), newFakeSession(1, acquisition.StatusComplete), fx.handler, 0); err == nil {
		t.Error("Run() with zero buffers should fail")
	}
	if err := acquisition.Run(context.Background(), nil, fx.handler, 4); err == nil {
		t.Error("Run() without session should fail")
	}
}

func TestRunner_RunsOnce(t *testing.T) {
	session := newFakeSession(0, acquisition.StatusComplete)
	fx, err := newFixture(false, nil)
	if err != nil {
		t.Fatal(err)
	}
	fx.signal.Set("pre-set")

	runner := acquisition.NewRunner(session, fx.handler, 1)
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if err := runner.Run(context.Background()); err == nil {
		t.Error("second Run() should fail")
	}
}

func TestFakeSession_RejectsSecondStart(t *testing.T) {
	session := newFakeSession(0, acquisition.StatusComplete)
	noop := func(acquisition.Camera, *acquisition.Frame) error { return nil }

	go func() { _ = session.StartStreaming(noop, 1) }()
	deadline := time.Now().Add(time.Second)
	for !session.streaming.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := session.StartStreaming(noop, 1); !errors.Is(err, acquisition.ErrAlreadyStreaming) {
		t.Errorf("second StartStreaming error = %v, want ErrAlreadyStreaming", err)
	}
	_ = session.StopStreaming()
	_ = session.StopStreaming()
}
