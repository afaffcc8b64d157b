package acquisition

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a Runner
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateStopped
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStreaming:
		return "STREAMING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// stopWarnAfter is how long Run waits for StartStreaming to return before
// logging that the driver is slow to drain
const stopWarnAfter = 3 * time.Second

// Runner is the control side of an acquisition session
type Runner struct {
	session     Session
	handler     *Handler
	bufferCount int
	state       atomic.Int32
}

// NewRunner binds a session to a handler
func NewRunner(session Session, handler *Handler, bufferCount int) *Runner {
	return &Runner{
		session:     session,
		handler:     handler,
		bufferCount: bufferCount,
	}
}

// State returns the current lifecycle state
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Run streams until shutdown and returns once all buffers are back.
//
// This method:
//  1. Launches StartStreaming on its own goroutine (state STREAMING)
//  2. Waits for the shutdown signal, ctx cancellation or a session error
//  3. Raises the signal so the handler skips remaining frames
//  4. Issues StopStreaming and waits for StartStreaming to return (state STOPPED)
//
// Returns the fatal session error, if any. A Runner runs once.
func (r *Runner) Run(ctx context.Context) error {
	if r.session == nil || r.handler == nil {
		return fmt.Errorf("acquisition: runner needs a session and a handler")
	}
	if r.bufferCount <= 0 {
		return fmt.Errorf("acquisition: invalid buffer count %d", r.bufferCount)
	}
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateStreaming)) {
		return fmt.Errorf("acquisition: runner already %s", r.State())
	}

	signal := r.handler.Signal()
	started := time.Now()

	slog.Info("acquisition: streaming started",
		"camera", r.session.Name(),
		"id", r.session.ID(),
		"buffer_count", r.bufferCount,
	)

	streamDone := make(chan error, 1)
	go func() {
		streamDone <- r.session.StartStreaming(r.handler.Handle, r.bufferCount)
	}()

	var (
		streamErr error
		returned  bool
	)

	select {
	case <-signal.Done():
	case <-ctx.Done():
		signal.Set("context cancelled")
	case streamErr = <-streamDone:
		returned = true
		signal.Set("stream ended")
	}

	stopErr := r.session.StopStreaming()
	if stopErr != nil {
		slog.Warn("acquisition: stop streaming failed",
			"camera", r.session.Name(),
			"error", stopErr,
		)
	}

	if !returned {
		streamErr = r.awaitStream(streamDone)
	}

	r.state.Store(int32(StateStopped))

	stats := r.handler.Stats()
	slog.Info("acquisition: streaming stopped",
		"camera", r.session.Name(),
		"reason", signal.Reason(),
		"uptime", time.Since(started),
		"frames_received", stats.FramesReceived,
		"frames_displayed", stats.FramesDisplayed,
		"frames_incomplete", stats.FramesIncomplete,
		"fps_mean", stats.FPS.FPSMean,
	)

	if streamErr != nil {
		slog.Error("acquisition: session failed",
			"camera", r.session.Name(),
			"error", streamErr,
		)
		return streamErr
	}
	if stopErr != nil {
		return fmt.Errorf("acquisition: stop streaming: %w", stopErr)
	}
	return nil
}

func (r *Runner) awaitStream(done <-chan error) error {
	timer := time.NewTimer(stopWarnAfter)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		slog.Warn("acquisition: waiting for driver to return buffers",
			"camera", r.session.Name(),
			"waited", stopWarnAfter,
		)
	}
	return <-done
}

// Run streams session through handler until shutdown. See Runner.Run.
func Run(ctx context.Context, session Session, handler *Handler, bufferCount int) error {
	return NewRunner(session, handler, bufferCount).Run(ctx)
}
