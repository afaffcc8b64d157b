// Package display shows display images in a HighGUI window and persists the
// latest one to disk.
package display

import (
	"fmt"
	"log/slog"
	"sync"

	"gocv.io/x/gocv"

	"github.com/norbertmarko/sn-perception/acquisition"
	"github.com/norbertmarko/sn-perception/internal/transform"
)

// Window is a HighGUI window that implements acquisition.Display and
// acquisition.KeySource.
//
// HighGUI is not thread-safe: Show and PollKey must be called from the
// session's acquisition thread. The window is created on the first Show and
// named after its title.
type Window struct {
	mu     sync.Mutex
	win    *gocv.Window
	title  string
	shown  uint64
	closed bool
}

var (
	_ acquisition.Display   = (*Window)(nil)
	_ acquisition.KeySource = (*Window)(nil)
)

// NewWindow creates a display that opens its window lazily
func NewWindow() *Window {
	return &Window{}
}

// Show renders img in the window titled title
func (w *Window) Show(title string, img acquisition.Image) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("display: window closed")
	}

	mat, err := transform.ToBGRMat(img)
	if err != nil {
		return fmt.Errorf("display: %w", err)
	}
	defer mat.Close()

	if w.win == nil || w.title != title {
		if w.win != nil {
			_ = w.win.Close()
		}
		w.win = gocv.NewWindow(title)
		w.title = title
		slog.Info("display: window opened", "title", title)
	}

	w.win.IMShow(mat)
	w.shown++
	return nil
}

// PollKey pumps the HighGUI event loop for 1ms and returns the key pressed,
// or -1 when none. Before the first Show it returns -1 without blocking.
func (w *Window) PollKey() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.win == nil || w.closed {
		return -1
	}
	return w.win.WaitKey(1)
}

// Close destroys the window. Call it from the thread that called Show (the
// acquisition Handler does at shutdown). Safe to call more than once.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.win == nil {
		return nil
	}

	slog.Debug("display: window closed", "title", w.title, "frames_shown", w.shown)
	err := w.win.Close()
	w.win = nil
	return err
}
