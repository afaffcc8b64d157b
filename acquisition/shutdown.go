package acquisition

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ShutdownSignal is a set-once flag shared between the acquisition thread and
// the control goroutine.
//
// Set is idempotent and safe from any goroutine, including the driver
// callback. Once set it never resets. The zero value is not usable; call
// NewShutdownSignal.
type ShutdownSignal struct {
	once   sync.Once
	done   chan struct{}
	set    atomic.Bool
	reason atomic.Value // string
}

// NewShutdownSignal creates an unset signal
func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{done: make(chan struct{})}
}

// Set raises the signal. The first caller's reason is kept; later calls are no-ops.
func (s *ShutdownSignal) Set(reason string) {
	s.once.Do(func() {
		s.reason.Store(reason)
		s.set.Store(true)
		close(s.done)
		slog.Info("acquisition: shutdown requested", "reason", reason)
	})
}

// IsSet reports whether the signal has been raised. Non-blocking.
func (s *ShutdownSignal) IsSet() bool {
	return s.set.Load()
}

// Done returns a channel that is closed once the signal is set
func (s *ShutdownSignal) Done() <-chan struct{} {
	return s.done
}

// Reason returns the reason passed to the first Set, or "" while unset
func (s *ShutdownSignal) Reason() string {
	if r, ok := s.reason.Load().(string); ok {
		return r
	}
	return ""
}

// Wait blocks until the signal is set or ctx is done.
// Returns ctx.Err() in the latter case.
func (s *ShutdownSignal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
