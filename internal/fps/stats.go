// Package fps measures the delivered frame rate of a camera stream over a
// sliding window of frame arrival times.
package fps

import (
	"math"
	"sync"
	"time"
)

const (
	// stddevStableRatio is the largest FPS standard deviation, as a fraction
	// of the mean, for which a stream counts as stable.
	// Example: 30 FPS mean → stable if stddev < 4.5 FPS
	stddevStableRatio = 0.15

	// jitterStableRatio is the largest mean jitter, as a fraction of the
	// expected inter-frame interval, for which a stream counts as stable.
	// Example: 30 FPS (33ms interval) → stable if jitter < 6.6ms
	jitterStableRatio = 0.20

	// DefaultWindow is the number of arrivals kept by NewWindow(0)
	DefaultWindow = 120
)

// Stats summarizes a series of frame arrivals.
// Jitter values are in seconds.
type Stats struct {
	Frames       int           `json:"frames"`
	Span         time.Duration `json:"span"`
	FPSMean      float64       `json:"fps_mean"`
	FPSStdDev    float64       `json:"fps_stddev"`
	FPSMin       float64       `json:"fps_min"`
	FPSMax       float64       `json:"fps_max"`
	JitterMean   float64       `json:"jitter_mean"`
	JitterStdDev float64       `json:"jitter_stddev"`
	JitterMax    float64       `json:"jitter_max"`
	Stable       bool          `json:"stable"`
}

// Compute derives frame-rate statistics from ordered arrival times.
//
// The mean rate is intervals over the span between first and last arrival.
// Instantaneous rates come from each positive interval. Jitter is the
// absolute deviation of each interval from the mean interval.
//
// A stream is stable when stddev < 15% of mean FPS and mean jitter < 20% of
// the expected interval. Fewer than two arrivals give zero stats.
func Compute(times []time.Time) Stats {
	n := len(times)
	st := Stats{Frames: n}
	if n < 2 {
		return st
	}

	st.Span = times[n-1].Sub(times[0])
	if st.Span <= 0 {
		return st
	}
	st.FPSMean = float64(n-1) / st.Span.Seconds()
	expected := 1.0 / st.FPSMean

	rates := make([]float64, 0, n-1)
	jitters := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		dt := times[i].Sub(times[i-1]).Seconds()
		jitters = append(jitters, math.Abs(dt-expected))
		if dt > 0 {
			rates = append(rates, 1.0/dt)
		}
	}

	if len(rates) > 0 {
		st.FPSMin, st.FPSMax = rates[0], rates[0]
		for _, r := range rates {
			st.FPSMin = math.Min(st.FPSMin, r)
			st.FPSMax = math.Max(st.FPSMax, r)
		}
		st.FPSStdDev = stddev(rates, st.FPSMean)
	}

	for _, j := range jitters {
		st.JitterMean += j
		st.JitterMax = math.Max(st.JitterMax, j)
	}
	st.JitterMean /= float64(len(jitters))
	st.JitterStdDev = stddev(jitters, st.JitterMean)

	st.Stable = st.FPSStdDev < st.FPSMean*stddevStableRatio &&
		st.JitterMean < expected*jitterStableRatio
	return st
}

func stddev(xs []float64, mean float64) float64 {
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// Window keeps the most recent arrival times in a ring.
//
// Thread-safe: Observe is called from the acquisition thread while Stats
// may be read from any goroutine.
type Window struct {
	mu    sync.Mutex
	times []time.Time
	next  int
	full  bool
}

// NewWindow creates a window holding size arrivals (DefaultWindow if size <= 0)
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Window{times: make([]time.Time, size)}
}

// Observe records one arrival
func (w *Window) Observe(t time.Time) {
	w.mu.Lock()
	w.times[w.next] = t
	w.next = (w.next + 1) % len(w.times)
	if w.next == 0 {
		w.full = true
	}
	w.mu.Unlock()
}

// Stats computes statistics over the arrivals currently in the window
func (w *Window) Stats() Stats {
	w.mu.Lock()
	var ordered []time.Time
	if w.full {
		ordered = make([]time.Time, 0, len(w.times))
		ordered = append(ordered, w.times[w.next:]...)
		ordered = append(ordered, w.times[:w.next]...)
	} else {
		ordered = append([]time.Time(nil), w.times[:w.next]...)
	}
	w.mu.Unlock()

	return Compute(ordered)
}
