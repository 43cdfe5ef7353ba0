package aggregator

import (
	"slices"
	"time"
)

// window is a sliding throughput window.
type window struct {
	span    time.Duration
	start   time.Time
	samples []sample
	sum     int64
}

type sample struct {
	at time.Time
	n  int64
}

func newWindow(span time.Duration, now time.Time) *window {
	return &window{span: span, start: now}
}

func (w *window) add(at time.Time, n int64) {
	if n <= 0 {
		return
	}
	// samples stay ordered by time; prune relies on it
	i := len(w.samples)
	for i > 0 && w.samples[i-1].at.After(at) {
		i--
	}
	w.samples = slices.Insert(w.samples, i, sample{at: at, n: n})
	w.sum += n
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		w.sum -= w.samples[i].n
		i++
	}
	w.samples = w.samples[i:]
}

// rate returns bytes per second over the window. Before the window has
// been open for a full span, it divides by the time elapsed so far.
func (w *window) rate(now time.Time) float64 {
	w.prune(now)
	if w.sum == 0 {
		return 0
	}
	elapsed := now.Sub(w.start)
	if elapsed > w.span {
		elapsed = w.span
	}
	if elapsed < 100*time.Millisecond {
		elapsed = 100 * time.Millisecond
	}
	return float64(w.sum) / elapsed.Seconds()
}

// eta estimates the time to move remaining bytes at rate. It is negative
// when no estimate is possible.
func eta(remaining int64, rate float64) time.Duration {
	if remaining < 0 || rate <= 0 {
		return -1
	}
	return time.Duration(float64(remaining) / rate * float64(time.Second))
}
