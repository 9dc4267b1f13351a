// Package metrics keeps a bounded rolling window of command latencies.
package metrics

import (
	"sync"
	"time"
)

// DefaultWindowSize is the number of samples the window retains.
const DefaultWindowSize = 50

// Window is a fixed-size ring of duration samples. Once full, each new
// sample evicts the oldest, so the average always reflects the most
// recent executions.
type Window struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
	total   int64
}

// NewWindow creates a window holding size samples. size <= 0 uses the
// default.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{samples: make([]time.Duration, size)}
}

// Record adds one latency sample.
func (w *Window) Record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next++
	w.total++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

// Average returns the mean of the samples currently in the window, or
// zero when nothing has been recorded.
func (w *Window) Average() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range w.samples[:n] {
		sum += s
	}
	return sum / time.Duration(n)
}

// Count returns the total number of samples ever recorded.
func (w *Window) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}
