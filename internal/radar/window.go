package radar

import "gonum.org/v1/gonum/stat"

// Window is a fixed-size sliding window. Push appends a sample and evicts the oldest once
// the window is full; it is never cleared.
type Window struct {
	size    int
	samples []float64
}

func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{size: size, samples: make([]float64, 0, size)}
}

func (w *Window) Push(v float64) {
	if len(w.samples) == w.size {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.size-1]
	}
	w.samples = append(w.samples, v)
}

// Mean returns the average of the samples in the window, or 0 when it is empty.
func (w *Window) Mean() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	return stat.Mean(w.samples, nil)
}

func (w *Window) Len() int { return len(w.samples) }
