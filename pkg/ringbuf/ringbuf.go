// Package ringbuf provides a fixed-capacity sliding window over scalar
// samples and streaming statistics over it.
package ringbuf

import "math"

// RingBuffer is a FIFO of float64 samples with a fixed capacity. Appending
// to a full buffer evicts the oldest sample.
type RingBuffer struct {
	data       []float64
	head       int // index of the oldest sample
	size       int
	overflowed bool
}

// New returns an empty buffer holding at most capacity samples.
func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		panic("ringbuf: capacity must be positive")
	}
	return &RingBuffer{data: make([]float64, capacity)}
}

// Append adds v, evicting the oldest sample when full.
func (r *RingBuffer) Append(v float64) {
	tail := (r.head + r.size) % len(r.data)
	r.data[tail] = v
	if r.size < len(r.data) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.data)
	}
	if r.size == len(r.data) {
		r.overflowed = true
	}
}

// Overflowed reports whether the buffer has been filled at least once.
// It becomes true on the capacity-th append and stays true.
func (r *RingBuffer) Overflowed() bool { return r.overflowed }

func (r *RingBuffer) Len() int      { return r.size }
func (r *RingBuffer) Capacity() int { return len(r.data) }

// At returns the i-th sample, oldest first.
func (r *RingBuffer) At(i int) float64 {
	if i < 0 || i >= r.size {
		panic("ringbuf: index out of range")
	}
	return r.data[(r.head+i)%len(r.data)]
}

// Values copies the samples, oldest first.
func (r *RingBuffer) Values() []float64 {
	out := make([]float64, r.size)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}

// Reset empties the buffer and clears the overflow flag.
func (r *RingBuffer) Reset() {
	r.head, r.size, r.overflowed = 0, 0, false
}

// Mean of the current window; 0 when empty.
func (r *RingBuffer) Mean() float64 {
	if r.size == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < r.size; i++ {
		sum += r.At(i)
	}
	return sum / float64(r.size)
}

// Std is the population standard deviation of the current window.
func (r *RingBuffer) Std() float64 {
	if r.size == 0 {
		return 0
	}
	mean := r.Mean()
	var ss float64
	for i := 0; i < r.size; i++ {
		d := r.At(i) - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(r.size))
}

// RunningStats accumulates mean and variance with Welford's method.
type RunningStats struct {
	n    int
	mean float64
	m2   float64
}

// Push adds one sample.
func (s *RunningStats) Push(x float64) {
	s.n++
	d := x - s.mean
	s.mean += d / float64(s.n)
	s.m2 += d * (x - s.mean)
}

// Update consumes the buffer's current contents, oldest first.
func (s *RunningStats) Update(r *RingBuffer) {
	for i := 0; i < r.Len(); i++ {
		s.Push(r.At(i))
	}
}

func (s *RunningStats) Count() int    { return s.n }
func (s *RunningStats) Mean() float64 { return s.mean }

// Variance is the population variance; 0 with fewer than two samples.
func (s *RunningStats) Variance() float64 {
	if s.n < 2 {
		return 0
	}
	return s.m2 / float64(s.n)
}

func (s *RunningStats) Std() float64 { return math.Sqrt(s.Variance()) }

// Reset clears the accumulated statistics.
func (s *RunningStats) Reset() { *s = RunningStats{} }
