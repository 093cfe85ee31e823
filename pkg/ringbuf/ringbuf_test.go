package ringbuf

import (
	"math"
	"reflect"
	"testing"
)

func TestOverflowAtCapacity(t *testing.T) {
	r := New(3)
	r.Append(1)
	r.Append(2)
	if r.Overflowed() {
		t.Fatal("overflowed before reaching capacity")
	}
	r.Append(3)
	if !r.Overflowed() {
		t.Fatal("expected overflowed on the capacity-th append")
	}
	r.Append(4)
	if !r.Overflowed() {
		t.Fatal("overflowed must stay true")
	}
}

func TestFIFOEviction(t *testing.T) {
	r := New(4)
	for i := 1; i <= 5; i++ {
		r.Append(float64(i))
	}
	if got, want := r.Values(), []float64{2, 3, 4, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("Values = %v, want %v", got, want)
	}
	if !r.Overflowed() {
		t.Error("expected overflowed")
	}
	if r.Len() != 4 || r.Capacity() != 4 {
		t.Errorf("Len/Capacity = %d/%d", r.Len(), r.Capacity())
	}
}

func TestWindowStats(t *testing.T) {
	r := New(4)
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		r.Append(v)
	}
	// window is 5, 5, 7, 9
	if r.Mean() != 6.5 {
		t.Errorf("Mean = %v", r.Mean())
	}
	if math.Abs(r.Std()-math.Sqrt(2.75)) > 1e-12 {
		t.Errorf("Std = %v", r.Std())
	}
}

func TestReset(t *testing.T) {
	r := New(2)
	r.Append(1)
	r.Append(2)
	r.Reset()
	if r.Len() != 0 || r.Overflowed() || r.Mean() != 0 {
		t.Errorf("reset buffer not empty: %v", r.Values())
	}
}

func TestRunningStats(t *testing.T) {
	var s RunningStats
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.Push(v)
	}
	if s.Count() != 8 || math.Abs(s.Mean()-5) > 1e-12 {
		t.Errorf("count/mean = %d/%v", s.Count(), s.Mean())
	}
	if math.Abs(s.Std()-2) > 1e-12 {
		t.Errorf("Std = %v, want 2", s.Std())
	}

	s.Reset()
	if s.Count() != 0 || s.Variance() != 0 {
		t.Error("reset stats not empty")
	}
}

func TestRunningStatsFromBuffer(t *testing.T) {
	r := New(3)
	for _, v := range []float64{1, 2, 3, 4} {
		r.Append(v)
	}
	var s RunningStats
	s.Update(r)
	if s.Count() != 3 || math.Abs(s.Mean()-3) > 1e-12 {
		t.Errorf("count/mean = %d/%v", s.Count(), s.Mean())
	}
}

func TestAtOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	New(2).At(0)
}
