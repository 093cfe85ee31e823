package geom

import "gonum.org/v1/gonum/spatial/r3"

// minJerkProfile is the normalized minimum-jerk position at tau in [0, 1].
func minJerkProfile(tau float64) float64 {
	t3 := tau * tau * tau
	return t3 * (10 - 15*tau + 6*tau*tau)
}

// MinJerk returns n samples of a minimum-jerk move from a to b, both
// endpoints included. n < 2 yields just b.
func MinJerk(a, b r3.Vec, n int) []r3.Vec {
	if n < 2 {
		return []r3.Vec{b}
	}
	out := make([]r3.Vec, n)
	for i := range out {
		out[i] = Lerp(a, b, minJerkProfile(float64(i)/float64(n-1)))
	}
	return out
}

// OutAndBack returns n samples of a minimum-jerk excursion from a to b
// and back for cyclic playback. The sample that would return to a is
// left out, so wrapping to the first sample never repeats a position.
func OutAndBack(a, b r3.Vec, n int) []r3.Vec {
	if n < 4 {
		n = 4
	}
	half := n / 2
	out := MinJerk(a, b, half)
	back := MinJerk(b, a, n-half+2)
	return append(out, back[1:len(back)-1]...)
}
