// Package interp generates intermediate poses between a start and goal
// pose: positions are interpolated linearly and orientations by slerp.
package interp

import (
	"github.com/raghavauppuluri13/robot-palpation/pkg/geom"
)

// Interpolator walks from a start pose to a goal pose in a fixed number
// of steps. It is restartable through Init and is not safe for concurrent
// use.
type Interpolator struct {
	start, goal geom.Pose
	steps       int
	i           int
}

// New returns an interpolator that reports Done until the first Init.
func New() *Interpolator {
	return &Interpolator{}
}

// Init restarts the sequence. steps below 1 are treated as 1, which jumps
// straight to the goal on the next call to Next.
func (it *Interpolator) Init(start, goal geom.Pose, steps int) {
	if steps < 1 {
		steps = 1
	}
	start.Rot = geom.Normalize(start.Rot)
	goal.Rot = geom.Normalize(goal.Rot)
	it.start, it.goal, it.steps, it.i = start, goal, steps, 0
}

// Next advances one step and returns the pose for that step. Once the
// sequence is exhausted the goal is returned.
func (it *Interpolator) Next() geom.Pose {
	if it.steps == 0 {
		return it.goal
	}
	if it.i < it.steps {
		it.i++
	}
	t := float64(it.i) / float64(it.steps)
	if it.i == it.steps {
		return it.goal
	}
	return geom.Pose{
		Pos: geom.Lerp(it.start.Pos, it.goal.Pos, t),
		Rot: geom.Slerp(it.start.Rot, it.goal.Rot, t),
	}
}

// Done reports whether the last pose has been returned.
func (it *Interpolator) Done() bool {
	return it.i >= it.steps
}

// Goal returns the pose the current sequence ends at.
func (it *Interpolator) Goal() geom.Pose {
	return it.goal
}

// Remaining returns the number of steps left.
func (it *Interpolator) Remaining() int {
	return it.steps - it.i
}
