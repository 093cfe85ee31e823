package palpation

import (
	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
	"github.com/raghavauppuluri13/robot-palpation/pkg/geom"
)

// State is the palpation phase. The numeric values are written to the
// telemetry record.
type State int64

const (
	StateInit    State = -1
	StateAbove   State = 0
	StatePalpate State = 1
	StateReturn  State = 2
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAbove:
		return "above"
	case StatePalpate:
		return "palpate"
	case StateReturn:
		return "return"
	default:
		return "unknown"
	}
}

// Next returns the phase that follows s. INIT is left exactly once.
func (s State) Next() State {
	if s == StateInit {
		return StateAbove
	}
	return (s + 1) % 3
}

// goalCapacity is one probe: reset, palpate and above poses.
const goalCapacity = 3

// GoalQueue holds the poses of the probe in progress. It is filled as a
// whole triplet and drained one pose per transition, above pose first.
type GoalQueue struct {
	poses [goalCapacity]geom.Pose
	n     int
}

// PushTriplet loads a new probe. The queue must be empty.
func (q *GoalQueue) PushTriplet(reset, palpate, above geom.Pose) {
	perrors.Assert(q.n == 0, "goal queue holds %d poses, cannot load a new probe", q.n)
	q.poses = [goalCapacity]geom.Pose{reset, palpate, above}
	q.n = goalCapacity
}

// Pop removes and returns the next goal.
func (q *GoalQueue) Pop() geom.Pose {
	perrors.Assert(q.n > 0, "pop from empty goal queue")
	q.n--
	p := q.poses[q.n]
	q.poses[q.n] = geom.Pose{}
	return p
}

// Len returns the number of queued goals.
func (q *GoalQueue) Len() int { return q.n }

// Empty reports whether no goals are queued.
func (q *GoalQueue) Empty() bool { return q.n == 0 }
