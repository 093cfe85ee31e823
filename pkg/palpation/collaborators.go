package palpation

import (
	"errors"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/raghavauppuluri13/robot-palpation/pkg/geom"
)

// ControlMode selects how the robot interprets an action vector.
type ControlMode int

const (
	// ModeOSCPose takes an absolute pose: position(3), axis-angle(3), 0.
	ModeOSCPose ControlMode = iota
	// ModeHybridForce takes oscillation offsets in the first two slots and
	// a force target in the last three.
	ModeHybridForce
)

func (m ControlMode) String() string {
	if m == ModeHybridForce {
		return "hybrid_force"
	}
	return "osc_pose"
}

// Action lengths per mode.
const (
	PoseActionLen   = 7
	HybridActionLen = 9
)

// Profile names the controller gains the robot should apply.
type Profile string

const (
	ProfileOSCAbsolute Profile = "osc_absolute"
	ProfileHybrid      Profile = "hybrid_position_force"
)

// Robot is the arm controller.
type Robot interface {
	// Ready reports whether the first state sample has arrived.
	Ready() bool
	// Pose returns the last measured end-effector pose.
	Pose() (geom.Pose, error)
	Control(mode ControlMode, action []float64, profile Profile) error
	Close() error
}

// ForceSensor is a non-blocking force reader. ok is false when no new
// sample arrived since the last call.
type ForceSensor interface {
	Read() (f r3.Vec, ok bool)
}

// Interpolator produces intermediate poses toward a goal.
type Interpolator interface {
	Init(start, goal geom.Pose, steps int)
	Next() geom.Pose
	Done() bool
}

// GridCell is one cell of the oracle's estimate of the surface.
type GridCell struct {
	Center  [3]float64 `json:"center"`
	Normal  [3]float64 `json:"normal"`
	Visited bool       `json:"visited"`
	Value   float64    `json:"value"`
}

// SearchOracle proposes probe points and learns from their outcomes.
type SearchOracle interface {
	// Next returns a surface point and its unit normal, or
	// ErrSearchExhausted.
	Next() (point, normal r3.Vec, err error)
	// UpdateOutcome records the result of the last probe.
	UpdateOutcome(v float64)
	GridEstimate() []GridCell
	SaveHistory(dir string) error
}

// ErrSearchExhausted ends the run once the oracle has nothing left to probe.
var ErrSearchExhausted = errors.New("search space exhausted")
