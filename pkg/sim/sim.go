// Package sim is a kinematic stand-in for the arm and force sensor: the
// surface is the plane z = SurfaceHeight acting as a linear spring.
package sim

import (
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/raghavauppuluri13/robot-palpation/pkg/config"
	"github.com/raghavauppuluri13/robot-palpation/pkg/geom"
	"github.com/raghavauppuluri13/robot-palpation/pkg/log"
	"github.com/raghavauppuluri13/robot-palpation/pkg/palpation"
)

// Config describes the simulated cell.
type Config struct {
	SurfaceHeight    float64
	SurfaceStiffness float64 // N/m
	// CreepSpeed is how far the force regulator pushes along the commanded
	// wrench per hybrid command, in meters.
	CreepSpeed float64
	// TrackingGain is the fraction of the pose error removed per command.
	TrackingGain float64
	ReadyDelay   time.Duration
}

// ConfigFromSettings extracts the simulator options.
func ConfigFromSettings(s config.RobotSettings) Config {
	return Config{
		SurfaceHeight:    s.SurfaceHeight,
		SurfaceStiffness: s.SurfaceStiffness,
		CreepSpeed:       s.CreepSpeed,
		TrackingGain:     s.TrackingGain,
		ReadyDelay:       s.ReadyDelay,
	}
}

// Robot is a simulated arm that tracks commanded poses.
type Robot struct {
	cfg     Config
	created time.Time
	logger  *log.Logger

	mu       sync.Mutex
	pose     geom.Pose
	hybrid   bool
	anchor   r3.Vec
	creep    r3.Vec
	commands uint64
	closed   bool
}

// NewRobot places the simulated arm at start.
func NewRobot(cfg Config, start geom.Pose) *Robot {
	if cfg.TrackingGain <= 0 || cfg.TrackingGain > 1 {
		cfg.TrackingGain = 1
	}
	start.Rot = geom.Normalize(start.Rot)
	return &Robot{cfg: cfg, created: time.Now(), pose: start, logger: log.GetLogger("sim")}
}

// Ready reports whether the first state sample is available.
func (r *Robot) Ready() bool {
	return time.Since(r.created) >= r.cfg.ReadyDelay
}

// Pose returns the current end-effector pose.
func (r *Robot) Pose() (geom.Pose, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return geom.Pose{}, fmt.Errorf("robot connection closed")
	}
	return r.pose, nil
}

// Control applies one command.
func (r *Robot) Control(mode palpation.ControlMode, action []float64, profile palpation.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("robot connection closed")
	}
	switch mode {
	case palpation.ModeOSCPose:
		if len(action) != palpation.PoseActionLen {
			return fmt.Errorf("%s: action has %d elements, want %d", mode, len(action), palpation.PoseActionLen)
		}
		target := geom.Pose{
			Pos: r3.Vec{X: action[0], Y: action[1], Z: action[2]},
			Rot: geom.FromAxisAngle(r3.Vec{X: action[3], Y: action[4], Z: action[5]}),
		}
		g := r.cfg.TrackingGain
		r.pose.Pos = geom.Lerp(r.pose.Pos, target.Pos, g)
		r.pose.Rot = geom.Slerp(r.pose.Rot, target.Rot, g)
		r.hybrid = false
	case palpation.ModeHybridForce:
		if len(action) != palpation.HybridActionLen {
			return fmt.Errorf("%s: action has %d elements, want %d", mode, len(action), palpation.HybridActionLen)
		}
		if !r.hybrid {
			r.hybrid = true
			r.anchor = r.pose.Pos
			r.creep = r3.Vec{}
			r.logger.WithField("profile", string(profile)).Debug("entering hybrid control")
		}
		wrench := r3.Vec{X: action[6], Y: action[7], Z: action[8]}
		if r3.Norm(wrench) > 0 {
			r.creep = r3.Add(r.creep, r3.Scale(r.cfg.CreepSpeed, r3.Unit(wrench)))
		}
		offset := r3.Vec{X: action[0], Y: action[1]}
		r.pose.Pos = r3.Add(r3.Add(r.anchor, offset), r.creep)
	default:
		return fmt.Errorf("unknown control mode %d", mode)
	}
	r.commands++
	return nil
}

// Commands returns the number of accepted commands.
func (r *Robot) Commands() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commands
}

// Penetration is the depth of the tool below the surface, 0 above it.
func (r *Robot) Penetration() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d := r.cfg.SurfaceHeight - r.pose.Pos.Z; d > 0 {
		return d
	}
	return 0
}

// Close ends the session. Further calls fail.
func (r *Robot) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.logger.Info("simulated robot closed after %d commands", r.commands)
	}
	return nil
}

// ForceSensor reports the surface reaction on the simulated robot.
type ForceSensor struct {
	robot     *Robot
	stiffness float64
}

// NewForceSensor attaches a sensor to robot.
func NewForceSensor(robot *Robot) *ForceSensor {
	return &ForceSensor{robot: robot, stiffness: robot.cfg.SurfaceStiffness}
}

// Read returns the spring force along +z. Every read is a new sample.
func (s *ForceSensor) Read() (r3.Vec, bool) {
	return r3.Vec{Z: s.stiffness * s.robot.Penetration()}, true
}

var (
	_ palpation.Robot       = (*Robot)(nil)
	_ palpation.ForceSensor = (*ForceSensor)(nil)
)
