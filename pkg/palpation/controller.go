// Package palpation runs the probe cycle: move above a candidate point,
// press into the surface until contact, oscillate under force control
// while the contact is sampled, then return to the reset pose.
package palpation

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/raghavauppuluri13/robot-palpation/pkg/config"
	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
	"github.com/raghavauppuluri13/robot-palpation/pkg/geom"
	"github.com/raghavauppuluri13/robot-palpation/pkg/log"
	"github.com/raghavauppuluri13/robot-palpation/pkg/ringbuf"
	"github.com/raghavauppuluri13/robot-palpation/pkg/telemetry"
)

const (
	progressEps  = 1e-9
	stiffnessEps = 1e-6
	unitTol      = 1e-6
)

// Tool axis driven onto the negated surface normal.
var toolApproach = r3.Vec{Z: -1}

// Params are the controller constants.
type Params struct {
	RateHz     float64
	StepFast   int
	StepSlow   int
	BufferSize int

	Depth               float64
	Clearance           float64
	ForceLimit          float64
	StiffnessScale      float64
	StiffnessNoiseFloor float64
	ResetPose           geom.Pose

	OscPeriod    float64
	OscAmplitude float64
	DownwardBias float64

	PrimaryWeight   float64
	SecondaryWeight float64
	SecondaryTool   r3.Vec
	SecondaryWorld  r3.Vec
}

// ParamsFromSettings extracts the controller constants from the run
// configuration.
func ParamsFromSettings(s config.Settings) Params {
	return Params{
		RateHz:              s.Control.RateHz,
		StepFast:            s.Control.StepFast,
		StepSlow:            s.Control.StepSlow,
		BufferSize:          s.Control.BufferSize,
		Depth:               s.Palpation.Depth,
		Clearance:           s.Palpation.Clearance,
		ForceLimit:          s.Palpation.ForceLimit,
		StiffnessScale:      s.Palpation.StiffnessScale,
		StiffnessNoiseFloor: s.Palpation.StiffnessNoiseFloor,
		ResetPose: geom.Pose{
			Pos: geom.Vec3(s.Palpation.ResetPosition),
			Rot: geom.Normalize(geom.QuatXYZW(s.Palpation.ResetQuat)),
		},
		OscPeriod:       s.Oscillation.Period,
		OscAmplitude:    s.Oscillation.Amplitude,
		DownwardBias:    s.Oscillation.DownwardBias,
		PrimaryWeight:   s.Alignment.PrimaryWeight,
		SecondaryWeight: s.Alignment.SecondaryWeight,
		SecondaryTool:   geom.Vec3(s.Alignment.SecondaryTool),
		SecondaryWorld:  geom.Vec3(s.Alignment.SecondaryWorld),
	}
}

// Command is one robot action.
type Command struct {
	Mode    ControlMode
	Action  []float64
	Profile Profile
}

// Controller is the palpation state machine. It is driven by Tick once per
// control period and is not safe for concurrent use.
type Controller struct {
	p      Params
	interp Interpolator
	oracle SearchOracle
	logger *log.Logger

	started bool
	state   State
	goals   GoalQueue
	target  geom.Pose

	// sample-and-hold force
	force     r3.Vec
	forceNorm float64

	probe     r3.Vec
	normal    r3.Vec
	haveProbe bool

	entry     r3.Vec
	palpGoal  r3.Vec
	progress  float64
	stiffness float64
	forceMode bool
	collect   bool
	attemptID int64
	abandoned int64

	osc    []r3.Vec
	oscIdx int

	forceBuf *ringbuf.RingBuffer
	posBuf   *ringbuf.RingBuffer
	stats    ringbuf.RunningStats

	rec telemetry.Record
}

// NewController builds a controller. The oscillation trajectory is
// precomputed here, one sample per control tick over one period.
func NewController(p Params, interp Interpolator, oracle SearchOracle) *Controller {
	perrors.Assert(p.RateHz > 0, "control rate must be positive, got %v", p.RateHz)
	samples := int(math.Round(p.OscPeriod * p.RateHz))
	if samples < 4 {
		samples = 4
	}
	peak := r3.Vec{X: p.OscAmplitude, Y: p.OscAmplitude}
	return &Controller{
		p:        p,
		interp:   interp,
		oracle:   oracle,
		logger:   log.GetLogger("palpation"),
		state:    StateInit,
		osc:      geom.OutAndBack(r3.Vec{}, peak, samples),
		forceBuf: ringbuf.New(p.BufferSize),
		posBuf:   ringbuf.New(p.BufferSize),
	}
}

// Start sends the interpolator from the measured pose to the reset pose.
// It must be called once before the first Tick.
func (c *Controller) Start(measured geom.Pose) {
	c.interp.Init(measured, c.p.ResetPose, c.p.StepFast)
	c.target = measured
	c.started = true
}

// Tick advances the state machine by one control period and returns the
// command to send. fresh is false when the force sensor had no new sample,
// in which case the previous reading is held.
func (c *Controller) Tick(measured geom.Pose, force r3.Vec, fresh bool) (Command, error) {
	perrors.Assert(c.started, "Tick called before Start")

	if fresh {
		c.force = force
		c.forceNorm = r3.Norm(force)
	}
	c.forceBuf.Append(c.forceNorm)
	if c.haveProbe {
		c.posBuf.Append(r3.Norm(r3.Sub(c.probe, measured.Pos)))
	}
	// Force control latched on an earlier tick may end this tick; a
	// trigger seen now holds for at least one hybrid command.
	latched := c.forceMode
	if c.state == StatePalpate {
		perrors.Assert(c.haveProbe, "palpating without a probe point")
		c.progress = c.computeProgress(measured.Pos)
		if !c.forceMode && (c.normalForce() > c.p.ForceLimit || c.progress >= 1) {
			c.enterForceMode(measured)
		}
	}

	switch {
	case c.state == StatePalpate && latched && c.progress >= 1:
		c.finishAttempt(measured)
	case !c.forceMode && !c.goals.Empty() && c.interp.Done():
		if c.state == StatePalpate {
			c.abandonAttempt()
		}
		c.transition(measured)
	case !c.forceMode && c.goals.Empty() && c.interp.Done():
		if err := c.loadProbe(); err != nil {
			return Command{}, err
		}
	}

	cmd := c.command()
	c.fillRecord(measured, cmd)
	return cmd, nil
}

// computeProgress projects the displacement since PALPATE entry onto the
// inward normal, normalized by the planned press distance.
func (c *Controller) computeProgress(p r3.Vec) float64 {
	inward := r3.Scale(-1, c.normal)
	num := r3.Dot(r3.Sub(p, c.entry), inward)
	den := math.Abs(r3.Dot(r3.Sub(c.palpGoal, c.entry), inward)) + progressEps
	return num / den
}

func (c *Controller) normalForce() float64 {
	return math.Abs(r3.Dot(c.force, c.normal))
}

// transition pops the next goal and advances the state.
func (c *Controller) transition(measured geom.Pose) {
	from := c.state
	c.state = c.state.Next()
	goal := c.goals.Pop()
	steps := c.p.StepFast
	if c.state == StatePalpate {
		steps = c.p.StepSlow
		c.entry = measured.Pos
		c.palpGoal = goal.Pos
		c.progress = 0
		c.stiffness = 0
		c.forceBuf.Reset()
		c.posBuf.Reset()
	}
	c.interp.Init(measured, goal, steps)
	c.logger.WithFields(log.Fields{"from": from, "to": c.state, "steps": steps}).Debug("state transition")
}

// loadProbe asks the oracle for the next point and queues its goals.
func (c *Controller) loadProbe() error {
	point, normal, err := c.oracle.Next()
	if err != nil {
		if errors.Is(err, ErrSearchExhausted) {
			return err
		}
		return perrors.Wrap(err, perrors.ErrSearch, "requesting next probe point")
	}
	perrors.Assert(math.Abs(r3.Norm(normal)-1) < unitTol, "surface normal %v is not unit length", normal)
	grid := c.oracle.GridEstimate()
	visited := 0
	for _, cell := range grid {
		if cell.Visited {
			visited++
		}
	}

	rot, err := geom.AlignVectors(
		[]r3.Vec{normal, c.p.SecondaryWorld},
		[]r3.Vec{toolApproach, c.p.SecondaryTool},
		[]float64{c.p.PrimaryWeight, c.p.SecondaryWeight},
	)
	if err != nil {
		return perrors.Wrap(err, perrors.ErrSearch, "orienting probe").
			SetContext("normal", geom.Array3(normal))
	}
	palp := geom.Pose{Pos: r3.Sub(point, r3.Scale(c.p.Depth, normal)), Rot: rot}
	above := geom.Pose{Pos: r3.Add(point, r3.Scale(c.p.Clearance, normal)), Rot: rot}
	c.goals.PushTriplet(c.p.ResetPose, palp, above)

	c.probe, c.normal, c.haveProbe = point, normal, true
	c.logger.WithFields(log.Fields{
		"attempt": c.attemptID,
		"point":   geom.Array3(point),
		"normal":  geom.Array3(normal),
		"cells":   len(grid),
		"visited": visited,
	}).Info("new probe point")
	return nil
}

// enterForceMode latches force control and reports the stiffness seen at
// the moment of contact.
func (c *Controller) enterForceMode(measured geom.Pose) {
	c.forceMode = true
	c.collect = true
	c.oscIdx = 0

	dist := r3.Norm(r3.Sub(c.probe, measured.Pos))
	c.stiffness = Stiffness(c.normalForce(), dist, c.p.StiffnessScale)
	outcome := c.stiffness
	if outcome < c.p.StiffnessNoiseFloor {
		outcome = 0
	}
	c.oracle.UpdateOutcome(outcome)

	c.logger.WithFields(log.Fields{
		"attempt":   c.attemptID,
		"force":     c.normalForce(),
		"progress":  c.progress,
		"stiffness": c.stiffness,
	}).Info("contact, switching to force control")
}

// Stiffness is the contact-normal force over penetration distance,
// normalized by scale.
func Stiffness(normalForce, penetration, scale float64) float64 {
	return normalForce / (penetration + stiffnessEps) / scale
}

// finishAttempt leaves force control and starts the return motion.
func (c *Controller) finishAttempt(measured geom.Pose) {
	c.forceMode = false
	c.collect = false

	fields := log.Fields{
		"attempt":   c.attemptID,
		"stiffness": c.stiffness,
		"progress":  c.progress,
		"pos_std":   c.posBuf.Std(),
	}
	if c.forceBuf.Overflowed() {
		c.stats.Reset()
		c.stats.Update(c.forceBuf)
		fields["force_mean"] = c.stats.Mean()
		fields["force_std"] = c.stats.Std()
	}
	c.logger.WithFields(fields).Info("palpation finished")

	c.transition(measured)
	c.attemptID++
}

// abandonAttempt closes a press that reached its goal without triggering
// force control. The oracle learns a zero outcome for the point; the
// attempt id is left alone since no palpation completed.
func (c *Controller) abandonAttempt() {
	c.abandoned++
	c.logger.WithFields(log.Fields{
		"attempt":   c.attemptID,
		"progress":  c.progress,
		"abandoned": c.abandoned,
	}).Warn("press finished without contact")
	c.oracle.UpdateOutcome(0)
}

// command emits the hybrid oscillation command under force control and
// the next interpolated pose otherwise.
func (c *Controller) command() Command {
	if c.forceMode {
		off := c.osc[c.oscIdx]
		c.oscIdx = (c.oscIdx + 1) % len(c.osc)
		bias := r3.Scale(-c.p.DownwardBias, c.normal)
		return Command{
			Mode:    ModeHybridForce,
			Action:  []float64{off.X, off.Y, 0, 0, 0, 0, bias.X, bias.Y, bias.Z},
			Profile: ProfileHybrid,
		}
	}
	next := c.interp.Next()
	c.target = next
	aa := geom.AxisAngle(next.Rot)
	return Command{
		Mode:    ModeOSCPose,
		Action:  []float64{next.Pos.X, next.Pos.Y, next.Pos.Z, aa.X, aa.Y, aa.Z, 0},
		Profile: ProfileOSCAbsolute,
	}
}

func (c *Controller) fillRecord(measured geom.Pose, cmd Command) {
	r := &c.rec
	r.Force = geom.Array3(c.force)
	r.MeasuredQuat = geom.XYZW(measured.Rot)
	r.MeasuredPos = geom.Array3(measured.Pos)
	r.TargetQuat = geom.XYZW(c.target.Rot)
	r.TargetPos = geom.Array3(c.target.Pos)
	r.RawAction = [telemetry.RawActionLen]float64{}
	copy(r.RawAction[:], cmd.Action)

	r.Progress, r.Stiffness = 0, 0
	if c.state == StatePalpate {
		r.Progress = c.progress
		if c.forceMode {
			r.Stiffness = c.stiffness
		}
	}
	r.ProbePoint, r.SurfaceNormal = [3]float64{}, [3]float64{}
	if c.haveProbe {
		r.ProbePoint = geom.Array3(c.probe)
		r.SurfaceNormal = geom.Array3(c.normal)
	}
	r.AttemptID = c.attemptID
	r.State = int64(c.state)
	r.UsingForceControl = c.forceMode
	r.CollectPoints = c.collect
}

// Record returns the telemetry record of the last tick. The pointer stays
// valid and is overwritten by the next Tick.
func (c *Controller) Record() *telemetry.Record { return &c.rec }

// State returns the current phase.
func (c *Controller) State() State { return c.state }

// AttemptID counts finished palpations.
func (c *Controller) AttemptID() int64 { return c.attemptID }

// Abandoned counts presses that ended without contact.
func (c *Controller) Abandoned() int64 { return c.abandoned }

// Progress is the press progress of the current palpation.
func (c *Controller) Progress() float64 { return c.progress }

// ForceMode reports whether force control is latched.
func (c *Controller) ForceMode() bool { return c.forceMode }

// Collecting reports whether contact points are being collected.
func (c *Controller) Collecting() bool { return c.collect }

// QueuedGoals returns the number of goals left for the current probe.
func (c *Controller) QueuedGoals() int { return c.goals.Len() }
