package palpation

import (
	"errors"
	"time"

	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
	"github.com/raghavauppuluri13/robot-palpation/pkg/log"
	"github.com/raghavauppuluri13/robot-palpation/pkg/ratekeeper"
	"github.com/raghavauppuluri13/robot-palpation/pkg/safety"
	"github.com/raghavauppuluri13/robot-palpation/pkg/telemetry"
)

// RecordWriter publishes one telemetry record per tick.
type RecordWriter interface {
	Write(rec *telemetry.Record) error
}

// LoopConfig wires the control loop to its collaborators.
type LoopConfig struct {
	Controller *Controller
	Robot      Robot
	Sensor     ForceSensor
	Writer     RecordWriter
	Safety     *safety.Manager
	Rate       *ratekeeper.Ratekeeper

	// FirstStateTimeout bounds the wait for the robot's first state.
	FirstStateTimeout time.Duration

	// PollInterval is the sleep between readiness checks. Default 1ms.
	PollInterval time.Duration
}

// Loop runs the controller at a fixed rate until a stop is requested.
type Loop struct {
	cfg    LoopConfig
	logger *log.Logger
}

// NewLoop creates a control loop.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	return &Loop{cfg: cfg, logger: log.GetLogger("control")}
}

// Run waits for the robot, then ticks until the safety manager reports a
// stop. Search exhaustion requests a stop and returns nil. Robot and
// telemetry failures are returned unretried; the caller owns teardown.
func (l *Loop) Run() error {
	if err := l.waitFirstState(); err != nil {
		return err
	}
	pose, err := l.cfg.Robot.Pose()
	if err != nil {
		return perrors.RobotError("read initial pose", err)
	}
	l.cfg.Controller.Start(pose)
	l.logger.WithField("rate_hz", 1/l.cfg.Rate.Interval().Seconds()).Info("control loop started")

	for !l.cfg.Safety.StopRequested() {
		if err := l.step(); err != nil {
			if errors.Is(err, ErrSearchExhausted) {
				l.cfg.Safety.RequestStop(safety.ReasonSearchExhausted, "no candidate points left")
				l.logger.WithField("abandoned", l.cfg.Controller.Abandoned()).
					Infof("search exhausted after %d attempts", l.cfg.Controller.AttemptID())
				return nil
			}
			return err
		}
		l.cfg.Rate.KeepTime()
	}
	reason, msg, _ := l.cfg.Safety.StopInfo()
	l.logger.WithFields(log.Fields{"reason": reason, "frames": l.cfg.Rate.Frame()}).
		Infof("control loop stopped: %s", msg)
	return nil
}

// waitFirstState spins until the robot has published a state sample.
func (l *Loop) waitFirstState() error {
	deadline := time.Now().Add(l.cfg.FirstStateTimeout)
	for !l.cfg.Robot.Ready() {
		if l.cfg.Safety.StopRequested() {
			return safety.ErrStopped
		}
		if time.Now().After(deadline) {
			return perrors.TimeoutError("robot first state", l.cfg.FirstStateTimeout.Seconds())
		}
		time.Sleep(l.cfg.PollInterval)
	}
	return nil
}

func (l *Loop) step() error {
	pose, err := l.cfg.Robot.Pose()
	if err != nil {
		return perrors.RobotError("read pose", err)
	}
	force, fresh := l.cfg.Sensor.Read()

	cmd, err := l.cfg.Controller.Tick(pose, force, fresh)
	if err != nil {
		return err
	}
	if err := l.cfg.Robot.Control(cmd.Mode, cmd.Action, cmd.Profile); err != nil {
		return perrors.RobotError("control "+cmd.Mode.String(), err)
	}
	return l.cfg.Writer.Write(l.cfg.Controller.Record())
}

// FaultReason maps a loop error to the shutdown reason reported for it.
func FaultReason(err error) safety.ShutdownReason {
	switch {
	case perrors.Is(err, perrors.ErrRobot):
		return safety.ReasonRobotFault
	case perrors.Is(err, perrors.ErrTelemetry):
		return safety.ReasonTelemetryFault
	case perrors.Is(err, perrors.ErrTimeout):
		return safety.ReasonTimeout
	case errors.Is(err, safety.ErrStopped):
		return safety.ReasonStopRequested
	default:
		return safety.ReasonPrecondition
	}
}
