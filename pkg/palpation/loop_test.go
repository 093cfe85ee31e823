package palpation

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
	"github.com/raghavauppuluri13/robot-palpation/pkg/geom"
	"github.com/raghavauppuluri13/robot-palpation/pkg/interp"
	"github.com/raghavauppuluri13/robot-palpation/pkg/ratekeeper"
	"github.com/raghavauppuluri13/robot-palpation/pkg/safety"
	"github.com/raghavauppuluri13/robot-palpation/pkg/telemetry"
)

type noSleepClock struct{ now time.Time }

func (c *noSleepClock) Now() time.Time        { return c.now }
func (c *noSleepClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

type mockRobot struct {
	readyAfter int32
	polls      atomic.Int32
	pose       geom.Pose
	controls   int
	modes      []ControlMode
	failAfter  int
	onControl  func(n int)
	closed     atomic.Bool
}

func (r *mockRobot) Ready() bool { return r.polls.Add(1) > r.readyAfter }

func (r *mockRobot) Pose() (geom.Pose, error) { return r.pose, nil }

func (r *mockRobot) Control(mode ControlMode, action []float64, _ Profile) error {
	r.controls++
	r.modes = append(r.modes, mode)
	if r.failAfter > 0 && r.controls >= r.failAfter {
		return errors.New("reflex triggered")
	}
	if mode == ModeOSCPose {
		r.pose = geom.Pose{
			Pos: r3.Vec{X: action[0], Y: action[1], Z: action[2]},
			Rot: geom.FromAxisAngle(r3.Vec{X: action[3], Y: action[4], Z: action[5]}),
		}
	} else {
		r.pose.Pos.Z -= 0.002
	}
	if r.onControl != nil {
		r.onControl(r.controls)
	}
	return nil
}

func (r *mockRobot) Close() error {
	r.closed.Store(true)
	return nil
}

// springSensor reports a spring force from the robot's depth below z=0,
// with every third read returning no new sample.
type springSensor struct {
	robot *mockRobot
	reads int
}

func (s *springSensor) Read() (r3.Vec, bool) {
	s.reads++
	if s.reads%3 == 0 {
		return r3.Vec{}, false
	}
	if pen := -s.robot.pose.Pos.Z; pen > 0 {
		return r3.Vec{Z: 1000 * pen}, true
	}
	return r3.Vec{}, true
}

type recordingWriter struct {
	records []telemetry.Record
	err     error
}

func (w *recordingWriter) Write(rec *telemetry.Record) error {
	if w.err != nil {
		return w.err
	}
	w.records = append(w.records, *rec)
	return nil
}

func newTestLoop(robot *mockRobot, oracle *fakeOracle, w *recordingWriter, sm *safety.Manager) *Loop {
	p := testParams()
	clock := &noSleepClock{now: time.Unix(0, 0)}
	return NewLoop(LoopConfig{
		Controller:        NewController(p, interp.New(), oracle),
		Robot:             robot,
		Sensor:            &springSensor{robot: robot},
		Writer:            w,
		Safety:            sm,
		Rate:              ratekeeper.New("control", p.RateHz, 50*time.Millisecond, ratekeeper.WithClock(clock)),
		FirstStateTimeout: time.Second,
		PollInterval:      time.Microsecond,
	})
}

func startPose() geom.Pose {
	return geom.Pose{Pos: r3.Vec{Z: 0.2}, Rot: geom.QuatXYZW([4]float64{1, 0, 0, 0})}
}

func TestLoopRunsUntilSearchExhausted(t *testing.T) {
	robot := &mockRobot{readyAfter: 3, pose: startPose()}
	oracle := &fakeOracle{points: []r3.Vec{{}}, normals: []r3.Vec{{Z: 1}}}
	w := &recordingWriter{}
	sm := safety.New()

	if err := newTestLoop(robot, oracle, w, sm).Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	reason, _, _ := sm.StopInfo()
	if reason != safety.ReasonSearchExhausted {
		t.Errorf("reason = %v", reason)
	}
	if len(w.records) != robot.controls {
		t.Errorf("%d records for %d commands", len(w.records), robot.controls)
	}

	var sawForce, sawCollect bool
	for i, rec := range w.records {
		if !rec.Initialized() {
			t.Fatalf("record %d has no measured pose", i)
		}
		if rec.UsingForceControl != (robot.modes[i] == ModeHybridForce) {
			t.Errorf("record %d flag disagrees with command mode", i)
		}
		sawForce = sawForce || rec.UsingForceControl
		sawCollect = sawCollect || rec.CollectPoints
	}
	if !sawForce || !sawCollect {
		t.Error("expected a force-controlled contact")
	}
	last := w.records[len(w.records)-1]
	if last.AttemptID != 1 || State(last.State) != StateReturn {
		t.Errorf("last record attempt %d state %d", last.AttemptID, last.State)
	}
}

func TestLoopStopsOnRequest(t *testing.T) {
	sm := safety.New()
	robot := &mockRobot{pose: startPose()}
	robot.onControl = func(n int) {
		if n == 3 {
			sm.RequestStop(safety.ReasonUserInterrupt, "interrupt")
		}
	}
	w := &recordingWriter{}
	oracle := &fakeOracle{points: []r3.Vec{{}}, normals: []r3.Vec{{Z: 1}}}

	if err := newTestLoop(robot, oracle, w, sm).Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if robot.controls != 3 || len(w.records) != 3 {
		t.Errorf("controls %d records %d, want 3", robot.controls, len(w.records))
	}
}

func TestLoopFirstStateTimeout(t *testing.T) {
	robot := &mockRobot{readyAfter: 1 << 30, pose: startPose()}
	l := newTestLoop(robot, &fakeOracle{}, &recordingWriter{}, safety.New())
	l.cfg.FirstStateTimeout = 5 * time.Millisecond

	err := l.Run()
	if !perrors.Is(err, perrors.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if FaultReason(err) != safety.ReasonTimeout {
		t.Errorf("reason = %v", FaultReason(err))
	}
	if robot.controls != 0 {
		t.Error("no command should be sent before the first state")
	}
}

func TestLoopRobotFailureIsNotRetried(t *testing.T) {
	robot := &mockRobot{pose: startPose(), failAfter: 2}
	w := &recordingWriter{}
	err := newTestLoop(robot, &fakeOracle{}, w, safety.New()).Run()
	if !perrors.Is(err, perrors.ErrRobot) {
		t.Fatalf("expected robot error, got %v", err)
	}
	if robot.controls != 2 || len(w.records) != 1 {
		t.Errorf("controls %d records %d", robot.controls, len(w.records))
	}
	if FaultReason(err) != safety.ReasonRobotFault {
		t.Errorf("reason = %v", FaultReason(err))
	}
}

func TestLoopTelemetryFailure(t *testing.T) {
	robot := &mockRobot{pose: startPose()}
	w := &recordingWriter{err: perrors.TelemetryError("write", errors.New("unmapped"))}
	err := newTestLoop(robot, &fakeOracle{}, w, safety.New()).Run()
	if FaultReason(err) != safety.ReasonTelemetryFault {
		t.Errorf("reason = %v for %v", FaultReason(err), err)
	}
}
