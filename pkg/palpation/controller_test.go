package palpation

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
	"github.com/raghavauppuluri13/robot-palpation/pkg/geom"
	"github.com/raghavauppuluri13/robot-palpation/pkg/interp"
)

type fakeOracle struct {
	points   []r3.Vec
	normals  []r3.Vec
	next     int
	outcomes []float64
	grids    int
	err      error
}

func (o *fakeOracle) Next() (r3.Vec, r3.Vec, error) {
	if o.err != nil {
		return r3.Vec{}, r3.Vec{}, o.err
	}
	if o.next >= len(o.points) {
		return r3.Vec{}, r3.Vec{}, ErrSearchExhausted
	}
	i := o.next
	o.next++
	return o.points[i], o.normals[i], nil
}

func (o *fakeOracle) UpdateOutcome(v float64) { o.outcomes = append(o.outcomes, v) }

func (o *fakeOracle) GridEstimate() []GridCell {
	o.grids++
	return []GridCell{{Center: [3]float64{0, 0, 0}, Normal: [3]float64{0, 0, 1}}}
}

func (o *fakeOracle) SaveHistory(string) error { return nil }

func testParams() Params {
	return Params{
		RateHz:              10,
		StepFast:            2,
		StepSlow:            4,
		BufferSize:          4,
		Depth:               0.01,
		Clearance:           0.05,
		ForceLimit:          5,
		StiffnessScale:      1,
		StiffnessNoiseFloor: 0.05,
		ResetPose:           geom.Pose{Pos: r3.Vec{Z: 0.3}, Rot: geom.QuatXYZW([4]float64{1, 0, 0, 0})},
		OscPeriod:           1,
		OscAmplitude:        0.004,
		DownwardBias:        5,
		PrimaryWeight:       10,
		SecondaryWeight:     0.1,
		SecondaryTool:       r3.Vec{Y: 1},
		SecondaryWorld:      r3.Vec{Y: -1},
	}
}

// bench drives a controller against a spring surface at z=0 with perfect
// position tracking. Under force control the tool creeps into the surface.
type bench struct {
	t      *testing.T
	c      *Controller
	oracle *fakeOracle
	pose   geom.Pose
	k      float64
	creep  float64
}

func newBench(t *testing.T, points ...r3.Vec) *bench {
	o := &fakeOracle{points: points}
	for range points {
		o.normals = append(o.normals, r3.Vec{Z: 1})
	}
	c := NewController(testParams(), interp.New(), o)
	b := &bench{t: t, c: c, oracle: o, k: 1000, creep: 0.002,
		pose: geom.Pose{Pos: r3.Vec{X: 0.1, Z: 0.2}, Rot: geom.QuatXYZW([4]float64{1, 0, 0, 0})}}
	c.Start(b.pose)
	return b
}

func (b *bench) force() r3.Vec {
	if pen := -b.pose.Pos.Z; pen > 0 {
		return r3.Vec{Z: b.k * pen}
	}
	return r3.Vec{}
}

func (b *bench) step() (Command, error) {
	cmd, err := b.c.Tick(b.pose, b.force(), true)
	if err != nil {
		return cmd, err
	}
	switch cmd.Mode {
	case ModeOSCPose:
		a := cmd.Action
		b.pose = geom.Pose{
			Pos: r3.Vec{X: a[0], Y: a[1], Z: a[2]},
			Rot: geom.FromAxisAngle(r3.Vec{X: a[3], Y: a[4], Z: a[5]}),
		}
	case ModeHybridForce:
		b.pose.Pos.Z -= b.creep
	}
	return cmd, nil
}

func (b *bench) mustStep() Command {
	b.t.Helper()
	cmd, err := b.step()
	if err != nil {
		b.t.Fatalf("Tick: %v", err)
	}
	return cmd
}

// stepUntil ticks until cond holds, failing after limit ticks.
func (b *bench) stepUntil(limit int, cond func() bool) {
	b.t.Helper()
	for i := 0; i < limit; i++ {
		if cond() {
			return
		}
		b.mustStep()
	}
	b.t.Fatalf("condition not reached after %d ticks (state %v)", limit, b.c.State())
}

func TestStateNext(t *testing.T) {
	s := StateInit
	want := []State{StateAbove, StatePalpate, StateReturn, StateAbove, StatePalpate}
	for i, w := range want {
		s = s.Next()
		if s != w {
			t.Fatalf("step %d: got %v, want %v", i, s, w)
		}
	}
	if StateInit.String() != "init" || StateReturn.String() != "return" {
		t.Error("unexpected state names")
	}
}

func TestGoalQueueOrder(t *testing.T) {
	var q GoalQueue
	reset := geom.Pose{Pos: r3.Vec{X: 1}}
	palp := geom.Pose{Pos: r3.Vec{X: 2}}
	above := geom.Pose{Pos: r3.Vec{X: 3}}
	q.PushTriplet(reset, palp, above)
	if q.Len() != 3 {
		t.Fatalf("len = %d", q.Len())
	}
	for i, want := range []geom.Pose{above, palp, reset} {
		if got := q.Pop(); got != want {
			t.Errorf("pop %d = %v, want %v", i, got, want)
		}
	}
	if !q.Empty() {
		t.Error("queue should be empty")
	}
}

func TestGoalQueueRejectsPartialTriplet(t *testing.T) {
	var q GoalQueue
	q.PushTriplet(geom.Identity, geom.Identity, geom.Identity)
	q.Pop()
	defer func() {
		err := perrors.FromPanic(recover())
		if err == nil || err.Code != perrors.ErrPrecondition {
			t.Errorf("expected precondition panic, got %v", err)
		}
	}()
	q.PushTriplet(geom.Identity, geom.Identity, geom.Identity)
}

func TestStateCycle(t *testing.T) {
	b := newBench(t, r3.Vec{}, r3.Vec{X: 0.01})

	var seen []State
	seen = append(seen, b.c.State())
	var err error
	for i := 0; i < 500; i++ {
		if _, err = b.step(); err != nil {
			break
		}
		if s := b.c.State(); s != seen[len(seen)-1] {
			seen = append(seen, s)
		}
	}
	if !errors.Is(err, ErrSearchExhausted) {
		t.Fatalf("expected search exhaustion, got %v", err)
	}

	want := []State{StateInit, StateAbove, StatePalpate, StateReturn, StateAbove, StatePalpate, StateReturn}
	if len(seen) != len(want) {
		t.Fatalf("states = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("states = %v, want %v", seen, want)
		}
	}
	if b.c.AttemptID() != 2 {
		t.Errorf("attempt id = %d, want 2", b.c.AttemptID())
	}
	if len(b.oracle.outcomes) != 2 {
		t.Fatalf("outcomes = %v", b.oracle.outcomes)
	}
	for _, o := range b.oracle.outcomes {
		if o <= 0 {
			t.Errorf("outcome %v should be positive for a stiff surface", o)
		}
	}
	if b.oracle.grids != 2 {
		t.Errorf("grid snapshots = %d, want 2", b.oracle.grids)
	}
}

func TestProbeTriplet(t *testing.T) {
	b := newBench(t, r3.Vec{})
	b.stepUntil(10, func() bool { return b.c.QueuedGoals() == 3 })

	q := b.c.goals
	reset, palp, above := q.poses[0], q.poses[1], q.poses[2]
	if r3.Norm(r3.Sub(palp.Pos, r3.Vec{Z: -0.01})) > 1e-12 {
		t.Errorf("palpate pose at %v", palp.Pos)
	}
	if r3.Norm(r3.Sub(above.Pos, r3.Vec{Z: 0.05})) > 1e-12 {
		t.Errorf("above pose at %v", above.Pos)
	}
	if palp.Rot != above.Rot {
		t.Error("palpate and above poses should share an orientation")
	}
	if reset != testParams().ResetPose {
		t.Errorf("reset pose = %v", reset)
	}
	if got := geom.Rotate(palp.Rot, r3.Vec{Z: -1}); r3.Norm(r3.Sub(got, r3.Vec{Z: 1})) > 1e-9 {
		t.Errorf("tool approach axis maps to %v", got)
	}
	rec := b.c.Record()
	if rec.ProbePoint != [3]float64{} || rec.SurfaceNormal != [3]float64{0, 0, 1} {
		t.Errorf("probe in record = %v %v", rec.ProbePoint, rec.SurfaceNormal)
	}
}

func TestNormalAlongSecondaryAxis(t *testing.T) {
	// normals parallel to the secondary world axis still get a probe
	for _, n := range []r3.Vec{{Y: -1}, {Y: 1}} {
		o := &fakeOracle{points: []r3.Vec{{}}, normals: []r3.Vec{n}}
		c := NewController(testParams(), interp.New(), o)
		c.Start(testParams().ResetPose)
		for i := 0; i < 10 && c.QueuedGoals() != 3; i++ {
			if _, err := c.Tick(testParams().ResetPose, r3.Vec{}, false); err != nil {
				t.Fatalf("normal %v: %v", n, err)
			}
		}
		if c.QueuedGoals() != 3 {
			t.Fatalf("normal %v: queued %d goals, want 3", n, c.QueuedGoals())
		}
		palp := c.goals.poses[1]
		if got := geom.Rotate(palp.Rot, r3.Vec{Z: -1}); r3.Norm(r3.Sub(got, n)) > 1e-9 {
			t.Errorf("normal %v: tool approach axis maps to %v", n, got)
		}
		if r3.Norm(r3.Sub(palp.Pos, r3.Scale(-0.01, n))) > 1e-12 {
			t.Errorf("normal %v: palpate pose at %v", n, palp.Pos)
		}
	}
}

func TestNonUnitNormalPanics(t *testing.T) {
	o := &fakeOracle{points: []r3.Vec{{}}, normals: []r3.Vec{{Z: 2}}}
	c := NewController(testParams(), interp.New(), o)
	c.Start(testParams().ResetPose)
	defer func() {
		err := perrors.FromPanic(recover())
		if err == nil || err.Code != perrors.ErrPrecondition {
			t.Errorf("expected precondition panic, got %v", err)
		}
	}()
	for i := 0; i < 10; i++ {
		c.Tick(testParams().ResetPose, r3.Vec{}, false)
	}
}

func TestOracleErrorIsWrapped(t *testing.T) {
	o := &fakeOracle{err: errors.New("backend down")}
	c := NewController(testParams(), interp.New(), o)
	c.Start(testParams().ResetPose)
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		_, err = c.Tick(testParams().ResetPose, r3.Vec{}, false)
	}
	if !perrors.Is(err, perrors.ErrSearch) {
		t.Errorf("expected SEARCH error, got %v", err)
	}
}

func TestProgress(t *testing.T) {
	c := NewController(testParams(), interp.New(), &fakeOracle{})
	c.normal = r3.Vec{Z: 1}
	c.entry = r3.Vec{Z: 0.05}
	c.palpGoal = r3.Vec{Z: -0.01}

	if p := c.computeProgress(c.entry); p != 0 {
		t.Errorf("progress at entry = %v", p)
	}
	prev := 0.0
	for _, z := range []float64{0.04, 0.02, 0, -0.01, -0.02} {
		p := c.computeProgress(r3.Vec{Z: z})
		if p <= prev {
			t.Errorf("progress at z=%v is %v, not above %v", z, p, prev)
		}
		prev = p
	}
	if p := c.computeProgress(r3.Vec{Z: -0.02}); p <= 1 {
		t.Errorf("progress past the goal = %v, want > 1", p)
	}
	mid := c.computeProgress(r3.Vec{Z: 0.02})
	if side := c.computeProgress(r3.Vec{X: 0.3, Y: -0.2, Z: 0.02}); math.Abs(side-mid) > 1e-12 {
		t.Errorf("perpendicular motion changed progress: %v vs %v", side, mid)
	}

	c.palpGoal = c.entry
	if p := c.computeProgress(r3.Vec{Z: 0.04}); math.IsInf(p, 0) || math.IsNaN(p) {
		t.Errorf("degenerate progress = %v", p)
	}
}

func TestStiffness(t *testing.T) {
	got := Stiffness(10, 0.02, 1)
	if math.Abs(got-10/0.020001) > 1e-9 {
		t.Errorf("stiffness = %v", got)
	}
	if math.Abs(Stiffness(10, 0.02, 1000)-got/1000) > 1e-12 {
		t.Error("scale should divide the estimate")
	}
}

// enterForceMode drives the bench into a latched contact.
func enterForce(b *bench) {
	b.t.Helper()
	b.stepUntil(100, func() bool { return b.c.ForceMode() })
}

func TestForceModeLatch(t *testing.T) {
	b := newBench(t, r3.Vec{})
	enterForce(b)
	if !b.c.Collecting() {
		t.Error("collect flag should be set with force control")
	}
	if len(b.oracle.outcomes) != 1 {
		t.Fatalf("outcomes = %v", b.oracle.outcomes)
	}
	attempt := b.c.AttemptID()

	// Force vanishes but the press is not complete.
	b.pose.Pos.Z = 0.01
	for i := 0; i < 5; i++ {
		cmd, err := b.c.Tick(b.pose, r3.Vec{}, true)
		if err != nil {
			t.Fatal(err)
		}
		if !b.c.ForceMode() || cmd.Mode != ModeHybridForce {
			t.Fatalf("tick %d: force control dropped with progress %v", i, b.c.Progress())
		}
		if b.c.State() != StatePalpate {
			t.Fatalf("state changed to %v", b.c.State())
		}
	}

	b.pose.Pos.Z = -0.02
	cmd, err := b.c.Tick(b.pose, r3.Vec{}, true)
	if err != nil {
		t.Fatal(err)
	}
	if b.c.ForceMode() || b.c.Collecting() {
		t.Error("force control should end once progress reaches 1")
	}
	if b.c.State() != StateReturn {
		t.Errorf("state = %v, want return", b.c.State())
	}
	if b.c.AttemptID() != attempt+1 {
		t.Errorf("attempt id = %d, want %d", b.c.AttemptID(), attempt+1)
	}
	if cmd.Mode != ModeOSCPose {
		t.Errorf("mode = %v after release", cmd.Mode)
	}
}

func TestHybridCommand(t *testing.T) {
	b := newBench(t, r3.Vec{})
	b.creep = 0
	enterForce(b)

	rec := b.c.Record()
	if rec.Stiffness <= 0 || !rec.UsingForceControl || !rec.CollectPoints {
		t.Errorf("record = %+v", *rec)
	}

	n := len(b.c.osc)
	if n != 10 {
		t.Fatalf("oscillation samples = %d, want 10", n)
	}
	var first, prev []float64
	for i := 0; i <= n; i++ {
		cmd := b.mustStep()
		if cmd.Mode != ModeHybridForce || cmd.Profile != ProfileHybrid {
			t.Fatalf("tick %d: mode %v profile %v", i, cmd.Mode, cmd.Profile)
		}
		if len(cmd.Action) != HybridActionLen {
			t.Fatalf("action len = %d", len(cmd.Action))
		}
		if cmd.Action[6] != 0 || cmd.Action[7] != 0 || cmd.Action[8] != -5 {
			t.Errorf("bias slots = %v", cmd.Action[6:])
		}
		if i == 0 {
			first = cmd.Action
		}
		if i == n && (cmd.Action[0] != first[0] || cmd.Action[1] != first[1]) {
			t.Errorf("playback did not wrap: %v vs %v", cmd.Action[:2], first[:2])
		}
		if prev != nil && cmd.Action[0] == prev[0] && cmd.Action[1] == prev[1] {
			t.Errorf("tick %d repeats offset %v", i, cmd.Action[:2])
		}
		prev = cmd.Action
	}
}

func TestPositionCommandRecord(t *testing.T) {
	b := newBench(t, r3.Vec{})
	cmd := b.mustStep()
	if cmd.Mode != ModeOSCPose || cmd.Profile != ProfileOSCAbsolute {
		t.Fatalf("mode %v profile %v", cmd.Mode, cmd.Profile)
	}
	if len(cmd.Action) != PoseActionLen || cmd.Action[6] != 0 {
		t.Fatalf("action = %v", cmd.Action)
	}
	rec := b.c.Record()
	for i := 0; i < 7; i++ {
		if rec.RawAction[i] != cmd.Action[i] {
			t.Errorf("raw_action[%d] = %v, want %v", i, rec.RawAction[i], cmd.Action[i])
		}
	}
	if rec.RawAction[7] != 0 || rec.RawAction[8] != 0 {
		t.Error("unused action slots should be zero")
	}
	if rec.State != int64(StateInit) || rec.AttemptID != 0 {
		t.Errorf("state %d attempt %d", rec.State, rec.AttemptID)
	}
	if rec.TargetPos != [3]float64{cmd.Action[0], cmd.Action[1], cmd.Action[2]} {
		t.Errorf("target pos = %v", rec.TargetPos)
	}
	if rec.Stiffness != 0 || rec.Progress != 0 {
		t.Error("stiffness and progress should be zero outside PALPATE")
	}
}

func TestSampleAndHold(t *testing.T) {
	b := newBench(t, r3.Vec{})
	if _, err := b.c.Tick(b.pose, r3.Vec{X: 1, Y: 2, Z: 3}, true); err != nil {
		t.Fatal(err)
	}
	if _, err := b.c.Tick(b.pose, r3.Vec{}, false); err != nil {
		t.Fatal(err)
	}
	if got := b.c.Record().Force; got != [3]float64{1, 2, 3} {
		t.Errorf("force = %v, want held sample", got)
	}
}

func TestNoiseFloorReportsZero(t *testing.T) {
	b := newBench(t, r3.Vec{})
	b.k = 600 // triggers at 6 N, estimate below a raised floor
	b.c.p.StiffnessNoiseFloor = 1e6
	enterForce(b)
	if b.oracle.outcomes[0] != 0 {
		t.Errorf("outcome = %v, want 0 below noise floor", b.oracle.outcomes[0])
	}
	if b.c.Record().Stiffness <= 0 {
		t.Error("record keeps the raw estimate")
	}
}

func TestPressWithoutContact(t *testing.T) {
	b := newBench(t, r3.Vec{})
	b.k = 0
	// Tracking stops short of the goal so progress stays below 1.
	b.stepUntil(100, func() bool { return b.c.State() == StatePalpate })
	for i := 0; i < 20 && b.c.State() == StatePalpate; i++ {
		if _, err := b.c.Tick(b.pose, r3.Vec{}, true); err != nil {
			t.Fatal(err)
		}
	}
	if b.c.State() != StateReturn {
		t.Fatalf("state = %v, want return", b.c.State())
	}
	if len(b.oracle.outcomes) != 1 || b.oracle.outcomes[0] != 0 {
		t.Errorf("outcomes = %v", b.oracle.outcomes)
	}
	if b.c.AttemptID() != 0 || b.c.Abandoned() != 1 {
		t.Errorf("attempt id = %d abandoned = %d, want 0 and 1", b.c.AttemptID(), b.c.Abandoned())
	}
	if b.c.Record().AttemptID != 0 {
		t.Errorf("record attempt id = %d", b.c.Record().AttemptID)
	}
}

func TestTickBeforeStart(t *testing.T) {
	c := NewController(testParams(), interp.New(), &fakeOracle{})
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	c.Tick(geom.Identity, r3.Vec{}, false)
}
