package sim

import (
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/raghavauppuluri13/robot-palpation/pkg/geom"
	"github.com/raghavauppuluri13/robot-palpation/pkg/palpation"
)

func testConfig() Config {
	return Config{SurfaceHeight: 0, SurfaceStiffness: 2000, CreepSpeed: 0.001, TrackingGain: 1}
}

func poseAction(p r3.Vec) []float64 {
	return []float64{p.X, p.Y, p.Z, math.Pi, 0, 0, 0}
}

func TestReadyDelay(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyDelay = time.Hour
	if NewRobot(cfg, geom.Identity).Ready() {
		t.Error("robot should not be ready before the delay")
	}
	if !NewRobot(testConfig(), geom.Identity).Ready() {
		t.Error("robot without delay should be ready")
	}
}

func TestTracking(t *testing.T) {
	cfg := testConfig()
	cfg.TrackingGain = 0.5
	r := NewRobot(cfg, geom.Identity)
	if err := r.Control(palpation.ModeOSCPose, poseAction(r3.Vec{Z: 0.2}), palpation.ProfileOSCAbsolute); err != nil {
		t.Fatal(err)
	}
	p, _ := r.Pose()
	if math.Abs(p.Pos.Z-0.1) > 1e-12 {
		t.Errorf("z = %v, want half way", p.Pos.Z)
	}
	if math.Abs(geom.AngleBetween(p.Rot, geom.Identity.Rot)-math.Pi/2) > 1e-9 {
		t.Errorf("rotation not half way: %v", geom.AngleBetween(p.Rot, geom.Identity.Rot))
	}
}

func TestContactForce(t *testing.T) {
	r := NewRobot(testConfig(), geom.Identity)
	s := NewForceSensor(r)
	r.Control(palpation.ModeOSCPose, poseAction(r3.Vec{Z: 0.01}), palpation.ProfileOSCAbsolute)
	if f, ok := s.Read(); !ok || f != (r3.Vec{}) {
		t.Errorf("force above surface = %v %v", f, ok)
	}
	r.Control(palpation.ModeOSCPose, poseAction(r3.Vec{Z: -0.005}), palpation.ProfileOSCAbsolute)
	if f, _ := s.Read(); math.Abs(f.Z-10) > 1e-9 {
		t.Errorf("force at 5mm = %v, want 10 N", f)
	}
}

func TestHybridCreepAndOscillation(t *testing.T) {
	r := NewRobot(testConfig(), geom.Identity)
	r.Control(palpation.ModeOSCPose, poseAction(r3.Vec{X: 0.1}), palpation.ProfileOSCAbsolute)

	act := []float64{0.002, -0.001, 0, 0, 0, 0, 0, 0, -5}
	for i := 0; i < 3; i++ {
		if err := r.Control(palpation.ModeHybridForce, act, palpation.ProfileHybrid); err != nil {
			t.Fatal(err)
		}
	}
	p, _ := r.Pose()
	want := r3.Vec{X: 0.102, Y: -0.001, Z: -0.003}
	if r3.Norm(r3.Sub(p.Pos, want)) > 1e-12 {
		t.Errorf("pose = %v, want %v", p.Pos, want)
	}
	if r.Commands() != 4 {
		t.Errorf("commands = %d", r.Commands())
	}
}

func TestRejectsBadCommands(t *testing.T) {
	r := NewRobot(testConfig(), geom.Identity)
	if err := r.Control(palpation.ModeOSCPose, []float64{1, 2}, palpation.ProfileOSCAbsolute); err == nil {
		t.Error("expected error for short pose action")
	}
	if err := r.Control(palpation.ModeHybridForce, make([]float64, 7), palpation.ProfileHybrid); err == nil {
		t.Error("expected error for short hybrid action")
	}
	r.Close()
	if _, err := r.Pose(); err == nil {
		t.Error("expected error after close")
	}
	if err := r.Control(palpation.ModeOSCPose, poseAction(r3.Vec{}), palpation.ProfileOSCAbsolute); err == nil {
		t.Error("expected error after close")
	}
}
