package search

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/raghavauppuluri13/robot-palpation/pkg/palpation"
	"github.com/raghavauppuluri13/robot-palpation/pkg/surface"
)

// patch places two points in each cell of a 3x3 grid of 0.01 cells.
func patch() []surface.Point {
	var pts []surface.Point
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			c := r3.Vec{X: float64(i)*0.01 + 0.005, Y: float64(j)*0.01 + 0.005, Z: 0.0025}
			pts = append(pts,
				surface.Point{Pos: r3.Add(c, r3.Vec{X: -0.001}), Normal: surface.Up},
				surface.Point{Pos: r3.Add(c, r3.Vec{X: 0.001}), Normal: r3.Unit(r3.Vec{X: 0.1, Z: 1})},
			)
		}
	}
	return pts
}

func TestCells(t *testing.T) {
	s, err := NewRandomSearch(patch(), 0.01, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	cells := s.GridEstimate()
	if len(cells) != 9 {
		t.Fatalf("cells = %d, want 9", len(cells))
	}
	if c := cells[0]; math.Abs(c.Center[0]-0.005) > 1e-12 || math.Abs(c.Center[1]-0.005) > 1e-12 {
		t.Errorf("first cell center = %v", c.Center)
	}
	if n := cells[0].Normal; n[0] <= 0 || math.Abs(n[0]*n[0]+n[1]*n[1]+n[2]*n[2]-1) > 1e-12 {
		t.Errorf("cell normal = %v, want the unit mean", n)
	}
}

func TestVisitsEveryCellOnce(t *testing.T) {
	s, err := NewRandomSearch(patch(), 0.01, 7, 0)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[[3]float64]bool)
	for i := 0; i < 9; i++ {
		p, n, err := s.Next()
		if err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
		if math.Abs(r3.Norm(n)-1) > 1e-12 {
			t.Errorf("normal %v not unit", n)
		}
		k := [3]float64{p.X, p.Y, p.Z}
		if seen[k] {
			t.Errorf("point %v proposed twice", p)
		}
		seen[k] = true
		s.UpdateOutcome(float64(i))
	}
	if _, _, err := s.Next(); !errors.Is(err, palpation.ErrSearchExhausted) {
		t.Errorf("expected exhaustion, got %v", err)
	}
	for _, c := range s.GridEstimate() {
		if !c.Visited {
			t.Errorf("cell %v not visited", c.Center)
		}
	}
}

func TestSeedIsReproducible(t *testing.T) {
	a, _ := NewRandomSearch(patch(), 0.005, 42, 0)
	b, _ := NewRandomSearch(patch(), 0.005, 42, 0)
	for i := 0; i < 5; i++ {
		pa, _, _ := a.Next()
		pb, _, _ := b.Next()
		if pa != pb {
			t.Fatalf("probe %d differs: %v vs %v", i, pa, pb)
		}
	}
}

func TestMaxProbes(t *testing.T) {
	s, _ := NewRandomSearch(patch(), 0.005, 1, 2)
	s.Next()
	s.Next()
	if _, _, err := s.Next(); !errors.Is(err, palpation.ErrSearchExhausted) {
		t.Errorf("expected exhaustion after max probes, got %v", err)
	}
}

func TestOutcomeKeepsMaximum(t *testing.T) {
	s, _ := NewRandomSearch(patch(), 0.05, 1, 0)
	s.UpdateOutcome(3) // no pending probe, ignored
	s.Next()
	s.UpdateOutcome(0.5)
	s.UpdateOutcome(0.2)
	h := s.History()
	if len(h) != 1 || h[0].Outcome == nil || *h[0].Outcome != 0.5 {
		t.Fatalf("history = %+v", h)
	}
	if s.GridEstimate()[0].Value != 0.5 {
		t.Errorf("cell value = %v", s.GridEstimate()[0].Value)
	}
}

func TestSaveHistory(t *testing.T) {
	s, _ := NewRandomSearch(patch(), 0.01, 3, 0)
	s.Next()
	s.UpdateOutcome(1.5)

	dir := filepath.Join(t.TempDir(), "run")
	if err := s.SaveHistory(dir); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, HistoryFile))
	if err != nil {
		t.Fatal(err)
	}
	var h []Probe
	if err := json.Unmarshal(data, &h); err != nil {
		t.Fatal(err)
	}
	if len(h) != 1 || *h[0].Outcome != 1.5 {
		t.Errorf("history = %+v", h)
	}

	cells, err := LoadGrid(filepath.Join(dir, GridFile))
	if err != nil {
		t.Fatal(err)
	}
	visited := 0
	for _, c := range cells {
		if c.Visited {
			visited++
		}
	}
	if len(cells) != 9 || visited != 1 {
		t.Errorf("cells %d visited %d", len(cells), visited)
	}
}

func TestInvalidInput(t *testing.T) {
	if _, err := NewRandomSearch(nil, 0.01, 0, 0); err == nil {
		t.Error("expected error for empty ROI")
	}
	if _, err := NewRandomSearch(patch(), 0, 0, 0); err == nil {
		t.Error("expected error for zero grid size")
	}
}
