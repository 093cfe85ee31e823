// Package search proposes probe points over a region of interest.
package search

import (
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
	"github.com/raghavauppuluri13/robot-palpation/pkg/geom"
	"github.com/raghavauppuluri13/robot-palpation/pkg/log"
	"github.com/raghavauppuluri13/robot-palpation/pkg/palpation"
	"github.com/raghavauppuluri13/robot-palpation/pkg/surface"
)

// File names written by SaveHistory.
const (
	HistoryFile = "history.json"
	GridFile    = "grid.json"
)

type cellKey [3]int64

type cell struct {
	key     cellKey
	center  r3.Vec
	normal  r3.Vec
	points  int
	visited bool
	value   float64
}

// Probe is one entry of the search history.
type Probe struct {
	Attempt int        `json:"attempt"`
	Cell    int        `json:"cell"`
	Point   [3]float64 `json:"point"`
	Normal  [3]float64 `json:"normal"`
	Outcome *float64   `json:"outcome"`
	Time    time.Time  `json:"time"`
}

// RandomSearch visits the voxel cells of an ROI in random order, once
// each. It is the reference oracle; it models nothing about the surface.
type RandomSearch struct {
	mu        sync.Mutex
	gridSize  float64
	cells     []cell
	remaining []int
	rng       *rand.Rand
	maxProbes int
	history   []Probe
	pending   int
	logger    *log.Logger
}

// NewRandomSearch bins pts into cubic cells of side gridSize. Each cell
// proposes the mean position and normal of its points. maxProbes of 0
// means no limit.
func NewRandomSearch(pts []surface.Point, gridSize float64, seed int64, maxProbes int) (*RandomSearch, error) {
	if gridSize <= 0 {
		return nil, perrors.New(perrors.ErrSearch, "grid size must be positive")
	}
	if len(pts) == 0 {
		return nil, perrors.New(perrors.ErrSearch, "no ROI points")
	}

	byKey := make(map[cellKey]*cell)
	for _, p := range pts {
		k := cellKey{
			int64(math.Floor(p.Pos.X / gridSize)),
			int64(math.Floor(p.Pos.Y / gridSize)),
			int64(math.Floor(p.Pos.Z / gridSize)),
		}
		c, ok := byKey[k]
		if !ok {
			c = &cell{key: k}
			byKey[k] = c
		}
		c.center = r3.Add(c.center, p.Pos)
		c.normal = r3.Add(c.normal, p.Normal)
		c.points++
	}

	s := &RandomSearch{
		gridSize:  gridSize,
		rng:       rand.New(rand.NewSource(seed)),
		maxProbes: maxProbes,
		pending:   -1,
		logger:    log.GetLogger("search"),
	}
	for _, c := range byKey {
		c.center = r3.Scale(1/float64(c.points), c.center)
		if r3.Norm(c.normal) < 1e-9 {
			c.normal = surface.Up
		} else {
			c.normal = r3.Unit(c.normal)
		}
		s.cells = append(s.cells, *c)
	}
	// map order is random; sort so a seed reproduces the same sequence
	sort.Slice(s.cells, func(i, j int) bool {
		a, b := s.cells[i].key, s.cells[j].key
		for d := 0; d < 3; d++ {
			if a[d] != b[d] {
				return a[d] < b[d]
			}
		}
		return false
	})
	s.remaining = make([]int, len(s.cells))
	for i := range s.remaining {
		s.remaining[i] = i
	}
	s.logger.WithFields(log.Fields{"points": len(pts), "cells": len(s.cells), "grid_size": gridSize}).
		Info("search grid built")
	return s, nil
}

// Next draws an unvisited cell.
func (s *RandomSearch) Next() (r3.Vec, r3.Vec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.remaining) == 0 || (s.maxProbes > 0 && len(s.history) >= s.maxProbes) {
		return r3.Vec{}, r3.Vec{}, palpation.ErrSearchExhausted
	}
	i := s.rng.Intn(len(s.remaining))
	idx := s.remaining[i]
	s.remaining[i] = s.remaining[len(s.remaining)-1]
	s.remaining = s.remaining[:len(s.remaining)-1]

	c := &s.cells[idx]
	c.visited = true
	s.pending = len(s.history)
	s.history = append(s.history, Probe{
		Attempt: len(s.history),
		Cell:    idx,
		Point:   geom.Array3(c.center),
		Normal:  geom.Array3(c.normal),
		Time:    time.Now(),
	})
	return c.center, c.normal, nil
}

// UpdateOutcome records v for the most recent probe. A cell keeps the
// largest outcome reported for it.
func (s *RandomSearch) UpdateOutcome(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending < 0 {
		s.logger.Warn("outcome %.4f without a pending probe", v)
		return
	}
	p := &s.history[s.pending]
	if p.Outcome == nil || v > *p.Outcome {
		p.Outcome = &v
	}
	c := &s.cells[p.Cell]
	if v > c.value {
		c.value = v
	}
}

// GridEstimate returns a snapshot of all cells.
func (s *RandomSearch) GridEstimate() []palpation.GridCell {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]palpation.GridCell, len(s.cells))
	for i, c := range s.cells {
		out[i] = palpation.GridCell{
			Center:  geom.Array3(c.center),
			Normal:  geom.Array3(c.normal),
			Visited: c.visited,
			Value:   c.value,
		}
	}
	return out
}

// Remaining returns the number of unvisited cells.
func (s *RandomSearch) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.remaining)
}

// History returns a copy of the probes made so far.
func (s *RandomSearch) History() []Probe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Probe(nil), s.history...)
}

type gridFile struct {
	GridSize float64              `json:"grid_size"`
	Cells    []palpation.GridCell `json:"cells"`
}

// SaveHistory writes history.json and grid.json into dir.
func (s *RandomSearch) SaveHistory(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return perrors.PersistError(dir, err)
	}
	if err := writeJSON(filepath.Join(dir, HistoryFile), s.History()); err != nil {
		return err
	}
	grid := gridFile{GridSize: s.gridSize, Cells: s.GridEstimate()}
	if err := writeJSON(filepath.Join(dir, GridFile), grid); err != nil {
		return err
	}
	s.logger.WithField("dir", dir).Info("search history saved")
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return perrors.PersistError(path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return perrors.PersistError(path, err)
	}
	return nil
}

// LoadGrid reads a grid.json written by SaveHistory.
func LoadGrid(path string) ([]palpation.GridCell, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g gridFile
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, perrors.Wrap(err, perrors.ErrSearch, "decoding grid").SetContext("path", path)
	}
	return g.Cells, nil
}

var _ palpation.SearchOracle = (*RandomSearch)(nil)
