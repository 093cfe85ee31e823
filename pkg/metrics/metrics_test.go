// Unit tests for Prometheus metrics implementation
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"strings"
	"sync"
	"testing"
)

func TestCounterBasic(t *testing.T) {
	c := NewCounter("attempts_total", "Attempts")

	if v := c.Get(nil); v != 0 {
		t.Errorf("expected initial value 0, got %d", v)
	}
	c.Inc(nil)
	c.Add(nil, 10)
	if v := c.Get(nil); v != 11 {
		t.Errorf("expected 11, got %d", v)
	}
}

func TestCounterWithLabels(t *testing.T) {
	c := NewCounter("lag_total", "Lag")
	c.Inc(Labels{"loop": "control"})
	c.Inc(Labels{"loop": "monitor"})
	c.Inc(Labels{"loop": "monitor"})

	if c.Get(Labels{"loop": "control"}) != 1 || c.Get(Labels{"loop": "monitor"}) != 2 {
		t.Errorf("unexpected per-label counts")
	}

	var sb strings.Builder
	c.Write(&sb)
	out := sb.String()
	if !strings.Contains(out, "# TYPE lag_total counter") {
		t.Errorf("missing TYPE line: %s", out)
	}
	if !strings.Contains(out, `lag_total{loop="monitor"} 2`) {
		t.Errorf("missing labeled series: %s", out)
	}
}

func TestCounterConcurrent(t *testing.T) {
	c := NewCounter("concurrent_total", "Concurrent")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Inc(nil)
			}
		}()
	}
	wg.Wait()
	if v := c.Get(nil); v != 8000 {
		t.Errorf("expected 8000, got %d", v)
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge("force_newtons", "Force")
	g.Set(nil, 2.5)
	g.Add(nil, -0.5)
	if v := g.Get(nil); v != 2 {
		t.Errorf("expected 2, got %v", v)
	}

	var sb strings.Builder
	g.Write(&sb)
	if !strings.Contains(sb.String(), "force_newtons 2\n") {
		t.Errorf("unexpected output: %s", sb.String())
	}
}

func TestHistogram(t *testing.T) {
	h := NewHistogram("poll_seconds", "Poll", []float64{0.1, 0.01, 1})
	h.Observe(nil, 0.005)
	h.Observe(nil, 0.05)
	h.Observe(nil, 0.1)
	h.Observe(nil, 5)

	if h.Count(nil) != 4 {
		t.Errorf("count = %d", h.Count(nil))
	}

	var sb strings.Builder
	h.Write(&sb)
	out := sb.String()
	for _, want := range []string{
		`poll_seconds_bucket{le="0.01"} 1`,
		`poll_seconds_bucket{le="0.1"} 3`,
		`poll_seconds_bucket{le="1"} 3`,
		`poll_seconds_bucket{le="+Inf"} 4`,
		`poll_seconds_count 4`,
		`poll_seconds_sum `,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(NewCounter("a_total", "A"))
	r.MustRegister(NewGauge("b", "B"))

	if err := r.Register(NewGauge("a_total", "dup")); err == nil {
		t.Error("expected duplicate registration error")
	}

	out := r.Gather()
	if strings.Index(out, "a_total") > strings.Index(out, "# HELP b ") {
		t.Errorf("expected registration order:\n%s", out)
	}
}

func TestPalpationMetrics(t *testing.T) {
	pm := NewPalpationMetrics()
	pm.ObserveSample(Sample{State: 1, ForceNorm: 3.5, Progress: 0.4, ForceMode: true, Collect: true})
	pm.ObserveSample(Sample{State: 2})
	pm.ObserveLag("monitor")

	if pm.Samples.Get(nil) != 2 {
		t.Errorf("samples = %d", pm.Samples.Get(nil))
	}
	if pm.SubsurfacePoints.Get(nil) != 1 {
		t.Errorf("subsurface points = %d", pm.SubsurfacePoints.Get(nil))
	}
	if pm.State.Get(nil) != 2 || pm.ForceMode.Get(nil) != 0 {
		t.Errorf("gauges not updated from last sample")
	}

	out := pm.Gather()
	if !strings.Contains(out, `palpation_loop_lag_total{loop="monitor"} 1`) {
		t.Errorf("missing lag series:\n%s", out)
	}
}
