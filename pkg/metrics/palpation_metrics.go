// Palpation run metrics
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import "time"

// PalpationMetrics groups the gauges and counters the monitor updates from
// the telemetry stream, plus loop pacing statistics.
type PalpationMetrics struct {
	registry *Registry

	Samples          *Counter
	Skipped          *Counter
	Attempts         *Counter
	SubsurfacePoints *Counter
	LoopLag          *Counter

	State       *Gauge
	ForceNorm   *Gauge
	Progress    *Gauge
	Stiffness   *Gauge
	ForceMode   *Gauge
	StreamPeers *Gauge

	PollInterval *Histogram
}

// NewPalpationMetrics creates and registers the palpation metric set.
func NewPalpationMetrics() *PalpationMetrics {
	pm := &PalpationMetrics{
		registry: NewRegistry(),

		Samples:          NewCounter("palpation_samples_total", "Telemetry records stored in the dataset"),
		Skipped:          NewCounter("palpation_samples_skipped_total", "Polls that found an uninitialized record"),
		Attempts:         NewCounter("palpation_attempts_total", "Completed palpation attempts"),
		SubsurfacePoints: NewCounter("palpation_subsurface_points_total", "Positions collected while in force mode"),
		LoopLag:          NewCounter("palpation_loop_lag_total", "Loop iterations that overran their budget"),

		State:       NewGauge("palpation_state", "Current palpation state (-1 init, 0 above, 1 palpate, 2 return)"),
		ForceNorm:   NewGauge("palpation_force_newtons", "Magnitude of the measured force"),
		Progress:    NewGauge("palpation_progress", "Normalized progress into the surface"),
		Stiffness:   NewGauge("palpation_stiffness", "Stiffness estimate of the current attempt"),
		ForceMode:   NewGauge("palpation_force_mode", "1 while force oscillation control is active"),
		StreamPeers: NewGauge("palpation_stream_clients", "Connected live pose stream clients"),

		PollInterval: NewHistogram("palpation_poll_interval_seconds", "Time between monitor polls",
			ExponentialBuckets(0.005, 2, 8)),
	}
	for _, m := range []Metric{
		pm.Samples, pm.Skipped, pm.Attempts, pm.SubsurfacePoints, pm.LoopLag,
		pm.State, pm.ForceNorm, pm.Progress, pm.Stiffness, pm.ForceMode, pm.StreamPeers,
		pm.PollInterval,
	} {
		pm.registry.MustRegister(m)
	}
	return pm
}

// Sample captures the fields of one telemetry record the metrics track.
type Sample struct {
	State     int
	ForceNorm float64
	Progress  float64
	Stiffness float64
	ForceMode bool
	Collect   bool
}

// ObserveSample updates gauges and counters from one stored record.
func (pm *PalpationMetrics) ObserveSample(s Sample) {
	pm.Samples.Inc(nil)
	pm.State.Set(nil, float64(s.State))
	pm.ForceNorm.Set(nil, s.ForceNorm)
	pm.Progress.Set(nil, s.Progress)
	pm.Stiffness.Set(nil, s.Stiffness)
	if s.ForceMode {
		pm.ForceMode.Set(nil, 1)
	} else {
		pm.ForceMode.Set(nil, 0)
	}
	if s.Collect {
		pm.SubsurfacePoints.Inc(nil)
	}
}

// ObserveLag counts an overrun of the named loop.
func (pm *PalpationMetrics) ObserveLag(loop string) {
	pm.LoopLag.Inc(Labels{"loop": loop})
}

// ObservePoll records the interval between two monitor polls.
func (pm *PalpationMetrics) ObservePoll(d time.Duration) {
	pm.PollInterval.ObserveDuration(nil, d)
}

// Registry returns the registry holding the palpation metrics.
func (pm *PalpationMetrics) Registry() *Registry {
	return pm.registry
}

// Gather renders the palpation metrics in Prometheus text format.
func (pm *PalpationMetrics) Gather() string {
	return pm.registry.Gather()
}
