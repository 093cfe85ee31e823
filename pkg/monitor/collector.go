// Package monitor is the consumer side of the telemetry channel. It polls
// the shared record at its own rate, builds the dataset and the
// sub-surface point collection, feeds metrics and the live stream, and
// persists everything when the run ends.
package monitor

import (
	"context"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/raghavauppuluri13/robot-palpation/pkg/log"
	"github.com/raghavauppuluri13/robot-palpation/pkg/metrics"
	"github.com/raghavauppuluri13/robot-palpation/pkg/publish"
	"github.com/raghavauppuluri13/robot-palpation/pkg/ratekeeper"
	"github.com/raghavauppuluri13/robot-palpation/pkg/telemetry"
)

// Source yields the latest telemetry record.
type Source interface {
	Read(rec *telemetry.Record) error
}

// Config wires a Collector.
type Config struct {
	Source    Source
	Rate      *ratekeeper.Ratekeeper
	Metrics   *metrics.PalpationMetrics
	Publisher publish.Publisher
	Stream    *Stream
	Session   string
}

// Collector accumulates telemetry samples.
type Collector struct {
	cfg    Config
	logger *log.Logger
	now    func() time.Time
	start  time.Time

	mu         sync.Mutex
	latest     telemetry.Record
	haveLatest bool
	samples    []Sample
	subsurface []r3.Vec
	skipped    uint64
	lastPoll   time.Time

	// current attempt as last seen
	attempt   int64
	stiffness float64
	probe     [3]float64
	normal    [3]float64
	outcomes  []publish.Attempt
}

// Sample is one stored record with its time since the collector started.
type Sample struct {
	T      float64
	Record telemetry.Record
}

// NewCollector returns a collector for cfg. Publisher, Stream and Metrics
// are optional.
func NewCollector(cfg Config) *Collector {
	if cfg.Publisher == nil {
		cfg.Publisher = publish.Nop{}
	}
	c := &Collector{
		cfg:    cfg,
		logger: log.GetLogger("monitor"),
		now:    time.Now,
	}
	c.start = c.now()
	return c
}

// Run polls until ctx is done. Source errors end the run.
func (c *Collector) Run(ctx context.Context) error {
	if c.cfg.Rate != nil && c.cfg.Metrics != nil {
		c.cfg.Rate.OnLag = func(time.Duration) { c.cfg.Metrics.ObserveLag("monitor") }
	}
	c.logger.Info("collecting telemetry")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("collector stopped after %d samples", c.SampleCount())
			return nil
		default:
		}
		if err := c.Poll(); err != nil {
			return err
		}
		if c.cfg.Rate != nil {
			c.cfg.Rate.KeepTime()
		}
	}
}

// Poll reads the record once and stores it if the writer has published.
func (c *Collector) Poll() error {
	var rec telemetry.Record
	if err := c.cfg.Source.Read(&rec); err != nil {
		return err
	}
	now := c.now()

	c.mu.Lock()
	if !c.lastPoll.IsZero() && c.cfg.Metrics != nil {
		c.cfg.Metrics.ObservePoll(now.Sub(c.lastPoll))
	}
	c.lastPoll = now
	if !rec.Initialized() {
		c.skipped++
		c.mu.Unlock()
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.Skipped.Inc(nil)
		}
		return nil
	}

	t := now.Sub(c.start).Seconds()
	if !c.haveLatest {
		c.attempt = rec.AttemptID
	}
	c.latest = rec
	c.haveLatest = true
	c.samples = append(c.samples, Sample{T: t, Record: rec})
	if rec.CollectPoints {
		c.subsurface = append(c.subsurface, r3.Vec{X: rec.MeasuredPos[0], Y: rec.MeasuredPos[1], Z: rec.MeasuredPos[2]})
	}
	finished, done := c.trackAttempt(&rec, now)
	c.mu.Unlock()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ObserveSample(metrics.Sample{
			State:     int(rec.State),
			ForceNorm: r3.Norm(r3.Vec{X: rec.Force[0], Y: rec.Force[1], Z: rec.Force[2]}),
			Progress:  rec.Progress,
			Stiffness: rec.Stiffness,
			ForceMode: rec.UsingForceControl,
			Collect:   rec.CollectPoints,
		})
	}
	if c.cfg.Stream != nil {
		c.cfg.Stream.Broadcast(poseMessage(t, &rec))
	}
	if done {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.Attempts.Inc(nil)
		}
		c.logger.WithField("attempt", finished.AttemptID).
			Infof("attempt finished, stiffness %.4f", finished.Stiffness)
		if err := c.cfg.Publisher.PublishAttempt(finished); err != nil {
			c.logger.WithError(err).Warn("attempt publish failed")
		}
	}
	return nil
}

// trackAttempt follows the attempt counter. The stiffness of an attempt
// is the last non-zero estimate seen before the counter moved. Must be
// called with mu held.
func (c *Collector) trackAttempt(rec *telemetry.Record, now time.Time) (publish.Attempt, bool) {
	if rec.AttemptID != c.attempt {
		prev := publish.Attempt{
			Session:   c.cfg.Session,
			AttemptID: c.attempt,
			Stiffness: c.stiffness,
			Probe:     c.probe,
			Normal:    c.normal,
			Time:      now,
		}
		c.attempt = rec.AttemptID
		c.stiffness = 0
		c.probe = rec.ProbePoint
		c.normal = rec.SurfaceNormal
		c.outcomes = append(c.outcomes, prev)
		return prev, true
	}
	if rec.Stiffness != 0 {
		c.stiffness = rec.Stiffness
	}
	c.probe = rec.ProbePoint
	c.normal = rec.SurfaceNormal
	return publish.Attempt{}, false
}

func poseMessage(t float64, rec *telemetry.Record) PoseMessage {
	return PoseMessage{
		Time:      t,
		AttemptID: rec.AttemptID,
		State:     rec.State,
		Position:  rec.MeasuredPos,
		Quat:      rec.MeasuredQuat,
		Target:    rec.TargetPos,
		Force:     rec.Force,
		Progress:  rec.Progress,
		Stiffness: rec.Stiffness,
		ForceMode: rec.UsingForceControl,
	}
}

// Latest returns the last stored record.
func (c *Collector) Latest() (telemetry.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.haveLatest
}

// SampleCount returns the number of stored samples.
func (c *Collector) SampleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// Samples returns a copy of the stored samples.
func (c *Collector) Samples() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sample(nil), c.samples...)
}

// Subsurface returns a copy of the collected positions.
func (c *Collector) Subsurface() []r3.Vec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]r3.Vec(nil), c.subsurface...)
}

// Outcomes returns the attempts seen to finish.
func (c *Collector) Outcomes() []publish.Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publish.Attempt(nil), c.outcomes...)
}

// Skipped returns the number of polls that found no published record.
func (c *Collector) Skipped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipped
}
