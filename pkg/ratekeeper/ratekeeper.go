// Package ratekeeper paces a loop to a fixed frequency and reports lag.
package ratekeeper

import (
	"time"

	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
	"github.com/raghavauppuluri13/robot-palpation/pkg/log"
)

// dtWindow is the number of recent iteration times used by Lagging.
const dtWindow = 100

// Clock abstracts monotonic time so tests can drive the keeper.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Ratekeeper schedules frames every interval starting one interval after
// construction. Call KeepTime once at the end of each loop iteration.
type Ratekeeper struct {
	name      string
	interval  time.Duration
	threshold time.Duration
	clock     Clock
	logger    *log.Logger

	nextFrame   time.Time
	lastMonitor time.Time
	frame       int64
	remaining   time.Duration

	dts    [dtWindow]time.Duration
	dtHead int
	dtLen  int
	dtSum  time.Duration

	// OnLag, if set, runs whenever an iteration overruns by more than the
	// report threshold.
	OnLag func(behind time.Duration)
}

// Option configures a Ratekeeper.
type Option func(*Ratekeeper)

// WithClock replaces the system clock.
func WithClock(c Clock) Option { return func(r *Ratekeeper) { r.clock = c } }

// WithLogger sets the logger used for lag reports.
func WithLogger(l *log.Logger) Option { return func(r *Ratekeeper) { r.logger = l } }

// New creates a keeper for rateHz. Overruns larger than threshold are
// logged as lag. Lag is never fatal. rateHz must be positive and give an
// interval of at least a nanosecond.
func New(name string, rateHz float64, threshold time.Duration, opts ...Option) *Ratekeeper {
	perrors.Assert(rateHz > 0, "%s: rate must be positive, got %v", name, rateHz)
	interval := time.Duration(float64(time.Second) / rateHz)
	perrors.Assert(interval > 0, "%s: rate %v Hz is too high", name, rateHz)
	r := &Ratekeeper{
		name:      name,
		interval:  interval,
		threshold: threshold,
		clock:     systemClock{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = log.GetLogger("ratekeeper")
	}
	now := r.clock.Now()
	r.nextFrame = now.Add(r.interval)
	r.lastMonitor = now
	r.pushDT(r.interval)
	return r
}

func (r *Ratekeeper) pushDT(dt time.Duration) {
	if r.dtLen == dtWindow {
		r.dtSum -= r.dts[r.dtHead]
		r.dts[r.dtHead] = dt
		r.dtHead = (r.dtHead + 1) % dtWindow
	} else {
		r.dts[(r.dtHead+r.dtLen)%dtWindow] = dt
		r.dtLen++
	}
	r.dtSum += dt
}

// Interval is the target period.
func (r *Ratekeeper) Interval() time.Duration { return r.interval }

// Frame counts completed iterations.
func (r *Ratekeeper) Frame() int64 { return r.frame }

// Remaining is the budget left at the last iteration; negative when late.
func (r *Ratekeeper) Remaining() time.Duration { return r.remaining }

// Lagging reports whether the average of the recent iteration times
// exceeds the interval by more than 1/0.9.
func (r *Ratekeeper) Lagging() bool {
	avg := float64(r.dtSum) / float64(r.dtLen)
	return avg > float64(r.interval)/0.9
}

// KeepTime records the iteration and sleeps out the remaining budget. It
// returns true when the iteration lagged past the report threshold.
func (r *Ratekeeper) KeepTime() bool {
	lagged := r.MonitorTime()
	if r.remaining > 0 {
		r.clock.Sleep(r.remaining)
	}
	return lagged
}

// MonitorTime records the iteration without sleeping.
func (r *Ratekeeper) MonitorTime() bool {
	now := r.clock.Now()
	r.pushDT(now.Sub(r.lastMonitor))
	r.lastMonitor = now

	remaining := r.nextFrame.Sub(now)
	r.nextFrame = r.nextFrame.Add(r.interval)
	r.frame++
	r.remaining = remaining

	if remaining < -r.threshold {
		behind := -remaining
		r.logger.WithFields(log.Fields{"loop": r.name, "frame": r.frame}).
			Warnf("lagging by %.2f ms", float64(behind)/float64(time.Millisecond))
		if r.OnLag != nil {
			r.OnLag(behind)
		}
		return true
	}
	return false
}
