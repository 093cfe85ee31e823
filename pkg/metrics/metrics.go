// Prometheus text-format metrics
//
// Counters, gauges and histograms keyed by label sets, gathered into
// the Prometheus exposition format by a Registry.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Labels represents metric labels as key-value pairs
type Labels map[string]string

func (l Labels) sortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// key identifies a label set inside a metric family.
func (l Labels) key() string {
	var sb strings.Builder
	for _, k := range l.sortedKeys() {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(l[k])
		sb.WriteByte(',')
	}
	return sb.String()
}

// String returns labels in Prometheus format
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=%q", k, l[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

func (l Labels) with(k, v string) Labels {
	out := make(Labels, len(l)+1)
	for lk, lv := range l {
		out[lk] = lv
	}
	out[k] = v
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Metric is the interface for all metric types
type Metric interface {
	Name() string
	Write(sb *strings.Builder)
}

// family holds one value per label set. Series are created on first use
// and never removed.
type family[V any] struct {
	name, help, kind string
	series           sync.Map // label key -> *entry[V]
	newValue         func() V
	clone            func(V) V
}

type entry[V any] struct {
	mu     sync.Mutex
	labels Labels
	value  V
}

func (f *family[V]) get(labels Labels) *entry[V] {
	k := labels.key()
	if e, ok := f.series.Load(k); ok {
		return e.(*entry[V])
	}
	e, _ := f.series.LoadOrStore(k, &entry[V]{labels: labels, value: f.newValue()})
	return e.(*entry[V])
}

func (f *family[V]) header(sb *strings.Builder) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
}

// each visits series sorted by label key so output is stable.
func (f *family[V]) each(fn func(labels Labels, v V)) {
	var keys []string
	f.series.Range(func(k, _ interface{}) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	for _, k := range keys {
		e, _ := f.series.Load(k)
		en := e.(*entry[V])
		en.mu.Lock()
		v := en.value
		if f.clone != nil {
			v = f.clone(v)
		}
		en.mu.Unlock()
		fn(en.labels, v)
	}
}

// Counter is a monotonically increasing metric
type Counter struct {
	f family[uint64]
}

// NewCounter creates a new counter metric
func NewCounter(name, help string) *Counter {
	return &Counter{f: family[uint64]{name: name, help: help, kind: "counter",
		newValue: func() uint64 { return 0 }}}
}

func (c *Counter) Name() string { return c.f.name }

// Inc increments the counter by 1
func (c *Counter) Inc(labels Labels) { c.Add(labels, 1) }

// Add increments the counter by delta
func (c *Counter) Add(labels Labels, delta uint64) {
	e := c.f.get(labels)
	e.mu.Lock()
	e.value += delta
	e.mu.Unlock()
}

// Get returns the current counter value for labels
func (c *Counter) Get(labels Labels) uint64 {
	e := c.f.get(labels)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

func (c *Counter) Write(sb *strings.Builder) {
	c.f.header(sb)
	c.f.each(func(l Labels, v uint64) {
		fmt.Fprintf(sb, "%s%s %d\n", c.f.name, l, v)
	})
}

// Gauge is a metric that can go up and down
type Gauge struct {
	f family[float64]
}

// NewGauge creates a new gauge metric
func NewGauge(name, help string) *Gauge {
	return &Gauge{f: family[float64]{name: name, help: help, kind: "gauge",
		newValue: func() float64 { return 0 }}}
}

func (g *Gauge) Name() string { return g.f.name }

// Set sets the gauge to value
func (g *Gauge) Set(labels Labels, value float64) {
	e := g.f.get(labels)
	e.mu.Lock()
	e.value = value
	e.mu.Unlock()
}

// Add adds delta to the gauge
func (g *Gauge) Add(labels Labels, delta float64) {
	e := g.f.get(labels)
	e.mu.Lock()
	e.value += delta
	e.mu.Unlock()
}

// Get returns the current gauge value for labels
func (g *Gauge) Get(labels Labels) float64 {
	e := g.f.get(labels)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

func (g *Gauge) Write(sb *strings.Builder) {
	g.f.header(sb)
	g.f.each(func(l Labels, v float64) {
		fmt.Fprintf(sb, "%s%s %s\n", g.f.name, l, formatFloat(v))
	})
}

// Histogram tracks the distribution of observations
type Histogram struct {
	f       family[histogramValue]
	buckets []float64
}

// histogramValue keeps per-bucket (non-cumulative) counts; Write sums them.
type histogramValue struct {
	count   uint64
	sum     float64
	buckets []uint64
}

// NewHistogram creates a histogram with the given upper bounds
func NewHistogram(name, help string, buckets []float64) *Histogram {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	return &Histogram{
		buckets: sorted,
		f: family[histogramValue]{name: name, help: help, kind: "histogram",
			newValue: func() histogramValue {
				return histogramValue{buckets: make([]uint64, len(sorted))}
			},
			clone: func(v histogramValue) histogramValue {
				v.buckets = append([]uint64(nil), v.buckets...)
				return v
			}},
	}
}

// DefaultBuckets returns default histogram buckets for latency metrics
func DefaultBuckets() []float64 {
	return []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
}

// ExponentialBuckets creates count buckets starting at start with factor multiplier
func ExponentialBuckets(start, factor float64, count int) []float64 {
	out := make([]float64, count)
	for i := range out {
		out[i] = start
		start *= factor
	}
	return out
}

func (h *Histogram) Name() string { return h.f.name }

// Observe records a value in the histogram
func (h *Histogram) Observe(labels Labels, value float64) {
	e := h.f.get(labels)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value.count++
	e.value.sum += value
	if i := sort.SearchFloat64s(h.buckets, value); i < len(h.buckets) {
		e.value.buckets[i]++
	}
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(labels Labels, d time.Duration) {
	h.Observe(labels, d.Seconds())
}

// Count returns the number of observations for labels.
func (h *Histogram) Count(labels Labels) uint64 {
	e := h.f.get(labels)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value.count
}

func (h *Histogram) Write(sb *strings.Builder) {
	h.f.header(sb)
	h.f.each(func(l Labels, v histogramValue) {
		var cumulative uint64
		for i, bound := range h.buckets {
			cumulative += v.buckets[i]
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.f.name, l.with("le", formatFloat(bound)), cumulative)
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.f.name, l.with("le", "+Inf"), v.count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.f.name, l, formatFloat(v.sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.f.name, l, v.count)
	})
}

// Registry holds registered metrics in registration order
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric to the registry
func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.metrics[m.Name()]; exists {
		return fmt.Errorf("metric %q already registered", m.Name())
	}
	r.metrics[m.Name()] = m
	r.order = append(r.order, m.Name())
	return nil
}

// MustRegister adds a metric and panics on error
func (r *Registry) MustRegister(m Metric) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Gather renders all metrics in Prometheus text format
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
