// Package metrics provides a small dependency-free metrics registry with
// Prometheus text exposition. Counters and gauges with optional labels
// cover everything the engine reports; anything heavier belongs in an
// external scraper.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// atomicFloat64 stores float64 bits in a uint64 for lock-free updates.
type atomicFloat64 struct {
	bits uint64
}

func (a *atomicFloat64) Load() float64 {
	return math.Float64frombits(atomic.LoadUint64(&a.bits))
}

func (a *atomicFloat64) Store(v float64) {
	atomic.StoreUint64(&a.bits, math.Float64bits(v))
}

func (a *atomicFloat64) Add(delta float64) {
	for {
		old := atomic.LoadUint64(&a.bits)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(&a.bits, old, math.Float64bits(next)) {
			return
		}
	}
}

// Sample is one exposed metric value.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// Metric is implemented by Counter and Gauge.
type Metric interface {
	Name() string
	Help() string
	Type() string
	Collect() []Sample
}

// vec holds one labeled value.
type vec struct {
	labels map[string]string
	value  atomicFloat64
}

// metricBase is shared counter/gauge storage.
type metricBase struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]*vec
}

func (m *metricBase) Name() string { return m.name }
func (m *metricBase) Help() string { return m.help }

func (m *metricBase) get(labelValues []string) *vec {
	key := strings.Join(labelValues, "\x00")
	m.mu.RLock()
	v, ok := m.values[key]
	m.mu.RUnlock()
	if ok {
		return v
	}

	labels := make(map[string]string, len(m.labelNames))
	for i, n := range m.labelNames {
		if i < len(labelValues) {
			labels[n] = labelValues[i]
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = m.values[key]; !ok {
		v = &vec{labels: labels}
		m.values[key] = v
	}
	return v
}

func (m *metricBase) collect() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Sample, 0, len(m.values))
	for _, v := range m.values {
		out = append(out, Sample{Name: m.name, Labels: v.labels, Value: v.value.Load()})
	}
	sort.Slice(out, func(i, j int) bool {
		return formatLabels(out[i].Labels) < formatLabels(out[j].Labels)
	})
	return out
}

// Counter is a monotonically increasing metric.
type Counter struct {
	metricBase
}

// Type returns the exposition type.
func (c *Counter) Type() string { return "counter" }

// Collect returns all samples.
func (c *Counter) Collect() []Sample { return c.collect() }

// Inc increments the counter for the given label values.
func (c *Counter) Inc(labelValues ...string) {
	c.get(labelValues).value.Add(1)
}

// Add adds delta to the counter. Negative deltas are ignored.
func (c *Counter) Add(delta float64, labelValues ...string) {
	if delta < 0 {
		return
	}
	c.get(labelValues).value.Add(delta)
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	metricBase
}

// Type returns the exposition type.
func (g *Gauge) Type() string { return "gauge" }

// Collect returns all samples.
func (g *Gauge) Collect() []Sample { return g.collect() }

// Set stores the value for the given label values.
func (g *Gauge) Set(v float64, labelValues ...string) {
	g.get(labelValues).value.Store(v)
}

// Add adds delta to the gauge.
func (g *Gauge) Add(delta float64, labelValues ...string) {
	g.get(labelValues).value.Add(delta)
}

// Registry holds registered metrics and serves the exposition endpoint.
type Registry struct {
	mu      sync.Mutex
	metrics []Metric
	byName  map[string]Metric
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Metric)}
}

// NewCounter registers and returns a counter. Registering the same name
// twice returns the existing metric.
func (r *Registry) NewCounter(name, help string, labelNames ...string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byName[name]; ok {
		if c, ok := m.(*Counter); ok {
			return c
		}
	}
	c := &Counter{metricBase{name: name, help: help, labelNames: labelNames, values: make(map[string]*vec)}}
	r.metrics = append(r.metrics, c)
	r.byName[name] = c
	return c
}

// NewGauge registers and returns a gauge.
func (r *Registry) NewGauge(name, help string, labelNames ...string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byName[name]; ok {
		if g, ok := m.(*Gauge); ok {
			return g
		}
	}
	g := &Gauge{metricBase{name: name, help: help, labelNames: labelNames, values: make(map[string]*vec)}}
	r.metrics = append(r.metrics, g)
	r.byName[name] = g
	return g
}

// Handler serves metrics in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		r.mu.Lock()
		metrics := make([]Metric, len(r.metrics))
		copy(metrics, r.metrics)
		r.mu.Unlock()

		for _, m := range metrics {
			fmt.Fprintf(w, "# HELP %s %s\n", m.Name(), m.Help())
			fmt.Fprintf(w, "# TYPE %s %s\n", m.Name(), m.Type())
			for _, s := range m.Collect() {
				if len(s.Labels) == 0 {
					fmt.Fprintf(w, "%s %v\n", s.Name, s.Value)
				} else {
					fmt.Fprintf(w, "%s{%s} %v\n", s.Name, formatLabels(s.Labels), s.Value)
				}
			}
		}
	})
}

func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(labels[k])
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, v))
	}
	return strings.Join(parts, ",")
}
