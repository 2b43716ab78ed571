package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink adapts the collector's registry to the free-form
// counter/duration/gauge interface the repository manager and the
// extractor pipeline emit into. Instruments are created on first use;
// that first call fixes a name's tag keys. A sample whose name collides
// with an existing instrument is dropped rather than panicking inside
// an instrumented path.
type Sink struct {
	registry *prometheus.Registry

	mu        sync.Mutex
	counters  map[string]*counterEntry
	durations map[string]*histogramEntry
	gauges    map[string]*gaugeEntry
}

type counterEntry struct {
	vec  *prometheus.CounterVec
	keys []string
}

type histogramEntry struct {
	vec  *prometheus.HistogramVec
	keys []string
}

type gaugeEntry struct {
	vec  *prometheus.GaugeVec
	keys []string
}

// Sink returns the adapter view of the collector. A nil collector
// yields a nil sink, which drops every sample.
func (c *Collector) Sink() *Sink {
	if c == nil {
		return nil
	}
	return &Sink{
		registry:  c.registry,
		counters:  make(map[string]*counterEntry),
		durations: make(map[string]*histogramEntry),
		gauges:    make(map[string]*gaugeEntry),
	}
}

// IncrementCounter bumps the named counter by one.
func (s *Sink) IncrementCounter(name string, tags map[string]string) {
	if s == nil {
		return
	}
	e := s.counter(name, tags)
	if e == nil {
		return
	}
	if m, err := e.vec.GetMetricWith(labelsFor(e.keys, tags)); err == nil {
		m.Inc()
	}
}

// RecordDuration observes one duration in seconds.
func (s *Sink) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	if s == nil {
		return
	}
	e := s.duration(name, tags)
	if e == nil {
		return
	}
	if m, err := e.vec.GetMetricWith(labelsFor(e.keys, tags)); err == nil {
		m.Observe(duration.Seconds())
	}
}

// SetGauge sets the named gauge.
func (s *Sink) SetGauge(name string, value float64, tags map[string]string) {
	if s == nil {
		return
	}
	e := s.gauge(name, tags)
	if e == nil {
		return
	}
	if m, err := e.vec.GetMetricWith(labelsFor(e.keys, tags)); err == nil {
		m.Set(value)
	}
}

func (s *Sink) counter(name string, tags map[string]string) *counterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.counters[name]; ok {
		return e
	}
	keys := tagKeys(tags)
	e := &counterEntry{
		vec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: promName(name) + "_total",
			Help: "Counter " + name,
		}, keys),
		keys: keys,
	}
	if err := s.registry.Register(e.vec); err != nil {
		e = nil
	}
	s.counters[name] = e
	return e
}

func (s *Sink) duration(name string, tags map[string]string) *histogramEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.durations[name]; ok {
		return e
	}
	keys := tagKeys(tags)
	e := &histogramEntry{
		vec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    promName(name) + "_seconds",
			Help:    "Duration " + name,
			Buckets: prometheus.DefBuckets,
		}, keys),
		keys: keys,
	}
	if err := s.registry.Register(e.vec); err != nil {
		e = nil
	}
	s.durations[name] = e
	return e
}

func (s *Sink) gauge(name string, tags map[string]string) *gaugeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.gauges[name]; ok {
		return e
	}
	keys := tagKeys(tags)
	e := &gaugeEntry{
		vec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: promName(name),
			Help: "Gauge " + name,
		}, keys),
		keys: keys,
	}
	if err := s.registry.Register(e.vec); err != nil {
		e = nil
	}
	s.gauges[name] = e
	return e
}

// promName maps a dotted instrument name onto the exported form.
func promName(name string) string {
	return "spark_" + strings.ReplaceAll(name, ".", "_")
}

func tagKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// labelsFor projects the tags onto the instrument's fixed key set;
// absent tags become empty labels.
func labelsFor(keys []string, tags map[string]string) prometheus.Labels {
	l := make(prometheus.Labels, len(keys))
	for _, k := range keys {
		l[k] = tags[k]
	}
	return l
}
