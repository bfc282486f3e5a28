package msgbus

import (
	"sort"
	"strings"
	"sync"
)

// MemoryMetrics is an in-memory Metrics implementation, useful for tests
// and for polling client statistics from application code.
type MemoryMetrics struct {
	mu       sync.RWMutex
	counters map[string]*memoryCounter
	gauges   map[string]*memoryGauge
}

// NewMemoryMetrics creates an in-memory metrics collector.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters: make(map[string]*memoryCounter),
		gauges:   make(map[string]*memoryGauge),
	}
}

// Counter returns the counter for name+labels, creating it on first use.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	key := metricKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[key]
	if !ok {
		c = &memoryCounter{}
		m.counters[key] = c
	}
	return c
}

// Gauge returns the gauge for name+labels, creating it on first use.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	key := metricKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gauges[key]
	if !ok {
		g = &memoryGauge{}
		m.gauges[key] = g
	}
	return g
}

// CounterValue returns the current value of a counter, or 0 if unused.
func (m *MemoryMetrics) CounterValue(name string, labels MetricLabels) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[metricKey(name, labels)]; ok {
		return c.value()
	}
	return 0
}

// GaugeValue returns the current value of a gauge, or 0 if unused.
func (m *MemoryMetrics) GaugeValue(name string, labels MetricLabels) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.gauges[metricKey(name, labels)]; ok {
		return g.value()
	}
	return 0
}

func metricKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('{')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte('}')
	}
	return b.String()
}

type memoryCounter struct {
	mu  sync.Mutex
	val float64
}

func (c *memoryCounter) Inc() { c.Add(1) }

func (c *memoryCounter) Add(delta float64) {
	c.mu.Lock()
	c.val += delta
	c.mu.Unlock()
}

func (c *memoryCounter) value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val
}

type memoryGauge struct {
	mu  sync.Mutex
	val float64
}

func (g *memoryGauge) Set(value float64) {
	g.mu.Lock()
	g.val = value
	g.mu.Unlock()
}

func (g *memoryGauge) Inc() {
	g.mu.Lock()
	g.val++
	g.mu.Unlock()
}

func (g *memoryGauge) Dec() {
	g.mu.Lock()
	g.val--
	g.mu.Unlock()
}

func (g *memoryGauge) value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.val
}
