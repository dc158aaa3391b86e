package performance

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metric names recorded by the sync core
const (
	MetricChunkRoundTrip   = "chunk.roundtrip"
	MetricChunkRequests    = "chunk.requests"
	MetricChunkRetries     = "chunk.retries"
	MetricChunkDuplicates  = "chunk.duplicates"
	MetricFragmentsDropped = "chunk.fragments_dropped"
	MetricConnectDial      = "session.dial"
	MetricLoginRoundTrip   = "session.login"
	MetricReconnects       = "session.reconnects"
	MetricBufferDropped    = "session.buffer_dropped"
	MetricPing             = "session.ping"
	MetricFetchRoundTrip   = "data.fetch"
)

// Profiler tracks timings and counters for the client's network operations.
// A nil *Profiler is valid and records nothing.
type Profiler struct {
	mu        sync.RWMutex
	metrics   map[string]*Metric
	counters  map[string]int64
	enabled   bool
	startTime time.Time
}

// Metric tracks statistics for one timed operation
type Metric struct {
	Name      string
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
	LastTime  time.Duration
	LastCall  time.Time
}

// Operation represents a single timed operation
type Operation struct {
	profiler *Profiler
	name     string
	start    time.Time
}

// NewProfiler creates a new profiler
func NewProfiler(enabled bool) *Profiler {
	return &Profiler{
		metrics:   make(map[string]*Metric),
		counters:  make(map[string]int64),
		enabled:   enabled,
		startTime: time.Now(),
	}
}

// Start begins timing an operation
func (p *Profiler) Start(name string) *Operation {
	if !p.IsEnabled() {
		return nil
	}
	return &Operation{
		profiler: p,
		name:     name,
		start:    time.Now(),
	}
}

// End completes timing an operation and records the metric
func (o *Operation) End() {
	if o == nil {
		return
	}
	o.profiler.Record(o.name, time.Since(o.start))
}

// Record directly records a duration for an operation
func (p *Profiler) Record(name string, duration time.Duration) {
	if !p.IsEnabled() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	metric, exists := p.metrics[name]
	if !exists {
		metric = &Metric{
			Name:    name,
			MinTime: duration,
			MaxTime: duration,
		}
		p.metrics[name] = metric
	}

	metric.Count++
	metric.TotalTime += duration
	metric.LastTime = duration
	metric.LastCall = time.Now()

	if duration < metric.MinTime {
		metric.MinTime = duration
	}
	if duration > metric.MaxTime {
		metric.MaxTime = duration
	}
}

// Incr adds delta to a named counter
func (p *Profiler) Incr(name string, delta int64) {
	if !p.IsEnabled() {
		return
	}
	p.mu.Lock()
	p.counters[name] += delta
	p.mu.Unlock()
}

// Counter returns the current value of a named counter
func (p *Profiler) Counter(name string) int64 {
	if p == nil {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counters[name]
}

// GetMetric returns a copy of the statistics for one operation, or nil
func (p *Profiler) GetMetric(name string) *Metric {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	metric, ok := p.metrics[name]
	if !ok {
		return nil
	}
	cp := *metric
	return &cp
}

// GetMetrics returns copies of all metrics
func (p *Profiler) GetMetrics() map[string]*Metric {
	result := make(map[string]*Metric)
	if p == nil {
		return result
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for name, metric := range p.metrics {
		cp := *metric
		result[name] = &cp
	}
	return result
}

// AverageTime returns the average time for a metric
func (m *Metric) AverageTime() time.Duration {
	if m.Count == 0 {
		return 0
	}
	return m.TotalTime / time.Duration(m.Count)
}

// Reset clears all metrics and counters
func (p *Profiler) Reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = make(map[string]*Metric)
	p.counters = make(map[string]int64)
	p.startTime = time.Now()
}

// Report generates a human-readable report, sorted by name
func (p *Profiler) Report() string {
	if p == nil {
		return "Profiling disabled"
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.metrics) == 0 && len(p.counters) == 0 {
		return "No performance metrics recorded"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n=== Sync Report (since %s) ===\n", p.startTime.Format(time.RFC3339))
	fmt.Fprintf(&b, "%-32s %10s %10s %10s %10s %10s\n", "Operation", "Count", "Avg", "Min", "Max", "Last")
	b.WriteString(strings.Repeat("-", 87))
	b.WriteString("\n")

	for _, name := range sortedKeys(p.metrics) {
		metric := p.metrics[name]
		fmt.Fprintf(&b, "%-32s %10d %10s %10s %10s %10s\n",
			name,
			metric.Count,
			metric.AverageTime().Round(time.Microsecond),
			metric.MinTime.Round(time.Microsecond),
			metric.MaxTime.Round(time.Microsecond),
			metric.LastTime.Round(time.Microsecond),
		)
	}
	if len(p.counters) > 0 {
		b.WriteString("\nCounters:\n")
		for _, name := range sortedKeys(p.counters) {
			fmt.Fprintf(&b, "  %-30s %10d\n", name, p.counters[name])
		}
	}

	fmt.Fprintf(&b, "\nTotal runtime: %s\n", time.Since(p.startTime).Round(time.Second))
	return b.String()
}

// LogReport logs the report
func (p *Profiler) LogReport() {
	log.Print(p.Report())
}

type metricJSON struct {
	Count   int64     `json:"count"`
	TotalMs float64   `json:"total_ms"`
	AvgMs   float64   `json:"avg_ms"`
	MinMs   float64   `json:"min_ms"`
	MaxMs   float64   `json:"max_ms"`
	LastMs  float64   `json:"last_ms"`
	Last    time.Time `json:"last_call"`
}

type reportJSON struct {
	StartTime time.Time              `json:"start_time"`
	RuntimeMs int64                  `json:"runtime_ms"`
	Metrics   map[string]metricJSON  `json:"metrics"`
	Counters  map[string]int64       `json:"counters"`
}

// JSONReport generates the report as JSON
func (p *Profiler) JSONReport() ([]byte, error) {
	report := reportJSON{
		Metrics:  make(map[string]metricJSON),
		Counters: make(map[string]int64),
	}
	if p != nil {
		p.mu.RLock()
		report.StartTime = p.startTime
		report.RuntimeMs = time.Since(p.startTime).Milliseconds()
		for name, m := range p.metrics {
			report.Metrics[name] = metricJSON{
				Count:   m.Count,
				TotalMs: ms(m.TotalTime),
				AvgMs:   ms(m.AverageTime()),
				MinMs:   ms(m.MinTime),
				MaxMs:   ms(m.MaxTime),
				LastMs:  ms(m.LastTime),
				Last:    m.LastCall,
			}
		}
		for name, v := range p.counters {
			report.Counters[name] = v
		}
		p.mu.RUnlock()
	}
	return json.MarshalIndent(report, "", "  ")
}

// Enable enables profiling
func (p *Profiler) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = true
}

// Disable disables profiling
func (p *Profiler) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
}

// IsEnabled returns whether profiling is enabled
func (p *Profiler) IsEnabled() bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
