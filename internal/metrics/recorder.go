// Package metrics records counters, timings and outcomes for the protocol
// engine. A Recorder is created by the caller and passed in explicitly;
// every method is safe on a nil *Recorder, which records nothing.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Recorder collects metrics keyed by "topic/name" paths.
type Recorder struct {
	mu       sync.RWMutex
	timings  map[string]*TimingMetric
	counters map[string]*CounterMetric
	outcomes map[string]*OutcomeMetric
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		timings:  make(map[string]*TimingMetric),
		counters: make(map[string]*CounterMetric),
		outcomes: make(map[string]*OutcomeMetric),
	}
}

func buildPath(topic, name string) string {
	if name == "" {
		return topic
	}
	return topic + "/" + name
}

// RecordDuration records one timing sample.
func (r *Recorder) RecordDuration(topic, name string, d time.Duration) {
	if r == nil {
		return
	}
	path := buildPath(topic, name)

	r.mu.Lock()
	metric, ok := r.timings[path]
	if !ok {
		metric = &TimingMetric{Min: d, Max: d, samples: make([]time.Duration, 0, 16)}
		r.timings[path] = metric
	}
	r.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Count++
	metric.Total += d
	metric.Last = d
	if d < metric.Min {
		metric.Min = d
	}
	if d > metric.Max {
		metric.Max = d
	}
	if len(metric.samples) < maxSamples {
		metric.samples = append(metric.samples, d)
	} else {
		metric.samples[metric.sampleIdx] = d
		metric.sampleIdx = (metric.sampleIdx + 1) % maxSamples
	}
}

// Since records time.Since(start); handy with defer.
func (r *Recorder) Since(topic, name string, start time.Time) {
	r.RecordDuration(topic, name, time.Since(start))
}

// IncrementCounter adds one to a counter.
func (r *Recorder) IncrementCounter(topic, name string) {
	r.AddCounter(topic, name, 1)
}

// AddCounter adds delta to a counter.
func (r *Recorder) AddCounter(topic, name string, delta int64) {
	if r == nil {
		return
	}
	path := buildPath(topic, name)

	r.mu.Lock()
	metric, ok := r.counters[path]
	if !ok {
		metric = &CounterMetric{}
		r.counters[path] = metric
	}
	r.mu.Unlock()

	metric.mu.Lock()
	metric.Value += delta
	metric.Last = time.Now()
	metric.mu.Unlock()
}

// RecordOutcome counts one occurrence of outcome.
func (r *Recorder) RecordOutcome(topic, name, outcome string) {
	if r == nil {
		return
	}
	path := buildPath(topic, name)

	r.mu.Lock()
	metric, ok := r.outcomes[path]
	if !ok {
		metric = &OutcomeMetric{Outcomes: make(map[string]int64)}
		r.outcomes[path] = metric
	}
	r.mu.Unlock()

	metric.mu.Lock()
	metric.Outcomes[outcome]++
	metric.LastOutcome = outcome
	metric.Total++
	metric.mu.Unlock()
}

// Counter returns the current value of a counter (0 if never touched).
func (r *Recorder) Counter(topic, name string) int64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	metric, ok := r.counters[buildPath(topic, name)]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	metric.mu.Lock()
	defer metric.mu.Unlock()
	return metric.Value
}

// Outcome returns how often outcome was recorded.
func (r *Recorder) Outcome(topic, name, outcome string) int64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	metric, ok := r.outcomes[buildPath(topic, name)]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	metric.mu.Lock()
	defer metric.mu.Unlock()
	return metric.Outcomes[outcome]
}

// Snapshot returns every metric, sorted by path.
func (r *Recorder) Snapshot() []Snapshot {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Snapshot
	for path, m := range r.timings {
		out = append(out, Snapshot{Path: path, Type: TypeTiming, Data: m.snapshot()})
	}
	for path, m := range r.counters {
		m.mu.Lock()
		out = append(out, Snapshot{Path: path, Type: TypeCounter, Data: CounterSnapshot{Value: m.Value}})
		m.mu.Unlock()
	}
	for path, m := range r.outcomes {
		m.mu.Lock()
		outcomes := make(map[string]int64, len(m.Outcomes))
		for k, v := range m.Outcomes {
			outcomes[k] = v
		}
		out = append(out, Snapshot{Path: path, Type: TypeOutcome, Data: OutcomeSnapshot{Outcomes: outcomes, Total: m.Total}})
		m.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (m *TimingMetric) snapshot() TimingSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := TimingSnapshot{
		Count:  m.Count,
		MinMs:  ms(m.Min),
		MaxMs:  ms(m.Max),
		LastMs: ms(m.Last),
	}
	if m.Count > 0 {
		snap.AvgMs = ms(m.Total) / float64(m.Count)
	}
	if len(m.samples) > 0 {
		sorted := make([]time.Duration, len(m.samples))
		copy(sorted, m.samples)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		idx := len(sorted) * 95 / 100
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		snap.P95Ms = ms(sorted[idx])
	}
	return snap
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
