package statsd

import (
	"sync"
	"time"
)

// Metric is one value captured by a Recorder.
type Metric struct {
	Kind  string // "c", "g" or "ms"
	Name  string
	Value float64
	Tags  map[string]string
}

// Recorder is an in-memory Sink for tests.
type Recorder struct {
	mu      sync.Mutex
	metrics []Metric
}

var _ Sink = (*Recorder)(nil)

// Count records a counter.
func (r *Recorder) Count(name string, value int64, tags map[string]string) {
	r.add(Metric{Kind: "c", Name: name, Value: float64(value), Tags: cloneTags(tags)})
}

// Gauge records a gauge.
func (r *Recorder) Gauge(name string, value float64, tags map[string]string) {
	r.add(Metric{Kind: "g", Name: name, Value: value, Tags: cloneTags(tags)})
}

// Timing records a timing in milliseconds.
func (r *Recorder) Timing(name string, value time.Duration, tags map[string]string) {
	r.add(Metric{Kind: "ms", Name: name, Value: float64(value) / float64(time.Millisecond), Tags: cloneTags(tags)})
}

func (r *Recorder) add(m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, m)
}

// Metrics returns a copy of everything recorded so far.
func (r *Recorder) Metrics() []Metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Metric, len(r.metrics))
	copy(out, r.metrics)
	return out
}

// Sum adds up every counter named name whose tags include match.
func (r *Recorder) Sum(name string, match map[string]string) int64 {
	var total int64
	for _, m := range r.Metrics() {
		if m.Kind != "c" || m.Name != name || !tagsMatch(m.Tags, match) {
			continue
		}
		total += int64(m.Value)
	}
	return total
}

func tagsMatch(tags, match map[string]string) bool {
	for k, v := range match {
		if tags[k] != v {
			return false
		}
	}
	return true
}
