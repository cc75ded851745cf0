// Package metrics keeps in-process counters, gauges and histograms for the
// engine connection and playback sessions. Snapshots are periodically
// persisted by the lifecycle journal.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/latoulicious/jockie/pkg/logging"
)

// MetricType represents the type of metric
type MetricType int

const (
	CounterType MetricType = iota
	GaugeType
	HistogramType
	TimingType
)

func (mt MetricType) String() string {
	switch mt {
	case CounterType:
		return "counter"
	case GaugeType:
		return "gauge"
	case HistogramType:
		return "histogram"
	case TimingType:
		return "timing"
	default:
		return "unknown"
	}
}

// Metric represents a single metric measurement
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Stats     *HistogramStats   `json:"stats,omitempty"`
}

// HistogramStats aggregates histogram observations.
type HistogramStats struct {
	Count float64 `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// Snapshot represents a snapshot of metrics at a point in time
type Snapshot struct {
	Timestamp time.Time         `json:"timestamp"`
	Metrics   map[string]Metric `json:"metrics"`
}

// Recorder is the write side of a collector.
type Recorder interface {
	RecordCounter(name string, value int64, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
	RecordHistogram(name string, value float64, tags map[string]string)
	RecordTiming(name string, duration time.Duration, tags map[string]string)
}

// Collector is a thread-safe in-memory metrics store.
type Collector struct {
	metrics  map[string]Metric
	baseTags map[string]string
	mu       sync.RWMutex
	logger   logging.Logger
}

// NewCollector creates a new collector. baseTags are added to every metric.
func NewCollector(logger logging.Logger, baseTags map[string]string) *Collector {
	if logger == nil {
		logger = logging.NullLogger()
	}
	return &Collector{
		metrics:  make(map[string]Metric),
		baseTags: copyTags(baseTags),
		logger:   logger,
	}
}

// RecordCounter records a counter metric
func (c *Collector) RecordCounter(name string, value int64, tags map[string]string) {
	tags = c.mergeTags(tags)

	c.mu.Lock()
	defer c.mu.Unlock()

	key := metricKey(name, tags)
	existing, exists := c.metrics[key]

	newValue := float64(value)
	if exists && existing.Type == CounterType {
		newValue += existing.Value
	}

	c.metrics[key] = Metric{
		Name:      name,
		Type:      CounterType,
		Value:     newValue,
		Tags:      tags,
		Timestamp: time.Now(),
	}

	c.logger.Debug("Recorded counter metric",
		logging.String("name", name),
		logging.Int64("value", value),
		logging.Float64("total", newValue),
	)
}

// RecordGauge records a gauge metric
func (c *Collector) RecordGauge(name string, value float64, tags map[string]string) {
	tags = c.mergeTags(tags)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics[metricKey(name, tags)] = Metric{
		Name:      name,
		Type:      GaugeType,
		Value:     value,
		Tags:      tags,
		Timestamp: time.Now(),
	}
}

// RecordHistogram records a histogram metric
func (c *Collector) RecordHistogram(name string, value float64, tags map[string]string) {
	c.observe(name, HistogramType, value, tags)
}

// RecordTiming records a timing metric in milliseconds
func (c *Collector) RecordTiming(name string, duration time.Duration, tags map[string]string) {
	c.observe(name, TimingType, float64(duration.Nanoseconds())/1e6, tags)
}

func (c *Collector) observe(name string, typ MetricType, value float64, tags map[string]string) {
	tags = c.mergeTags(tags)

	c.mu.Lock()
	defer c.mu.Unlock()

	key := metricKey(name, tags)
	stats := &HistogramStats{Count: 1, Sum: value, Min: value, Max: value, Avg: value}
	if existing, ok := c.metrics[key]; ok && existing.Type == typ && existing.Stats != nil {
		prev := *existing.Stats
		stats = &HistogramStats{
			Count: prev.Count + 1,
			Sum:   prev.Sum + value,
			Min:   prev.Min,
			Max:   prev.Max,
		}
		if value < stats.Min {
			stats.Min = value
		}
		if value > stats.Max {
			stats.Max = value
		}
		stats.Avg = stats.Sum / stats.Count
	}

	c.metrics[key] = Metric{
		Name:      name,
		Type:      typ,
		Value:     value,
		Tags:      tags,
		Timestamp: time.Now(),
		Stats:     stats,
	}
}

// Get retrieves a specific metric
func (c *Collector) Get(name string, tags map[string]string) (Metric, bool) {
	tags = c.mergeTags(tags)

	c.mu.RLock()
	defer c.mu.RUnlock()

	metric, exists := c.metrics[metricKey(name, tags)]
	return metric, exists
}

// Snapshot returns a copy of all current metrics
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := Snapshot{
		Timestamp: time.Now(),
		Metrics:   make(map[string]Metric, len(c.metrics)),
	}
	for key, metric := range c.metrics {
		snapshot.Metrics[key] = metric
	}
	return snapshot
}

// ByName returns all metrics with the given name
func (c *Collector) ByName(name string) []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var metrics []Metric
	for _, metric := range c.metrics {
		if metric.Name == name {
			metrics = append(metrics, metric)
		}
	}
	return metrics
}

// Reset clears all metrics
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = make(map[string]Metric)
}

func (c *Collector) mergeTags(tags map[string]string) map[string]string {
	if len(c.baseTags) == 0 {
		return copyTags(tags)
	}
	merged := copyTags(c.baseTags)
	for k, v := range tags {
		merged[k] = v
	}
	return merged
}

// metricKey builds a stable key from the name and sorted tags.
func metricKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString(",")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(tags[k])
	}
	return b.String()
}

func copyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
