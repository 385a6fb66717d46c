package o11y

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StandaloneMetricsConfig configures the standalone metrics provider
type StandaloneMetricsConfig struct {
	Interval    time.Duration         // How often to report metrics (default: 30s)
	ServiceName string                // Service name to include in metrics
	Reporter    func(MetricsSnapshot) // Receives each periodic snapshot
}

// HistogramSummary aggregates every value recorded on one histogram.
type HistogramSummary struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// MetricsSnapshot is a point-in-time copy of every metric the provider holds.
// Counters holds totals per metric name; LabeledCounters breaks the same
// totals down by label set, keyed as name{key=value,...}.
type MetricsSnapshot struct {
	Timestamp       time.Time                   `json:"timestamp"`
	ServiceName     string                      `json:"service_name"`
	Counters        map[string]int64            `json:"counters"`
	LabeledCounters map[string]int64            `json:"labeled_counters,omitempty"`
	Histograms      map[string]HistogramSummary `json:"histograms"`
	Gauges          map[string]float64          `json:"gauges"`
}

// StandaloneMetricsProvider keeps metrics in memory and optionally hands a
// snapshot to a reporter on a fixed interval. It needs no external collector.
type StandaloneMetricsProvider struct {
	config StandaloneMetricsConfig

	mu         sync.Mutex
	counters   map[string]*standaloneCounter
	histograms map[string]*standaloneHistogram
	gauges     map[string]*standaloneGauge

	stop chan struct{}
	done chan struct{}
}

// NewStandaloneMetricsProvider creates a new standalone metrics provider
func NewStandaloneMetricsProvider(config *StandaloneMetricsConfig) *StandaloneMetricsProvider {
	if config == nil {
		config = &StandaloneMetricsConfig{}
	}

	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.ServiceName == "" {
		config.ServiceName = "unknown"
	}

	return &StandaloneMetricsProvider{
		config:     *config,
		counters:   make(map[string]*standaloneCounter),
		histograms: make(map[string]*standaloneHistogram),
		gauges:     make(map[string]*standaloneGauge),
	}
}

// Start begins periodic reporting. It is a no-op without a Reporter or when
// already running.
func (s *StandaloneMetricsProvider) Start() error {
	if s.config.Reporter == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.reportLoop(s.stop, s.done)

	return nil
}

// Stop ends periodic reporting after delivering one final snapshot.
func (s *StandaloneMetricsProvider) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done

	return nil
}

func (s *StandaloneMetricsProvider) reportLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.config.Reporter(s.Snapshot())
		case <-stop:
			s.config.Reporter(s.Snapshot())
			return
		}
	}
}

// Snapshot collects the current value of every metric.
func (s *StandaloneMetricsProvider) Snapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		Timestamp:       time.Now(),
		ServiceName:     s.config.ServiceName,
		Counters:        make(map[string]int64),
		LabeledCounters: make(map[string]int64),
		Histograms:      make(map[string]HistogramSummary),
		Gauges:          make(map[string]float64),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, counter := range s.counters {
		snapshot.Counters[name] = counter.total.Load()
		counter.mu.Lock()
		for labels, value := range counter.byLabels {
			snapshot.LabeledCounters[name+labels] = value
		}
		counter.mu.Unlock()
	}
	for name, histogram := range s.histograms {
		snapshot.Histograms[name] = histogram.summary()
	}
	for name, gauge := range s.gauges {
		snapshot.Gauges[name] = gauge.get()
	}

	return snapshot
}

// MetricsProvider interface implementation

func (s *StandaloneMetricsProvider) Counter(name string) Counter {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[name]
	if !ok {
		c = &standaloneCounter{byLabels: make(map[string]int64)}
		s.counters[name] = c
	}
	return c
}

func (s *StandaloneMetricsProvider) Histogram(name string) Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histograms[name]
	if !ok {
		h = &standaloneHistogram{}
		s.histograms[name] = h
	}
	return h
}

func (s *StandaloneMetricsProvider) Gauge(name string) Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gauges[name]
	if !ok {
		g = &standaloneGauge{}
		s.gauges[name] = g
	}
	return g
}

// labelKey renders labels sorted by key, or "" when there are none.
func labelKey(labels []Label) string {
	if len(labels) == 0 {
		return ""
	}

	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = l.Key + "=" + l.Value
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}

type standaloneCounter struct {
	total atomic.Int64

	mu       sync.Mutex
	byLabels map[string]int64
}

func (c *standaloneCounter) Add(ctx context.Context, value int64, labels ...Label) {
	c.total.Add(value)
	if key := labelKey(labels); key != "" {
		c.mu.Lock()
		c.byLabels[key] += value
		c.mu.Unlock()
	}
}

// standaloneHistogram keeps a running summary so long-lived servers do not
// accumulate every observation.
type standaloneHistogram struct {
	mu  sync.Mutex
	sum HistogramSummary
}

func (h *standaloneHistogram) Record(ctx context.Context, value float64, labels ...Label) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sum.Count == 0 {
		h.sum.Min, h.sum.Max = value, value
	} else {
		h.sum.Min = math.Min(h.sum.Min, value)
		h.sum.Max = math.Max(h.sum.Max, value)
	}
	h.sum.Count++
	h.sum.Sum += value
}

func (h *standaloneHistogram) summary() HistogramSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

type standaloneGauge struct {
	bits atomic.Uint64
}

func (g *standaloneGauge) Set(ctx context.Context, value float64, labels ...Label) {
	g.bits.Store(math.Float64bits(value))
}

func (g *standaloneGauge) get() float64 {
	return math.Float64frombits(g.bits.Load())
}
