package localbuild

import (
	"runtime"
	"sync"
	"time"
)

// Metrics collects operational counters for the build engine.
type Metrics struct {
	mu             sync.Mutex
	BuildsStarted  int64            `json:"builds_started"`
	BuildsByStatus map[Status]int64 `json:"builds_by_status"`
	StepsStarted   int64            `json:"steps_started"`
	StepsByStatus  map[Status]int64 `json:"steps_by_status"`
	ImageEnsures   int64            `json:"image_ensures"`
	StartedAt      time.Time        `json:"-"`
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		BuildsByStatus: make(map[Status]int64),
		StepsByStatus:  make(map[Status]int64),
		StartedAt:      time.Now(),
	}
}

// RecordBuildStart increments the build counter.
func (m *Metrics) RecordBuildStart() {
	m.mu.Lock()
	m.BuildsStarted++
	m.mu.Unlock()
}

// RecordBuildComplete records a finished build with its status.
func (m *Metrics) RecordBuildComplete(status Status) {
	m.mu.Lock()
	m.BuildsByStatus[status]++
	m.mu.Unlock()
}

// RecordStepStart increments the step counter.
func (m *Metrics) RecordStepStart() {
	m.mu.Lock()
	m.StepsStarted++
	m.mu.Unlock()
}

// RecordStepComplete records a finished step with its status.
func (m *Metrics) RecordStepComplete(status Status) {
	m.mu.Lock()
	m.StepsByStatus[status]++
	m.mu.Unlock()
}

// RecordImageEnsure counts image availability checks/pulls.
func (m *Metrics) RecordImageEnsure() {
	m.mu.Lock()
	m.ImageEnsures++
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time metrics report.
type MetricsSnapshot struct {
	BuildsStarted  int64            `json:"builds_started"`
	BuildsByStatus map[Status]int64 `json:"builds_by_status"`
	StepsStarted   int64            `json:"steps_started"`
	StepsByStatus  map[Status]int64 `json:"steps_by_status"`
	ImageEnsures   int64            `json:"image_ensures"`
	UptimeSeconds  int              `json:"uptime_seconds"`
	Goroutines     int              `json:"goroutines"`
	HeapAllocMB    float64          `json:"heap_alloc_mb"`
}

// Snapshot returns a point-in-time copy of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	builds := make(map[Status]int64, len(m.BuildsByStatus))
	for k, v := range m.BuildsByStatus {
		builds[k] = v
	}
	steps := make(map[Status]int64, len(m.StepsByStatus))
	for k, v := range m.StepsByStatus {
		steps[k] = v
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		BuildsStarted:  m.BuildsStarted,
		BuildsByStatus: builds,
		StepsStarted:   m.StepsStarted,
		StepsByStatus:  steps,
		ImageEnsures:   m.ImageEnsures,
		UptimeSeconds:  int(time.Since(m.StartedAt).Seconds()),
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocMB:    float64(memStats.HeapAlloc) / (1024 * 1024),
	}
}
