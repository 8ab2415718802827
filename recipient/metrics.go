package recipient

import (
	"io"
	"sync"
	"time"

	"tenantmigration"
	"tenantmigration/metrics"
)

// Metrics tracks recipient service metrics for Prometheus. All receiver
// methods are nil-safe so unwired components cost nothing.
type Metrics struct {
	mu sync.Mutex

	submitted uint64
	resumed   uint64

	terminalByCode map[string]uint64

	completedDuration metrics.Histogram
	failedDuration    metrics.Histogram

	liveInstances int
}

var durationBucketsWorkflow = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	time.Minute,
}

// terminalCodes fixes the exposition order of the per-code counters.
var terminalCodes = []string{
	tenantmigration.CodeCompleted,
	tenantmigration.CodeParseError,
	tenantmigration.CodeReadPrefUnsatisfiable,
	tenantmigration.CodePrimaryLost,
	tenantmigration.CodeInterrupted,
	tenantmigration.CodeRemoteQueryFailure,
}

// NewMetrics constructs a Metrics registry with default histogram buckets.
func NewMetrics() *Metrics {
	return &Metrics{
		terminalByCode:    make(map[string]uint64),
		completedDuration: metrics.NewHistogram(durationBucketsWorkflow),
		failedDuration:    metrics.NewHistogram(durationBucketsWorkflow),
	}
}

// ObserveSubmitted records a newly submitted migration.
func (m *Metrics) ObserveSubmitted() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.submitted++
	m.mu.Unlock()
}

// ObserveResumed records a migration resumed from a durable document on
// step-up.
func (m *Metrics) ObserveResumed() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.resumed++
	m.mu.Unlock()
}

// ObserveTerminal records a terminal workflow outcome and its duration.
func (m *Metrics) ObserveTerminal(code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.terminalByCode[code]++
	if code == tenantmigration.CodeCompleted {
		m.completedDuration.Observe(duration)
	} else {
		m.failedDuration.Observe(duration)
	}
	m.mu.Unlock()
}

// SetLiveInstances updates the live-instance gauge.
func (m *Metrics) SetLiveInstances(n int) {
	if m == nil {
		return
	}
	if n < 0 {
		n = 0
	}
	m.mu.Lock()
	m.liveInstances = n
	m.mu.Unlock()
}

// WritePrometheus writes current metrics in Prometheus exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	if m == nil {
		return
	}

	m.mu.Lock()
	submitted := m.submitted
	resumed := m.resumed
	terminal := make([]metrics.LabeledValue, 0, len(terminalCodes))
	for _, code := range terminalCodes {
		terminal = append(terminal, metrics.LabeledValue{
			Labels: `code="` + code + `"`,
			Value:  m.terminalByCode[code],
		})
	}
	completedDuration := m.completedDuration.Snapshot()
	failedDuration := m.failedDuration.Snapshot()
	live := m.liveInstances
	m.mu.Unlock()

	metrics.WriteCounter(w, "recipient_migrations_submitted_total", "Migrations submitted.", "", submitted)
	metrics.WriteCounter(w, "recipient_migrations_resumed_total", "Migrations resumed on step-up.", "", resumed)
	metrics.WriteLabeledCounter(w, "recipient_migrations_terminal_total", "Terminal workflow outcomes by code.", terminal)
	metrics.WriteGauge(w, "recipient_live_instances", "Live migration instances.", "", int64(live))
	metrics.WriteHistogram(w, "recipient_workflow_duration_seconds", "Workflow duration in seconds.", `outcome="completed"`, completedDuration)
	metrics.WriteHistogram(w, "recipient_workflow_duration_seconds", "Workflow duration in seconds.", `outcome="failed"`, failedDuration)
}
