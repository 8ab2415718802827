package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogramObserve(t *testing.T) {
	h := NewHistogram([]time.Duration{100 * time.Millisecond, time.Second})
	h.Observe(50 * time.Millisecond)
	h.Observe(500 * time.Millisecond)
	h.Observe(2 * time.Second)
	h.Observe(-time.Second) // clamps to zero

	assert.Equal(t, uint64(4), h.Count())
	assert.Equal(t, []uint64{2, 3}, h.counts)
	assert.InDelta(t, 2.55, h.sum, 1e-9)
}

func TestWriteCounter(t *testing.T) {
	var b strings.Builder
	WriteCounter(&b, "migrations_total", "Total migrations.", "", 3)
	out := b.String()

	assert.Contains(t, out, "# TYPE migrations_total counter\n")
	assert.Contains(t, out, "migrations_total 3\n")
}

func TestWriteLabeledCounter(t *testing.T) {
	var b strings.Builder
	WriteLabeledCounter(&b, "migrations_terminal_total", "Terminal outcomes.", []LabeledValue{
		{Labels: `code="completed"`, Value: 2},
		{Labels: `code="parse_error"`, Value: 1},
	})
	out := b.String()

	require.Equal(t, 1, strings.Count(out, "# HELP migrations_terminal_total"))
	assert.Contains(t, out, `migrations_terminal_total{code="completed"} 2`+"\n")
	assert.Contains(t, out, `migrations_terminal_total{code="parse_error"} 1`+"\n")
}

func TestWriteGauge(t *testing.T) {
	var b strings.Builder
	WriteGauge(&b, "live_instances", "Live instances.", "", 7)

	assert.Contains(t, b.String(), "# TYPE live_instances gauge\n")
	assert.Contains(t, b.String(), "live_instances 7\n")
}

func TestWriteHistogram(t *testing.T) {
	h := NewHistogram([]time.Duration{time.Second})
	h.Observe(500 * time.Millisecond)
	h.Observe(3 * time.Second)

	var b strings.Builder
	WriteHistogram(&b, "workflow_duration_seconds", "Workflow duration.", `code="completed"`, h.Snapshot())
	out := b.String()

	assert.Contains(t, out, `workflow_duration_seconds_bucket{code="completed",le="1"} 1`+"\n")
	assert.Contains(t, out, `workflow_duration_seconds_bucket{code="completed",le="+Inf"} 2`+"\n")
	assert.Contains(t, out, `workflow_duration_seconds_sum{code="completed"} 3.5`+"\n")
	assert.Contains(t, out, `workflow_duration_seconds_count{code="completed"} 2`+"\n")
}

func TestSnapshotIsIndependent(t *testing.T) {
	h := NewHistogram([]time.Duration{time.Second})
	h.Observe(time.Millisecond)
	snap := h.Snapshot()
	h.Observe(time.Millisecond)

	assert.Equal(t, uint64(1), snap.Count())
	assert.Equal(t, uint64(2), h.Count())
}
