// Package metrics provides shared helpers for Prometheus text exposition.
// Components keep their own counters and histograms under their own locks
// and use these helpers only to format a consistent /metrics dump.
package metrics

import (
	"fmt"
	"io"
	"strconv"
	"time"
)

// Histogram is a fixed-bucket cumulative histogram. It is not safe for
// concurrent use; the owning metrics struct serializes access.
type Histogram struct {
	buckets []float64
	counts  []uint64
	count   uint64
	sum     float64
}

// NewHistogram builds a histogram over the given duration buckets.
func NewHistogram(buckets []time.Duration) Histogram {
	bounds := make([]float64, len(buckets))
	for i, b := range buckets {
		bounds[i] = b.Seconds()
	}
	return Histogram{
		buckets: bounds,
		counts:  make([]uint64, len(bounds)),
	}
}

// Observe records one duration. Negative durations count as zero.
func (h *Histogram) Observe(d time.Duration) {
	value := d.Seconds()
	if value < 0 {
		value = 0
	}
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

// Snapshot returns an independent copy, for rendering outside the owner's
// lock.
func (h Histogram) Snapshot() Histogram {
	return Histogram{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		count:   h.count,
		sum:     h.sum,
	}
}

// Count returns how many observations the histogram has recorded.
func (h Histogram) Count() uint64 { return h.count }

// WriteCounter writes one counter sample with HELP and TYPE headers.
func WriteCounter(w io.Writer, name, help, labels string, value uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	writeSample(w, name, labels, strconv.FormatUint(value, 10))
}

// WriteLabeledCounter writes a counter family: one HELP/TYPE header and one
// sample per label set, in the given order.
func WriteLabeledCounter(w io.Writer, name, help string, samples []LabeledValue) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, s := range samples {
		writeSample(w, name, s.Labels, strconv.FormatUint(s.Value, 10))
	}
}

// LabeledValue is one sample of a labeled counter family.
type LabeledValue struct {
	Labels string
	Value  uint64
}

// WriteGauge writes one gauge sample with HELP and TYPE headers.
func WriteGauge(w io.Writer, name, help, labels string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	writeSample(w, name, labels, strconv.FormatInt(value, 10))
}

// WriteHistogram writes one histogram family: cumulative buckets, +Inf, sum,
// and count.
func WriteHistogram(w io.Writer, name, help, labels string, h Histogram) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)
	labelPrefix := labels
	if labelPrefix != "" {
		labelPrefix += ","
	}
	for i, bound := range h.buckets {
		fmt.Fprintf(w, "%s_bucket{%sle=%q} %d\n", name, labelPrefix, FormatFloat(bound), h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{%sle=%q} %d\n", name, labelPrefix, "+Inf", h.count)
	writeSample(w, name+"_sum", labels, FormatFloat(h.sum))
	writeSample(w, name+"_count", labels, strconv.FormatUint(h.count, 10))
}

// FormatFloat renders a float the way Prometheus text format expects.
func FormatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func writeSample(w io.Writer, name, labels, value string) {
	if labels == "" {
		fmt.Fprintf(w, "%s %s\n", name, value)
		return
	}
	fmt.Fprintf(w, "%s{%s} %s\n", name, labels, value)
}
