// Package metrics implements atomic counters, gauges, and histograms keyed
// by a canonical label set, exported in Prometheus text exposition format.
// Hand-rolled rather than client_golang because the spec pins an exact
// label-sort and fixed-bucket text format that the client's default
// registry does not reproduce verbatim.
package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// bucketBoundsMs are the fixed millisecond upper bounds every histogram
// uses; a `+Inf` bucket is implicit and always present in export.
var bucketBoundsMs = []int64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}

// labelsToKey canonicalizes a label set into a sorted, comma-joined
// `k="v"` string with no enclosing braces, used as a map key.
func labelsToKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return strings.Join(parts, ",")
}

func formatLabels(key string) string {
	if key == "" {
		return ""
	}
	return "{" + key + "}"
}

// counter is a monotonically increasing atomic value.
type counter struct{ v atomic.Uint64 }

func (c *counter) add(n uint64) { c.v.Add(n) }
func (c *counter) value() uint64 { return c.v.Load() }

// gauge is a point-in-time value; set and positive or negative deltas are
// applied atomically through an atomic.Int64.
type gauge struct{ v atomic.Int64 }

func (g *gauge) set(n int64) { g.v.Store(n) }
func (g *gauge) add(delta int64) { g.v.Add(delta) }
func (g *gauge) value() int64 { return g.v.Load() }

// histogram counts observations into the fixed bucket set; observe() writes
// to exactly one bucket (the smallest bound >= value), and cumulative sums
// are computed only at export time.
type histogram struct {
	mu      sync.Mutex
	buckets map[int64]uint64 // bound -> count observed into exactly this bucket
	infCount uint64
	sum     float64
	count   uint64
}

func newHistogram() *histogram {
	return &histogram{buckets: make(map[int64]uint64, len(bucketBoundsMs))}
}

func (h *histogram) observe(valueMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += valueMs
	h.count++
	for _, b := range bucketBoundsMs {
		if valueMs <= float64(b) {
			h.buckets[b]++
			return
		}
	}
	h.infCount++
}

// cumulative returns (bound, cumulative count) pairs in ascending bound
// order, plus the total count for +Inf.
func (h *histogram) cumulative() ([]int64, []uint64, uint64, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var running uint64
	counts := make([]uint64, len(bucketBoundsMs))
	for i, b := range bucketBoundsMs {
		running += h.buckets[b]
		counts[i] = running
	}
	return bucketBoundsMs, counts, h.count, h.sum
}

type labeledCounters struct {
	mu sync.Mutex
	m  map[string]*counter
}

func newLabeledCounters() *labeledCounters {
	return &labeledCounters{m: make(map[string]*counter)}
}

func (l *labeledCounters) get(key string) *counter {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.m[key]
	if !ok {
		c = &counter{}
		l.m[key] = c
	}
	return c
}

func (l *labeledCounters) snapshot() map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]uint64, len(l.m))
	for k, c := range l.m {
		out[k] = c.value()
	}
	return out
}

type labeledGauges struct {
	mu sync.Mutex
	m  map[string]*gauge
}

func newLabeledGauges() *labeledGauges {
	return &labeledGauges{m: make(map[string]*gauge)}
}

func (l *labeledGauges) get(key string) *gauge {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.m[key]
	if !ok {
		g = &gauge{}
		l.m[key] = g
	}
	return g
}

func (l *labeledGauges) snapshot() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.m))
	for k, g := range l.m {
		out[k] = g.value()
	}
	return out
}

type labeledHistograms struct {
	mu sync.Mutex
	m  map[string]*histogram
}

func newLabeledHistograms() *labeledHistograms {
	return &labeledHistograms{m: make(map[string]*histogram)}
}

func (l *labeledHistograms) get(key string) *histogram {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.m[key]
	if !ok {
		h = newHistogram()
		l.m[key] = h
	}
	return h
}

// Registry holds every metric the hypervisor exports, named exactly as
// spec.md §4.G requires.
type Registry struct {
	RequestsTotal             *labeledCounters
	RequestDurationMs         *labeledHistograms
	InstancesUp               *labeledGauges
	InstanceRestartsTotal     *labeledCounters
	InstanceStorageBytes      *labeledGauges
	InstanceStorageQuotaBytes *labeledGauges
	InstanceStorageUsageRatio *labeledGauges
}

func New() *Registry {
	return &Registry{
		RequestsTotal:             newLabeledCounters(),
		RequestDurationMs:         newLabeledHistograms(),
		InstancesUp:               newLabeledGauges(),
		InstanceRestartsTotal:     newLabeledCounters(),
		InstanceStorageBytes:      newLabeledGauges(),
		InstanceStorageQuotaBytes: newLabeledGauges(),
		InstanceStorageUsageRatio: newLabeledGauges(),
	}
}

func (r *Registry) IncRequests(labels map[string]string) {
	r.RequestsTotal.get(labelsToKey(labels)).add(1)
}

func (r *Registry) ObserveRequestDuration(labels map[string]string, ms float64) {
	r.RequestDurationMs.get(labelsToKey(labels)).observe(ms)
}

func (r *Registry) SetInstancesUp(labels map[string]string, n int64) {
	r.InstancesUp.get(labelsToKey(labels)).set(n)
}

func (r *Registry) IncInstanceRestarts(service, id string) {
	r.InstanceRestartsTotal.get(labelsToKey(map[string]string{"service": service, "id": id})).add(1)
}

func (r *Registry) SetInstanceStorage(service, id string, usedBytes, quotaBytes, ratio int64) {
	labels := labelsToKey(map[string]string{"service": service, "id": id})
	r.InstanceStorageBytes.get(labels).set(usedBytes)
	r.InstanceStorageQuotaBytes.get(labels).set(quotaBytes)
	r.InstanceStorageUsageRatio.get(labels).set(ratio)
}

// Export renders every metric in Prometheus text exposition format: HELP
// and TYPE lines, then one line per label-set.
func (r *Registry) Export() string {
	var b strings.Builder

	writeCounter := func(name, help string, lc *labeledCounters) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s counter\n", name)
		snap := lc.snapshot()
		keys := sortedKeys(snap)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s%s %d\n", name, formatLabels(k), snap[k])
		}
	}
	writeGauge := func(name, help string, lg *labeledGauges) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
		snap := lg.snapshot()
		keys := sortedKeysInt(snap)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s%s %d\n", name, formatLabels(k), snap[k])
		}
	}
	writeHistogram := func(name, help string, lh *labeledHistograms) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s histogram\n", name)
		lh.mu.Lock()
		keys := make([]string, 0, len(lh.m))
		for k := range lh.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		hs := make(map[string]*histogram, len(lh.m))
		for _, k := range keys {
			hs[k] = lh.m[k]
		}
		lh.mu.Unlock()

		for _, k := range keys {
			h := hs[k]
			bounds, cumCounts, total, sum := h.cumulative()
			baseLabels := k
			for i, bound := range bounds {
				labels := appendLabel(baseLabels, "le", strconv.FormatInt(bound, 10))
				fmt.Fprintf(&b, "%s_bucket%s %d\n", name, formatLabels(labels), cumCounts[i])
			}
			infLabels := appendLabel(baseLabels, "le", "+Inf")
			fmt.Fprintf(&b, "%s_bucket%s %d\n", name, formatLabels(infLabels), total)
			fmt.Fprintf(&b, "%s_sum%s %g\n", name, formatLabels(baseLabels), sum)
			fmt.Fprintf(&b, "%s_count%s %d\n", name, formatLabels(baseLabels), total)
		}
	}

	writeCounter("requests_total", "Total number of requests proxied or served.", r.RequestsTotal)
	writeHistogram("request_duration_ms", "Request duration in milliseconds.", r.RequestDurationMs)
	writeGauge("instances_up", "Number of currently running instances.", r.InstancesUp)
	writeCounter("instance_restarts_total", "Total number of automatic and explicit instance restarts.", r.InstanceRestartsTotal)
	writeGauge("instance_storage_bytes", "Bytes currently used by an instance's data directory.", r.InstanceStorageBytes)
	writeGauge("instance_storage_quota_bytes", "Configured storage quota in bytes for an instance, 0 if unbounded.", r.InstanceStorageQuotaBytes)
	writeGauge("instance_storage_usage_ratio", "Storage usage ratio scaled by 10000 (10000 = at quota).", r.InstanceStorageUsageRatio)

	return b.String()
}

func appendLabel(existing, key, value string) string {
	pair := fmt.Sprintf("%s=%q", key, value)
	if existing == "" {
		return pair
	}
	return existing + "," + pair
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysInt(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
