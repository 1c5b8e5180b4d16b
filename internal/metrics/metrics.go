// Package metrics provides Prometheus-compatible metrics for tailview.
//
// Features:
//   - Counters for appended records, filter evaluations, task outcomes
//   - Gauges for running tasks and cache size
//   - Histograms for task and reindex duration
//   - Prometheus text and JSON exposition with stable ordering
//   - Optional HTTP endpoint for scraping
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// TypeCounter is a monotonically increasing counter.
	TypeCounter MetricType = iota
	// TypeGauge is a value that can go up and down.
	TypeGauge
	// TypeHistogram is a distribution of values.
	TypeHistogram
)

// String returns the Prometheus name of the metric type.
func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels.
type Labels map[string]string

// String formats labels as {k="v",...} with sorted keys and escaped values.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	parts := make([]string, 0, len(l))
	for _, k := range slices.Sorted(maps.Keys(l)) {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, labelEscaper.Replace(l[k])))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// with returns the label string with one extra label appended.
func (l Labels) with(key, value string) string {
	s := l.String()
	extra := fmt.Sprintf(`%s="%s"`, key, value)
	if s == "" {
		return "{" + extra + "}"
	}
	return s[:len(s)-1] + "," + extra + "}"
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

type metric interface {
	Name() string
	Help() string
	Type() MetricType
	writeSamples(w io.Writer)
	jsonValue() map[string]any
	reset()
}

type meta struct {
	name   string
	help   string
	labels Labels
}

func (m *meta) Name() string { return m.name }
func (m *meta) Help() string { return m.help }

// Counter is a monotonically increasing counter.
type Counter struct {
	meta
	value atomic.Uint64
}

// NewCounter creates an unregistered Counter.
func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{meta: meta{name: name, help: help, labels: labels}}
}

func (c *Counter) Inc()             { c.value.Add(1) }
func (c *Counter) Add(v uint64)     { c.value.Add(v) }
func (c *Counter) Value() uint64    { return c.value.Load() }
func (c *Counter) Type() MetricType { return TypeCounter }

func (c *Counter) writeSamples(w io.Writer) {
	fmt.Fprintf(w, "%s%s %d\n", c.name, c.labels.String(), c.Value())
}

func (c *Counter) jsonValue() map[string]any {
	return map[string]any{"type": "counter", "help": c.help, "labels": c.labels, "value": c.Value()}
}

func (c *Counter) reset() { c.value.Store(0) }

// Gauge is a value that can go up and down.
type Gauge struct {
	meta
	value atomic.Int64
}

// NewGauge creates an unregistered Gauge.
func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{meta: meta{name: name, help: help, labels: labels}}
}

func (g *Gauge) Set(v int64)      { g.value.Store(v) }
func (g *Gauge) Inc()             { g.value.Add(1) }
func (g *Gauge) Dec()             { g.value.Add(-1) }
func (g *Gauge) Add(v int64)      { g.value.Add(v) }
func (g *Gauge) Value() int64     { return g.value.Load() }
func (g *Gauge) Type() MetricType { return TypeGauge }

func (g *Gauge) writeSamples(w io.Writer) {
	fmt.Fprintf(w, "%s%s %d\n", g.name, g.labels.String(), g.Value())
}

func (g *Gauge) jsonValue() map[string]any {
	return map[string]any{"type": "gauge", "help": g.help, "labels": g.labels, "value": g.Value()}
}

func (g *Gauge) reset() { g.value.Store(0) }

// DurationBuckets are buckets for duration histograms, in seconds.
var DurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// Histogram tracks the distribution of values. Bucket counts are stored
// per bucket and made cumulative on output.
type Histogram struct {
	meta
	buckets []float64

	mu     sync.Mutex
	counts []uint64 // len(buckets)+1, the last is +Inf
	sum    float64
	count  uint64
}

// NewHistogram creates an unregistered Histogram. Nil buckets use
// DurationBuckets.
func NewHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DurationBuckets
	}
	sorted := slices.Clone(buckets)
	slices.Sort(sorted)
	return &Histogram{
		meta:    meta{name: name, help: help, labels: labels},
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	// First bucket whose upper bound is >= v.
	idx, _ := slices.BinarySearch(h.buckets, v)

	h.mu.Lock()
	h.counts[idx]++
	h.sum += v
	h.count++
	h.mu.Unlock()
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

func (h *Histogram) Type() MetricType { return TypeHistogram }

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Mean returns the mean of observed values.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Quantile estimates the q-th quantile (0..1) by linear interpolation
// inside the bucket that contains it. Values above the last bucket report
// the last bound.
func (h *Histogram) Quantile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 || len(h.buckets) == 0 {
		return 0
	}
	rank := q * float64(h.count)
	var seen uint64
	for i, n := range h.counts[:len(h.buckets)] {
		if n > 0 && float64(seen+n) >= rank {
			lower := 0.0
			if i > 0 {
				lower = h.buckets[i-1]
			}
			return lower + (h.buckets[i]-lower)*(rank-float64(seen))/float64(n)
		}
		seen += n
	}
	return h.buckets[len(h.buckets)-1]
}

func (h *Histogram) cumulative() []uint64 {
	out := make([]uint64, len(h.counts))
	var total uint64
	for i, n := range h.counts {
		total += n
		out[i] = total
	}
	return out
}

func (h *Histogram) writeSamples(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := h.cumulative()
	for i, bound := range h.buckets {
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.with("le", fmt.Sprint(bound)), cum[i])
	}
	fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.with("le", "+Inf"), cum[len(h.buckets)])
	fmt.Fprintf(w, "%s_sum%s %g\n", h.name, h.labels.String(), h.sum)
	fmt.Fprintf(w, "%s_count%s %d\n", h.name, h.labels.String(), h.count)
}

func (h *Histogram) jsonValue() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := h.cumulative()
	buckets := make(map[string]uint64, len(cum))
	for i, bound := range h.buckets {
		buckets[fmt.Sprint(bound)] = cum[i]
	}
	buckets["+Inf"] = cum[len(h.buckets)]
	mean := 0.0
	if h.count > 0 {
		mean = h.sum / float64(h.count)
	}
	return map[string]any{
		"type":    "histogram",
		"help":    h.help,
		"labels":  h.labels,
		"buckets": buckets,
		"sum":     h.sum,
		"count":   h.count,
		"mean":    mean,
	}
}

func (h *Histogram) reset() {
	h.mu.Lock()
	clear(h.counts)
	h.sum, h.count = 0, 0
	h.mu.Unlock()
}

// Registry holds named metrics. Registering a name twice returns the
// existing metric; registering it with a different type panics.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]metric

	namespace string
	subsystem string
}

// NewRegistry creates a Registry whose metric names are prefixed with
// namespace and subsystem.
func NewRegistry(namespace, subsystem string) *Registry {
	return &Registry{
		metrics:   make(map[string]metric),
		namespace: namespace,
		subsystem: subsystem,
	}
}

func (r *Registry) fullName(name string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.namespace, r.subsystem, name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "_")
}

func register[M metric](r *Registry, name string, build func(fullName string) M) M {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	if existing, ok := r.metrics[full]; ok {
		m, ok := existing.(M)
		if !ok {
			panic(fmt.Sprintf("metrics: %s already registered as %s", full, existing.Type()))
		}
		return m
	}
	m := build(full)
	r.metrics[full] = m
	return m
}

func lookup[M metric](r *Registry, name string) M {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, _ := r.metrics[r.fullName(name)].(M)
	return m
}

// RegisterCounter registers a counter.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	return register(r, name, func(full string) *Counter { return NewCounter(full, help, labels) })
}

// RegisterGauge registers a gauge.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	return register(r, name, func(full string) *Gauge { return NewGauge(full, help, labels) })
}

// RegisterHistogram registers a histogram.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	return register(r, name, func(full string) *Histogram { return NewHistogram(full, help, labels, buckets) })
}

// Counter returns the counter registered under name, or nil.
func (r *Registry) Counter(name string) *Counter { return lookup[*Counter](r, name) }

// Gauge returns the gauge registered under name, or nil.
func (r *Registry) Gauge(name string) *Gauge { return lookup[*Gauge](r, name) }

// Histogram returns the histogram registered under name, or nil.
func (r *Registry) Histogram(name string) *Histogram { return lookup[*Histogram](r, name) }

// sorted returns the metrics ordered by name.
func (r *Registry) sorted() []metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := slices.Collect(maps.Values(r.metrics))
	slices.SortFunc(out, func(a, b metric) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}

// WritePrometheus writes all metrics in Prometheus text format, ordered
// by name.
func (r *Registry) WritePrometheus(w io.Writer) error {
	var b strings.Builder
	for _, m := range r.sorted() {
		fmt.Fprintf(&b, "# HELP %s %s\n", m.Name(), m.Help())
		fmt.Fprintf(&b, "# TYPE %s %s\n", m.Name(), m.Type())
		m.writeSamples(&b)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteJSON writes all metrics as an indented JSON object keyed by name.
func (r *Registry) WriteJSON(w io.Writer) error {
	out := make(map[string]any)
	for _, m := range r.sorted() {
		out[m.Name()] = m.jsonValue()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Snapshot returns current values keyed by name. Histograms contribute
// _sum, _count and _mean entries.
func (r *Registry) Snapshot() map[string]any {
	snapshot := make(map[string]any)
	for _, m := range r.sorted() {
		switch v := m.(type) {
		case *Counter:
			snapshot[v.name] = v.Value()
		case *Gauge:
			snapshot[v.name] = v.Value()
		case *Histogram:
			snapshot[v.name+"_sum"] = v.Sum()
			snapshot[v.name+"_count"] = v.Count()
			snapshot[v.name+"_mean"] = v.Mean()
		}
	}
	return snapshot
}

// Reset zeroes every metric.
func (r *Registry) Reset() {
	for _, m := range r.sorted() {
		m.reset()
	}
}

// HTTPHandler serves JSON when the request accepts it and Prometheus
// text otherwise.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			_ = r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = r.WritePrometheus(w)
	})
}

// Serve exposes the registry at /metrics on addr until ctx is done. It
// returns once the listener is bound; the returned channel yields the
// server's terminal error (nil after a clean shutdown).
func (r *Registry) Serve(ctx context.Context, addr string) (net.Addr, <-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.HTTPHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	done := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return ln.Addr(), done, nil
}

var (
	defaultRegistry   = NewRegistry("tailview", "")
	defaultRegistryMu sync.RWMutex
)

// Default returns the global registry.
func Default() *Registry {
	defaultRegistryMu.RLock()
	defer defaultRegistryMu.RUnlock()
	return defaultRegistry
}

// SetDefault replaces the global registry.
func SetDefault(r *Registry) {
	defaultRegistryMu.Lock()
	defaultRegistry = r
	defaultRegistryMu.Unlock()
}
