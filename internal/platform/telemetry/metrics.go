// Package telemetry exposes request and model-call metrics in Prometheus text
// format and wires OpenTelemetry tracing for the HTTP server and the language
// model client.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram keeps non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated with CAS
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled stores
// ---------------------------------------------------------------------------

// labelsKey joins label values in declaration order.
func labelsKey(values ...string) string {
	return strings.Join(values, "|")
}

type histogramVec struct {
	labels     []string
	boundaries []float64
	mu         sync.RWMutex
	items      map[string]*histogram
}

func newHistogramVec(boundaries []float64, labels ...string) *histogramVec {
	return &histogramVec{labels: labels, boundaries: boundaries, items: make(map[string]*histogram)}
}

func (v *histogramVec) with(values ...string) *histogram {
	key := labelsKey(values...)
	v.mu.RLock()
	h, ok := v.items[key]
	v.mu.RUnlock()
	if ok {
		return h
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if h, ok = v.items[key]; !ok {
		h = newHistogram(v.boundaries)
		v.items[key] = h
	}
	return h
}

func (v *histogramVec) get(values ...string) *histogram {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.items[labelsKey(values...)]
}

func (v *histogramVec) snapshot() map[string]*histogram {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cp := make(map[string]*histogram, len(v.items))
	for k, h := range v.items {
		cp[k] = h
	}
	return cp
}

type counterVec struct {
	labels []string
	mu     sync.RWMutex
	items  map[string]*int64
}

func newCounterVec(labels ...string) *counterVec {
	return &counterVec{labels: labels, items: make(map[string]*int64)}
}

func (v *counterVec) add(delta int64, values ...string) {
	key := labelsKey(values...)
	v.mu.RLock()
	p, ok := v.items[key]
	v.mu.RUnlock()
	if !ok {
		v.mu.Lock()
		if p, ok = v.items[key]; !ok {
			p = new(int64)
			v.items[key] = p
		}
		v.mu.Unlock()
	}
	atomic.AddInt64(p, delta)
}

func (v *counterVec) get(values ...string) int64 {
	v.mu.RLock()
	p, ok := v.items[labelsKey(values...)]
	v.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (v *counterVec) snapshot() map[string]int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cp := make(map[string]int64, len(v.items))
	for k, p := range v.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// durationBuckets are in seconds. Model calls routinely take several seconds
// so the upper buckets go past the usual HTTP range.
var durationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0,
}

// Metrics is the process-wide metric registry served at /metrics.
type Metrics struct {
	httpDuration  *histogramVec
	httpActive    int64
	llmDuration   *histogramVec
	llmCalls      *counterVec
	ingestedItems *counterVec
	ingestions    *counterVec
	pool          *pgxpool.Pool
	now           func() time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		httpDuration:  newHistogramVec(durationBuckets, "method", "route", "status_code"),
		llmDuration:   newHistogramVec(durationBuckets, "provider", "mode"),
		llmCalls:      newCounterVec("provider", "mode", "outcome"),
		ingestedItems: newCounterVec("type"),
		ingestions:    newCounterVec("outcome"),
		now:           time.Now,
	}
}

// WithPool reports pgxpool statistics on every scrape.
func (m *Metrics) WithPool(pool *pgxpool.Pool) *Metrics {
	m.pool = pool
	return m
}

// Middleware records one duration observation per request, labeled by the
// route pattern rather than the raw path so patient ids never become labels.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.httpActive, 1)
			defer atomic.AddInt64(&m.httpActive, -1)

			start := m.now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}
			m.httpDuration.with(c.Request().Method, route, fmt.Sprintf("%d", status)).
				Observe(m.now().Sub(start).Seconds())
			return err
		}
	}
}

// ObserveLLMCall records one language model call.
func (m *Metrics) ObserveLLMCall(provider, mode string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.llmCalls.add(1, provider, mode, outcome)
	m.llmDuration.with(provider, mode).Observe(d.Seconds())
}

// ObserveIngestion records one ingestion and the number of items it stored
// per context type.
func (m *Metrics) ObserveIngestion(itemsByType map[string]int, err error) {
	if err != nil {
		m.ingestions.add(1, "failed")
		return
	}
	m.ingestions.add(1, "completed")
	for typ, n := range itemsByType {
		m.ingestedItems.add(int64(n), typ)
	}
}

// ---------------------------------------------------------------------------
// Prometheus exposition
// ---------------------------------------------------------------------------

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeHistogramVec(&b, "http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.", m.httpDuration)

		b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&m.httpActive))

		writeCounterVec(&b, "llm_calls_total", "Language model calls by provider, mode and outcome.", m.llmCalls)
		writeHistogramVec(&b, "llm_call_duration_seconds",
			"Duration of language model calls in seconds.", m.llmDuration)
		writeCounterVec(&b, "ehr_ingestions_total", "Patient record ingestions by outcome.", m.ingestions)
		writeCounterVec(&b, "ehr_context_items_ingested_total", "Context items stored by type.", m.ingestedItems)

		if m.pool != nil {
			stat := m.pool.Stat()
			writeGauge(&b, "db_pool_total_connections", "Open connections in the pool.", int64(stat.TotalConns()))
			writeGauge(&b, "db_pool_acquired_connections", "Connections currently in use.", int64(stat.AcquiredConns()))
			writeGauge(&b, "db_pool_idle_connections", "Idle connections in the pool.", int64(stat.IdleConns()))
		}

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func writeGauge(b *strings.Builder, name, help string, v int64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n\n", name, help, name, name, v)
}

func writeCounterVec(b *strings.Builder, name, help string, v *counterVec) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
	snap := v.snapshot()
	for _, key := range sortedKeys(snap) {
		fmt.Fprintf(b, "%s{%s} %d\n", name, formatLabels(v.labels, key), snap[key])
	}
	b.WriteByte('\n')
}

func writeHistogramVec(b *strings.Builder, name, help string, v *histogramVec) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s histogram\n", name, help, name)
	snap := v.snapshot()
	for _, key := range sortedKeys(snap) {
		writeSingleHistogram(b, name, formatLabels(v.labels, key), snap[key])
	}
	b.WriteByte('\n')
}

func writeSingleHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	total := h.Count()
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}

func formatLabels(names []string, key string) string {
	values := strings.SplitN(key, "|", len(names))
	pairs := make([]string, 0, len(names))
	for i, n := range names {
		val := ""
		if i < len(values) {
			val = values[i]
		}
		pairs = append(pairs, fmt.Sprintf("%s=%q", n, val))
	}
	return strings.Join(pairs, ",")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
