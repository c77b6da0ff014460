package metrics

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog/log"
)

// Handle is an opaque reference to a registered metric. Callers resolve
// handles once at construction and use them on the hot path.
type Handle struct {
	def     Def
	counter *prometheus.CounterVec
	gauge   *prometheus.GaugeVec
	hist    *prometheus.HistogramVec
}

// Name returns the metric name the handle refers to.
func (h *Handle) Name() string { return h.def.Name }

// Registry is the spec-driven metrics registry. It owns the prometheus
// registry, the cardinality guard state and (optionally) the emission
// batcher for counters.
type Registry struct {
	mu      sync.Mutex
	prom    *prometheus.Registry
	handles map[string]*Handle
	seen    map[string]map[string]struct{} // metric -> accepted label tuples
	strict  bool

	duplicates   *prometheus.CounterVec
	cardRejected *prometheus.CounterVec
	cardSeries   *prometheus.GaugeVec
	emitFail     prometheus.Counter
	emitFailOnce prometheus.Counter
	failSigs     map[string]struct{}

	batchQueueDepth  prometheus.Gauge
	batchUtilization prometheus.Gauge
	batchDropped     prometheus.Gauge

	batcher *Batcher
}

// Options tunes registry construction.
type Options struct {
	StrictDuplicate bool
	Batch           bool
	BatchIntervalMS int
	BuildConfigHash string
}

// NewRegistry builds the registry, registers the full spec table plus
// self-metrics, and starts nothing (the batcher runs via Run).
func NewRegistry(opts Options) (*Registry, error) {
	r := &Registry{
		prom:     prometheus.NewRegistry(),
		handles:  make(map[string]*Handle),
		seen:     make(map[string]map[string]struct{}),
		failSigs: make(map[string]struct{}),
		strict:   opts.StrictDuplicate,
	}
	r.registerSelfMetrics(opts.BuildConfigHash)

	for _, def := range Spec {
		if _, err := r.Register(def); err != nil {
			return nil, err
		}
	}

	if opts.Batch {
		interval := opts.BatchIntervalMS
		if interval <= 0 {
			interval = 200
		}
		r.batcher = NewBatcher(r, BatcherConfig{TargetIntervalMS: interval})
	}
	return r, nil
}

func (r *Registry) registerSelfMetrics(buildHash string) {
	r.duplicates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: nameDuplicates, Help: "Duplicate metric registrations",
	}, []string{"name"})
	r.cardRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: nameCardRejected, Help: "Label tuples rejected by the cardinality guard",
	}, []string{"metric"})
	r.cardSeries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: nameCardSeries, Help: "Accepted label series per metric",
	}, []string{"metric"})
	r.emitFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: nameEmissionFailures, Help: "Metric emission failures",
	})
	r.emitFailOnce = prometheus.NewCounter(prometheus.CounterOpts{
		Name: nameEmissionFailOnce, Help: "First-occurrence emission failures",
	})
	r.batchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: nameBatchQueueDepth, Help: "Pending coalesced counter entries",
	})
	r.batchUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: nameBatchUtilization, Help: "Batch utilization of the adaptive target",
	})
	r.batchDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: nameBatchDroppedRatio, Help: "Dropped/merged ratio of the emission batcher",
	})
	specHash := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: nameSpecHashInfo, Help: "Hash of the compiled metric spec",
	}, []string{"hash"})
	specHash.WithLabelValues(specTableHash()).Set(1)
	buildCfg := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: nameBuildConfigHash, Help: "Hash of the active build configuration",
	}, []string{"hash"})
	if buildHash == "" {
		buildHash = "dev"
	}
	buildCfg.WithLabelValues(buildHash).Set(1)

	r.prom.MustRegister(r.duplicates, r.cardRejected, r.cardSeries,
		r.emitFail, r.emitFailOnce, r.batchQueueDepth, r.batchUtilization,
		r.batchDropped, specHash, buildCfg)
}

func specTableHash() string {
	h := fnv.New64a()
	for _, d := range Spec {
		fmt.Fprintf(h, "%s|%d|%s|%d;", d.Name, d.Kind, strings.Join(d.Labels, ","), d.Budget)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Register validates a definition and installs it. Duplicates increment
// g6_metric_duplicates_total and, under the strict flag, abort.
func (r *Registry) Register(def Def) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[def.Name]; exists {
		r.duplicates.WithLabelValues(def.Name).Inc()
		if r.strict {
			return nil, fmt.Errorf("duplicate metric registration: %s", def.Name)
		}
		log.Warn().Str("metric", def.Name).Msg("duplicate metric registration ignored")
		return r.handles[def.Name], nil
	}

	h := &Handle{def: def}
	switch def.Kind {
	case KindCounter:
		h.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: def.Name, Help: def.Help}, def.Labels)
		r.prom.MustRegister(h.counter)
	case KindGauge:
		h.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: def.Name, Help: def.Help}, def.Labels)
		r.prom.MustRegister(h.gauge)
	case KindHistogram:
		buckets := def.Buckets
		if len(buckets) == 0 {
			buckets = durationBuckets
		}
		h.hist = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: def.Name, Help: def.Help, Buckets: buckets}, def.Labels)
		r.prom.MustRegister(h.hist)
	default:
		return nil, fmt.Errorf("metric %s: unknown kind %d", def.Name, def.Kind)
	}
	r.handles[def.Name] = h
	r.seen[def.Name] = make(map[string]struct{})
	return h, nil
}

// MustHandle resolves a handle from the spec table by name and panics when
// absent; spec table membership is a compile-time property.
func (r *Registry) MustHandle(name string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[name]
	if !ok {
		panic("metrics: unspecced metric " + name)
	}
	return h
}

// tupleKey builds the cardinality key for a label set, ordered by the
// definition's label names.
func tupleKey(def Def, labels map[string]string) string {
	if len(def.Labels) == 0 {
		return ""
	}
	parts := make([]string, len(def.Labels))
	for i, name := range def.Labels {
		parts[i] = labels[name]
	}
	return strings.Join(parts, "\x1f")
}

// admit runs the cardinality guard for one observation. Returns false when
// the label tuple is rejected.
func (r *Registry) admit(h *Handle, labels map[string]string) bool {
	if h.def.Budget <= 0 || len(h.def.Labels) == 0 {
		return true
	}
	key := tupleKey(h.def, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := r.seen[h.def.Name]
	if _, ok := seen[key]; ok {
		return true
	}
	if len(seen) >= h.def.Budget {
		r.cardRejected.WithLabelValues(h.def.Name).Inc()
		return false
	}
	seen[key] = struct{}{}
	r.cardSeries.WithLabelValues(h.def.Name).Set(float64(len(seen)))
	return true
}

func labelValues(def Def, labels map[string]string) []string {
	vals := make([]string, len(def.Labels))
	for i, name := range def.Labels {
		vals[i] = labels[name]
	}
	return vals
}

// Inc increments a counter. In batch mode increments coalesce in the
// batcher; the caller-side cost stays constant either way.
func (r *Registry) Inc(h *Handle, labels map[string]string, n float64) {
	if h == nil || h.counter == nil || n == 0 {
		return
	}
	if !r.admit(h, labels) {
		return
	}
	if r.batcher != nil {
		r.batcher.Enqueue(h, labels, n)
		return
	}
	r.applyInc(h, labels, n)
}

// applyInc performs the underlying counter add; the batcher flushes here.
func (r *Registry) applyInc(h *Handle, labels map[string]string, n float64) {
	r.safeEmit(h.def.Name, func() {
		h.counter.WithLabelValues(labelValues(h.def, labels)...).Add(n)
	})
}

// Set updates a gauge.
func (r *Registry) Set(h *Handle, labels map[string]string, v float64) {
	if h == nil || h.gauge == nil {
		return
	}
	if !r.admit(h, labels) {
		return
	}
	r.safeEmit(h.def.Name, func() {
		h.gauge.WithLabelValues(labelValues(h.def, labels)...).Set(v)
	})
}

// Observe records a histogram sample.
func (r *Registry) Observe(h *Handle, labels map[string]string, v float64) {
	if h == nil || h.hist == nil {
		return
	}
	if !r.admit(h, labels) {
		return
	}
	r.safeEmit(h.def.Name, func() {
		h.hist.WithLabelValues(labelValues(h.def, labels)...).Observe(v)
	})
}

// IncNamed increments a counter by spec name; the error router uses this.
func (r *Registry) IncNamed(name string, labels map[string]string, n float64) {
	r.mu.Lock()
	h, ok := r.handles[name]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.Inc(h, labels, n)
}

// SetNamed updates a gauge by spec name.
func (r *Registry) SetNamed(name string, labels map[string]string, v float64) {
	r.mu.Lock()
	h, ok := r.handles[name]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.Set(h, labels, v)
}

// safeEmit never lets a metric emission take down the caller. The first
// failure per (metric, error signature) counts once; repeats count in the
// aggregate failure counter.
func (r *Registry) safeEmit(metric string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			sig := fmt.Sprintf("%s|%v", metric, rec)
			r.mu.Lock()
			_, seen := r.failSigs[sig]
			if !seen {
				r.failSigs[sig] = struct{}{}
			}
			r.mu.Unlock()
			if !seen {
				r.emitFailOnce.Inc()
				log.Warn().Str("metric", metric).Interface("panic", rec).Msg("metric emission failed")
			} else {
				r.emitFail.Inc()
			}
		}
	}()
	fn()
}

// Render serializes the full registry in Prometheus text exposition format.
// It always returns whatever is gatherable; per-family gather errors are
// logged, not surfaced.
func (r *Registry) Render() []byte {
	if r.batcher != nil {
		r.batcher.Flush("render")
	}
	families, err := r.prom.Gather()
	if err != nil {
		log.Warn().Err(err).Msg("partial metrics gather")
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			log.Warn().Str("family", fam.GetName()).Err(err).Msg("metric family encode failed")
		}
	}
	return buf.Bytes()
}

// Gatherer exposes the underlying prometheus gatherer for promhttp.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.prom }

// Batcher returns the emission batcher, nil when batching is off.
func (r *Registry) Batcher() *Batcher { return r.batcher }

// CounterValue reads a counter's current value back out of the registry.
// Test and diagnostics seam, mirroring reads through the client model.
func (r *Registry) CounterValue(name string, labels map[string]string) float64 {
	r.mu.Lock()
	h, ok := r.handles[name]
	r.mu.Unlock()
	if !ok || h.counter == nil {
		return 0
	}
	m := &dto.Metric{}
	c, err := h.counter.GetMetricWithLabelValues(labelValues(h.def, labels)...)
	if err != nil {
		return 0
	}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// GaugeValue reads back a gauge's current value, 0 when unset or unknown.
func (r *Registry) GaugeValue(name string, labels map[string]string) float64 {
	r.mu.Lock()
	h, ok := r.handles[name]
	r.mu.Unlock()
	if !ok || h.gauge == nil {
		return 0
	}
	m := &dto.Metric{}
	g, err := h.gauge.GetMetricWithLabelValues(labelValues(h.def, labels)...)
	if err != nil {
		return 0
	}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
