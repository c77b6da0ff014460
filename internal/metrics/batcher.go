package metrics

import (
	"context"
	"sync"
	"time"
)

// BatcherConfig tunes the adaptive emission batcher.
type BatcherConfig struct {
	InitialTarget      int
	MinBatch           int
	MaxTarget          int
	HardCap            int // pending distinct entries beyond this drop oldest
	TargetIntervalMS   int
	MaxWaitMS          int // force flush when pending sit idle this long
	UnderUtilThreshold float64
	UnderUtilConsec    int
}

func (c *BatcherConfig) applyDefaults() {
	if c.InitialTarget <= 0 {
		c.InitialTarget = 64
	}
	if c.MinBatch <= 0 {
		c.MinBatch = 8
	}
	if c.MaxTarget <= 0 {
		c.MaxTarget = 4096
	}
	if c.HardCap <= 0 {
		c.HardCap = 8192
	}
	if c.TargetIntervalMS <= 0 {
		c.TargetIntervalMS = 200
	}
	if c.MaxWaitMS <= 0 {
		c.MaxWaitMS = 500
	}
	if c.UnderUtilThreshold <= 0 {
		c.UnderUtilThreshold = 0.25
	}
	if c.UnderUtilConsec <= 0 {
		c.UnderUtilConsec = 3
	}
}

type pendingEntry struct {
	handle *Handle
	labels map[string]string
	sum    float64
}

// Batcher coalesces counter increments keyed by (metric, label tuple) and
// flushes on size or time boundary with an adaptive target batch size.
type Batcher struct {
	mu  sync.Mutex
	reg *Registry
	cfg BatcherConfig

	entries map[string]*pendingEntry
	order   []string // insertion order, for drop-oldest under the hard cap

	target       int
	underUtilRun int

	merged          uint64 // increments merged since start
	dropped         uint64
	mergedLastFlush uint64

	rateEWMA     float64
	lastFlush    time.Time
	lastActivity time.Time
}

// NewBatcher builds a batcher bound to a registry.
func NewBatcher(reg *Registry, cfg BatcherConfig) *Batcher {
	cfg.applyDefaults()
	return &Batcher{
		reg:       reg,
		cfg:       cfg,
		entries:   make(map[string]*pendingEntry),
		target:    cfg.InitialTarget,
		lastFlush: time.Now(),
	}
}

// Enqueue coalesces one increment. Constant-time for the caller; a size
// boundary triggers an inline flush.
func (b *Batcher) Enqueue(h *Handle, labels map[string]string, n float64) {
	b.mu.Lock()
	key := h.def.Name + "\x1e" + tupleKey(h.def, labels)
	if e, ok := b.entries[key]; ok {
		e.sum += n
	} else {
		if len(b.entries) >= b.cfg.HardCap {
			b.dropOldestLocked()
		}
		// copy labels: callers may reuse their map
		lc := make(map[string]string, len(labels))
		for k, v := range labels {
			lc[k] = v
		}
		b.entries[key] = &pendingEntry{handle: h, labels: lc, sum: n}
		b.order = append(b.order, key)
	}
	b.merged++
	b.lastActivity = time.Now()
	b.reg.batchQueueDepth.Set(float64(len(b.entries)))

	var toApply []*pendingEntry
	if len(b.entries) >= b.target {
		toApply = b.drainLocked("size")
	}
	b.mu.Unlock()
	b.apply(toApply)
}

func (b *Batcher) dropOldestLocked() {
	for len(b.order) > 0 {
		key := b.order[0]
		b.order = b.order[1:]
		if _, ok := b.entries[key]; ok {
			delete(b.entries, key)
			b.dropped++
			break
		}
	}
	if b.merged > 0 {
		b.reg.batchDropped.Set(float64(b.dropped) / float64(b.merged))
	}
}

// Run flushes on the configured cadence until ctx is done. A final flush
// drains the queue on exit.
func (b *Batcher) Run(ctx context.Context) {
	interval := time.Duration(b.cfg.TargetIntervalMS) * time.Millisecond
	tick := time.NewTicker(interval / 4)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			b.Flush("shutdown")
			return
		case <-tick.C:
			b.mu.Lock()
			sinceFlush := time.Since(b.lastFlush)
			sinceActivity := time.Since(b.lastActivity)
			force := len(b.entries) > 0 && sinceActivity > time.Duration(b.cfg.MaxWaitMS)*time.Millisecond
			var toApply []*pendingEntry
			if sinceFlush >= interval || force {
				reason := "interval"
				if force {
					reason = "max_wait"
				}
				toApply = b.drainLocked(reason)
			}
			b.mu.Unlock()
			b.apply(toApply)
		}
	}
}

// Flush drains and applies all pending entries immediately.
func (b *Batcher) Flush(reason string) {
	b.mu.Lock()
	toApply := b.drainLocked(reason)
	b.mu.Unlock()
	b.apply(toApply)
}

// drainLocked snapshots pending entries, updates the adaptive target, and
// resets queue state. Caller holds the lock; application happens outside it.
func (b *Batcher) drainLocked(reason string) []*pendingEntry {
	distinct := len(b.entries)
	if distinct == 0 && reason != "interval" {
		return nil
	}
	out := make([]*pendingEntry, 0, distinct)
	for _, key := range b.order {
		if e, ok := b.entries[key]; ok {
			out = append(out, e)
		}
	}
	b.entries = make(map[string]*pendingEntry)
	b.order = b.order[:0]

	now := time.Now()
	elapsed := now.Sub(b.lastFlush).Seconds()
	if elapsed <= 0 {
		elapsed = 0.001
	}
	mergedThisWindow := b.merged - b.mergedLastFlush
	b.mergedLastFlush = b.merged
	instRate := float64(mergedThisWindow) / elapsed

	targetIntervalSec := float64(b.cfg.TargetIntervalMS) / 1000.0
	idleThreshold := float64(b.cfg.MinBatch) / targetIntervalSec / 4
	alpha := 0.3
	if instRate < idleThreshold {
		alpha = 0.6 // idle decay uses the larger alpha
	}
	b.rateEWMA = alpha*instRate + (1-alpha)*b.rateEWMA

	// scale up multiplicatively when the window rate meets the target
	if instRate >= float64(b.target) {
		b.target *= 2
		if b.target > b.cfg.MaxTarget {
			b.target = b.cfg.MaxTarget
		}
	}

	utilization := float64(distinct) / float64(b.target)
	b.reg.batchUtilization.Set(utilization)
	if utilization < b.cfg.UnderUtilThreshold {
		b.underUtilRun++
		if b.underUtilRun >= b.cfg.UnderUtilConsec {
			b.target = b.target * 3 / 4
			if b.target < b.cfg.MinBatch {
				b.target = b.cfg.MinBatch
			}
			b.underUtilRun = 0
		}
	} else {
		b.underUtilRun = 0
	}

	b.lastFlush = now
	b.reg.batchQueueDepth.Set(0)
	if b.merged > 0 {
		b.reg.batchDropped.Set(float64(b.dropped) / float64(b.merged))
	}
	return out
}

func (b *Batcher) apply(entries []*pendingEntry) {
	for _, e := range entries {
		b.reg.applyInc(e.handle, e.labels, e.sum)
	}
}

// Target exposes the current adaptive target for diagnostics and tests.
func (b *Batcher) Target() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.target
}

// PendingDepth returns the number of distinct queued entries.
func (b *Batcher) PendingDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
