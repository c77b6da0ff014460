package summary

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/g6io/g6collector/internal/config"
	"github.com/g6io/g6collector/internal/metrics"
	"github.com/g6io/g6collector/internal/orchestrator"
	"github.com/g6io/g6collector/internal/panels"
	"github.com/g6io/g6collector/internal/pipeline"
	"github.com/g6io/g6collector/internal/sse"
)

// PanelsPlugin commits the per-tick panel set: an indices panel and an
// overview panel derived from the runtime status.
type PanelsPlugin struct {
	writer    *panels.Writer
	lastCycle int64
}

func NewPanelsPlugin(writer *panels.Writer) *PanelsPlugin {
	return &PanelsPlugin{writer: writer}
}

func (p *PanelsPlugin) Name() string { return "panels_writer" }

func (p *PanelsPlugin) Run(_ context.Context, status orchestrator.RuntimeStatus) error {
	if status.Cycle == p.lastCycle {
		return nil
	}
	txn := p.writer.BeginTxn()
	txn.Put("indices", "", status.IndicesInfo)
	txn.Put("overview", "", map[string]any{
		"cycle":              status.Cycle,
		"elapsed":            status.Elapsed,
		"success_rate_pct":   status.SuccessRatePct,
		"options_last_cycle": status.OptionsLastCycle,
		"options_per_minute": status.OptionsPerMinute,
		"readiness_ok":       status.ReadinessOK,
		"readiness_reason":   status.ReadinessReason,
	})
	if err := txn.Commit(); err != nil {
		return err
	}
	p.lastCycle = status.Cycle
	return nil
}

// GaterPlugin runs the stream gater right after the panels writer; the
// gater's appends commit in their own transaction.
type GaterPlugin struct {
	writer *panels.Writer
	gater  *panels.Gater
}

func NewGaterPlugin(writer *panels.Writer, gater *panels.Gater) *GaterPlugin {
	return &GaterPlugin{writer: writer, gater: gater}
}

func (g *GaterPlugin) Name() string { return "stream_gater" }

func (g *GaterPlugin) Run(_ context.Context, status orchestrator.RuntimeStatus) error {
	txn := g.writer.BeginTxn()
	g.gater.Run(status, txn)
	return txn.Commit()
}

// SnapshotsPlugin mirrors the expiry snapshot cache into a snapshots panel
// once per cycle, keyed by the configured index/rule pairs.
type SnapshotsPlugin struct {
	writer    *panels.Writer
	cache     *pipeline.SnapshotCache
	indices   []config.IndexParams
	lastCycle int64
}

func NewSnapshotsPlugin(writer *panels.Writer, cache *pipeline.SnapshotCache, indices []config.IndexParams) *SnapshotsPlugin {
	return &SnapshotsPlugin{writer: writer, cache: cache, indices: indices}
}

func (p *SnapshotsPlugin) Name() string { return "snapshots_writer" }

func (p *SnapshotsPlugin) Run(_ context.Context, status orchestrator.RuntimeStatus) error {
	if status.Cycle == p.lastCycle {
		return nil
	}
	snaps := make(map[string]pipeline.ExpirySnapshot)
	for _, idx := range p.indices {
		for _, rule := range idx.Expiries {
			if snap, ok := p.cache.Get(idx.Symbol, rule); ok {
				snaps[idx.Symbol+"|"+rule] = snap
			}
		}
	}
	if len(snaps) == 0 {
		return nil
	}
	txn := p.writer.BeginTxn()
	txn.Put("snapshots", "", snaps)
	if err := txn.Commit(); err != nil {
		return err
	}
	p.lastCycle = status.Cycle
	return nil
}

// SSEPlugin publishes panel changes to connected clients and doubles as the
// publisher's snapshot source for hello/resync.
type SSEPlugin struct {
	writer     *panels.Writer
	publisher  *sse.Publisher
	structured bool
	maxChanges int

	mu         sync.Mutex
	lastHashes map[string]string
	lastBodies map[string][]byte
	status     orchestrator.RuntimeStatus
}

func NewSSEPlugin(writer *panels.Writer, structured bool, maxChanges int) *SSEPlugin {
	return &SSEPlugin{
		writer:     writer,
		structured: structured,
		maxChanges: maxChanges,
		lastHashes: make(map[string]string),
		lastBodies: make(map[string][]byte),
	}
}

// SetPublisher breaks the construction cycle: the publisher needs the plugin
// as snapshot source before the plugin can hold the publisher.
func (s *SSEPlugin) SetPublisher(p *sse.Publisher) { s.publisher = p }

func (s *SSEPlugin) Name() string { return "sse_publisher" }

// Snapshot implements sse.SnapshotSource.
func (s *SSEPlugin) Snapshot() (any, map[string]string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashes := make(map[string]string, len(s.lastHashes))
	for k, v := range s.lastHashes {
		hashes[k] = v
	}
	return s.status, hashes, s.status.Cycle
}

func (s *SSEPlugin) Run(_ context.Context, status orchestrator.RuntimeStatus) error {
	s.mu.Lock()
	s.status = status
	prevHashes := s.lastHashes
	s.mu.Unlock()

	cur := s.writer.Hashes()
	committedAt := time.Now()
	for panel, hash := range cur {
		if prevHashes[panel] == hash {
			continue
		}
		env, err := panels.ReadEnvelope(s.writer.Dir(), panel)
		if err != nil {
			continue
		}
		body, err := json.MarshalIndent(env.Data, "", "  ")
		if err != nil {
			continue
		}
		evt := s.buildEvent(panel, hash, body, status.Cycle)
		if s.publisher != nil {
			s.publisher.PublishPanel(evt, committedAt)
		}
		s.mu.Lock()
		s.lastBodies[panel] = body
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.lastHashes = cur
	s.mu.Unlock()
	return nil
}

// buildEvent prefers a structured line diff and falls back to a plain
// panel_update when the change count exceeds the configured cap.
func (s *SSEPlugin) buildEvent(panel, hash string, body []byte, cycle int64) sse.Event {
	plain := func() sse.Event {
		return sse.Event{
			Type:  sse.TypePanelUpdate,
			Panel: panel,
			Cycle: cycle,
			Data:  mustRaw(map[string]any{"panel": panel, "hash": hash, "cycle": cycle, "data": json.RawMessage(body)}),
		}
	}
	if !s.structured {
		return plain()
	}
	s.mu.Lock()
	old := s.lastBodies[panel]
	s.mu.Unlock()
	if old == nil {
		return plain()
	}
	changed, added, removed, total := sse.DiffLines(old, body)
	if len(changed)+added+removed > s.maxChanges {
		return plain()
	}
	payload := sse.StructuredPayload{
		Cycle: cycle,
		Updates: []sse.StructuredUpdate{{
			Panel:        panel,
			Hash:         hash,
			Added:        added,
			Removed:      removed,
			ChangedLines: changed,
			TotalLines:   total,
		}},
	}
	return sse.Event{Type: sse.TypeStructuredUpdate, Panel: panel, Cycle: cycle, Data: mustRaw(payload)}
}

func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// MetricsEmitterPlugin closes each tick by flushing the emission batcher so
// scrape freshness tracks the summary cadence.
type MetricsEmitterPlugin struct {
	reg *metrics.Registry
}

func NewMetricsEmitterPlugin(reg *metrics.Registry) *MetricsEmitterPlugin {
	return &MetricsEmitterPlugin{reg: reg}
}

func (m *MetricsEmitterPlugin) Name() string { return "metrics_emitter" }

func (m *MetricsEmitterPlugin) Run(context.Context, orchestrator.RuntimeStatus) error {
	if b := m.reg.Batcher(); b != nil {
		b.Flush("summary_tick")
	}
	return nil
}
