package panels

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6collector/internal/metrics"
	"github.com/g6io/g6collector/internal/orchestrator"
)

// Gate modes.
const (
	GateAuto   = "auto"
	GateCycle  = "cycle"
	GateMinute = "minute"
	GateBucket = "bucket"
)

// maxStreamItems caps the indices_stream panel; oldest items drop first.
const maxStreamItems = 50

const stateFileName = ".indices_stream_state.json"

// StreamState is the persisted gate state. Corrupt files rebuild empty.
type StreamState struct {
	LastCycle  int64  `json:"last_cycle"`
	LastBucket string `json:"last_bucket"`
	WriterID   string `json:"writer_id,omitempty"`
}

// StreamItem is one indices_stream entry derived from a status snapshot.
type StreamItem struct {
	Index   string  `json:"index"`
	Legs    int     `json:"legs"`
	Fails   int     `json:"fails"`
	Status  string  `json:"status"`
	ATM     float64 `json:"atm"`
	Spot    float64 `json:"spot"`
	TimeHMS string  `json:"time_hms"`
}

// Gater decides, once per summary tick, whether the current cycle's status
// snapshot appends to the indices_stream panel. It is the single writer of
// the stream state file.
type Gater struct {
	dir      string
	mode     string
	writerID string

	state  StreamState
	loaded bool
	items  []StreamItem

	reg       *metrics.Registry
	mAppend   *metrics.Handle
	mSkipped  *metrics.Handle
	mModeInfo *metrics.Handle
	mConflict *metrics.Handle
	mStateErr *metrics.Handle

	now func() time.Time
}

// NewGater builds a gater over the panel directory. writerID distinguishes
// this process in the state file so concurrent writers are detectable.
func NewGater(dir, mode, writerID string, reg *metrics.Registry) *Gater {
	g := &Gater{dir: dir, mode: mode, writerID: writerID, reg: reg, now: time.Now}
	if reg != nil {
		g.mAppend = reg.MustHandle("g6_stream_append_total")
		g.mSkipped = reg.MustHandle("g6_stream_skipped_total")
		g.mModeInfo = reg.MustHandle("g6_stream_gate_mode_info")
		g.mConflict = reg.MustHandle("g6_stream_conflict_total")
		g.mStateErr = reg.MustHandle("g6_stream_state_persist_errors_total")
		for _, m := range []string{GateAuto, GateCycle, GateMinute, GateBucket} {
			v := 0.0
			if m == mode {
				v = 1
			}
			reg.Set(g.mModeInfo, map[string]string{"mode": m}, v)
		}
	}
	return g
}

func (g *Gater) statePath() string { return filepath.Join(g.dir, stateFileName) }

func (g *Gater) loadState() {
	raw, err := os.ReadFile(g.statePath())
	if err != nil {
		if !os.IsNotExist(err) {
			g.countStateErr()
		}
		g.state = StreamState{}
		return
	}
	var st StreamState
	if err := json.Unmarshal(raw, &st); err != nil {
		// corrupt state rebuilds empty; the stream resumes from scratch
		log.Warn().Err(err).Msg("stream state corrupt, rebuilding")
		g.countStateErr()
		g.state = StreamState{}
		return
	}
	if st.WriterID != "" && g.writerID != "" && st.WriterID != g.writerID && g.loaded {
		if g.reg != nil {
			g.reg.Inc(g.mConflict, nil, 1)
		}
		log.Warn().Str("other_writer", st.WriterID).Msg("concurrent stream state writer detected")
	}
	g.state = st
}

func (g *Gater) persistState() {
	g.state.WriterID = g.writerID
	payload, err := json.Marshal(g.state)
	if err != nil {
		g.countStateErr()
		return
	}
	tmp := g.statePath() + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		g.countStateErr()
		return
	}
	if err := os.Rename(tmp, g.statePath()); err != nil {
		g.countStateErr()
	}
}

func (g *Gater) countStateErr() {
	if g.reg != nil {
		g.reg.Inc(g.mStateErr, nil, 1)
	}
}

// effectiveMode resolves auto: cycle when a cycle number is available, else
// minute bucketing.
func (g *Gater) effectiveMode(cycle int64) string {
	if g.mode != GateAuto {
		return g.mode
	}
	if cycle > 0 {
		return GateCycle
	}
	return GateMinute
}

// Run gates one status snapshot. It appends to the indices_stream panel at
// most once per cycle (or minute bucket) and emits the heartbeat patch into
// the system panel. Invoked from the summary loop right after the panels
// writer commits.
func (g *Gater) Run(status orchestrator.RuntimeStatus, txn *Txn) {
	g.loadState()
	g.loaded = true

	now := g.now().UTC()
	curBucket := now.Format("15:04")
	mode := g.effectiveMode(status.Cycle)

	// the bridge heartbeat refreshes on every invocation, gated or not
	txn.Put("system", "", map[string]any{
		"bridge": map[string]any{
			"last_publish": now.Format("2006-01-02T15:04:05Z"),
			"cycle":        status.Cycle,
		},
	})

	var due bool
	switch mode {
	case GateCycle:
		due = status.Cycle != g.state.LastCycle
	default: // minute and bucket share the HH:MM derivation
		due = curBucket != g.state.LastBucket
	}

	if !due {
		if g.reg != nil {
			g.reg.Inc(g.mSkipped, map[string]string{"mode": mode, "reason": "no_change"}, 1)
		}
		return
	}

	for _, sym := range status.Indices {
		info := status.IndicesInfo[sym]
		fails := 0
		if !status.ReadinessOK {
			fails = 1
		}
		item := StreamItem{
			Index:   sym,
			Legs:    info.Options,
			Fails:   fails,
			Status:  streamStatus(status.ReadinessOK),
			ATM:     info.ATM,
			Spot:    info.LTP,
			TimeHMS: now.Format("15:04:05"),
		}
		g.items = append(g.items, item)
	}
	if len(g.items) > maxStreamItems {
		g.items = g.items[len(g.items)-maxStreamItems:]
	}

	txn.Put("indices_stream", "stream", g.items)

	g.state.LastCycle = status.Cycle
	g.state.LastBucket = curBucket
	g.persistState()
	if g.reg != nil {
		g.reg.Inc(g.mAppend, map[string]string{"mode": mode}, 1)
	}
}

func streamStatus(ok bool) string {
	if ok {
		return "OK"
	}
	return "DEGRADED"
}
