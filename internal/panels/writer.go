package panels

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6collector/internal/metrics"
)

// Envelope is the wrapped panel payload. Consumers read from data; no
// top-level field duplication.
type Envelope struct {
	Panel     string `json:"panel"`
	UpdatedAt string `json:"updated_at"` // UTC ISO with trailing Z
	Kind      string `json:"kind,omitempty"`
	Data      any    `json:"data"`
}

// Meta is the .meta.json sidecar recording the last committed transaction.
type Meta struct {
	LastTxnID   int64    `json:"last_txn_id"`
	CommittedAt string   `json:"committed_at"`
	Panels      []string `json:"panels"`
}

// Writer commits panel JSON artifacts transactionally: all panels of a txn
// replace their targets via tmp-and-rename, then the meta sidecar lands.
// When frozen it accepts transactions and drops them.
type Writer struct {
	dir    string
	frozen bool

	mu     sync.Mutex
	txnSeq int64
	hashes map[string]string // panel -> fnv-1a hex of canonical data

	reg      *metrics.Registry
	mCommits *metrics.Handle
	mErrors  *metrics.Handle
}

// NewWriter builds a writer rooted at dir. Frozen writers register no panel
// metrics and never touch the filesystem.
func NewWriter(dir string, frozen bool, reg *metrics.Registry) *Writer {
	w := &Writer{dir: dir, frozen: frozen, hashes: make(map[string]string)}
	if reg != nil && !frozen {
		w.reg = reg
		w.mCommits = reg.MustHandle("g6_panel_commits_total")
		w.mErrors = reg.MustHandle("g6_panel_commit_errors_total")
	}
	return w
}

// Txn buffers panel writes until Commit.
type Txn struct {
	w       *Writer
	id      int64
	entries []Envelope
}

// BeginTxn opens a buffered transaction.
func (w *Writer) BeginTxn() *Txn {
	w.mu.Lock()
	w.txnSeq++
	id := w.txnSeq
	w.mu.Unlock()
	return &Txn{w: w, id: id}
}

// Put stages one panel. kind is optional and may be empty.
func (t *Txn) Put(panel, kind string, data any) {
	t.entries = append(t.entries, Envelope{
		Panel:     panel,
		UpdatedAt: time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		Kind:      kind,
		Data:      data,
	})
}

// Commit atomically replaces every staged panel file, then the meta sidecar.
// Any failure leaves previously committed files intact and reports the txn
// as failed.
func (t *Txn) Commit() error {
	w := t.w
	if w.frozen || len(t.entries) == 0 {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.countError()
		return fmt.Errorf("panels dir: %w", err)
	}

	panels := make([]string, 0, len(t.entries))
	staged := make(map[string]string, len(t.entries)) // final path -> tmp path
	for _, env := range t.entries {
		payload, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			w.countError()
			return fmt.Errorf("panel %s encode: %w", env.Panel, err)
		}
		final := filepath.Join(w.dir, env.Panel+".json")
		tmp := final + ".tmp"
		if err := os.WriteFile(tmp, payload, 0o644); err != nil {
			w.countError()
			return fmt.Errorf("panel %s stage: %w", env.Panel, err)
		}
		staged[final] = tmp
		panels = append(panels, env.Panel)
	}
	for final, tmp := range staged {
		if err := os.Rename(tmp, final); err != nil {
			w.countError()
			return fmt.Errorf("panel commit %s: %w", filepath.Base(final), err)
		}
	}

	w.mu.Lock()
	for _, env := range t.entries {
		w.hashes[env.Panel] = HashData(env.Data)
	}
	w.mu.Unlock()

	sort.Strings(panels)
	meta := Meta{
		LastTxnID:   t.id,
		CommittedAt: time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		Panels:      panels,
	}
	metaPayload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		w.countError()
		return fmt.Errorf("meta encode: %w", err)
	}
	metaPath := filepath.Join(w.dir, ".meta.json")
	if err := os.WriteFile(metaPath+".tmp", metaPayload, 0o644); err != nil {
		w.countError()
		return fmt.Errorf("meta stage: %w", err)
	}
	if err := os.Rename(metaPath+".tmp", metaPath); err != nil {
		w.countError()
		return fmt.Errorf("meta commit: %w", err)
	}

	if w.reg != nil {
		w.reg.Inc(w.mCommits, nil, 1)
	}
	log.Debug().Int64("txn", t.id).Strs("panels", panels).Msg("panel transaction committed")
	return nil
}

func (w *Writer) countError() {
	if w.reg != nil {
		w.reg.Inc(w.mErrors, nil, 1)
	}
}

// Hashes returns a copy of the current panel hash map.
func (w *Writer) Hashes() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.hashes))
	for k, v := range w.hashes {
		out[k] = v
	}
	return out
}

// Dir exposes the panel directory for readers.
func (w *Writer) Dir() string { return w.dir }

// Frozen reports whether egress is frozen.
func (w *Writer) Frozen() bool { return w.frozen }

// HashData computes the FNV-1a 64-bit hex digest of the canonical JSON of a
// panel's data. encoding/json sorts map keys, which is canonical enough for
// change detection.
func HashData(data any) string {
	payload, err := json.Marshal(data)
	if err != nil {
		return "0000000000000000"
	}
	h := fnv.New64a()
	h.Write(payload)
	return fmt.Sprintf("%016x", h.Sum64())
}

// ReadEnvelope loads one committed panel file.
func ReadEnvelope(dir, panel string) (Envelope, error) {
	raw, err := os.ReadFile(filepath.Join(dir, panel+".json"))
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("panel %s decode: %w", panel, err)
	}
	return env, nil
}
