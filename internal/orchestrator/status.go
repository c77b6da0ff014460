package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"
)

// IndexInfo is the per-index slice of the runtime status file.
type IndexInfo struct {
	LTP     float64 `json:"ltp"`
	ATM     float64 `json:"atm"`
	Options int     `json:"options"`
}

// RuntimeStatus is the JSON document written atomically each cycle. Readers
// (terminal dashboards, the summary loop) tolerate absent files but never
// torn ones.
type RuntimeStatus struct {
	Timestamp        string               `json:"timestamp"` // UTC ISO with trailing Z
	Cycle            int64                `json:"cycle"`
	Elapsed          float64              `json:"elapsed"`
	Interval         int                  `json:"interval"`
	SleepSec         float64              `json:"sleep_sec"`
	SuccessRatePct   float64              `json:"success_rate_pct"`
	OptionsLastCycle int                  `json:"options_last_cycle"`
	OptionsPerMinute float64              `json:"options_per_minute"`
	MemoryMB         float64              `json:"memory_mb"`
	CPUPct           float64              `json:"cpu_pct"`
	ReadinessOK      bool                 `json:"readiness_ok"`
	ReadinessReason  string               `json:"readiness_reason"`
	Indices          []string             `json:"indices"`
	IndicesInfo      map[string]IndexInfo `json:"indices_info"`
}

// StatusWriter persists the runtime status with tmp-and-rename so readers
// never observe a partial document.
type StatusWriter struct {
	path string

	lastCPU  time.Duration
	lastWall time.Time
}

func NewStatusWriter(path string) *StatusWriter {
	return &StatusWriter{path: path, lastWall: time.Now()}
}

// Write marshals and atomically replaces the status file. Disabled when the
// path is empty.
func (w *StatusWriter) Write(st RuntimeStatus) error {
	if w.path == "" {
		return nil
	}
	payload, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("status encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("status dir: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("status tmp write: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("status rename: %w", err)
	}
	return nil
}

// Sample returns current memory footprint (MB) and CPU utilization (percent
// of one core) since the previous sample.
func (w *StatusWriter) Sample() (memMB, cpuPct float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memMB = float64(ms.HeapInuse+ms.StackInuse) / (1 << 20)

	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err == nil {
		cpu := time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
		now := time.Now()
		if wall := now.Sub(w.lastWall); wall > 0 && w.lastCPU > 0 {
			cpuPct = float64(cpu-w.lastCPU) / float64(wall) * 100
			if cpuPct < 0 {
				cpuPct = 0
			}
		}
		w.lastCPU = cpu
		w.lastWall = now
	}
	return memMB, cpuPct
}
