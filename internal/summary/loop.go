package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6collector/internal/errs"
	"github.com/g6io/g6collector/internal/metrics"
	"github.com/g6io/g6collector/internal/orchestrator"
)

// defaultInterval is the summary tick.
const defaultInterval = time.Second

// Plugin is one step of the summary chain. A failing plugin is logged and
// skipped; the loop never aborts.
type Plugin interface {
	Name() string
	Run(ctx context.Context, status orchestrator.RuntimeStatus) error
}

// Loop drives the plugin chain once per tick over the latest runtime status.
type Loop struct {
	statusPath string
	interval   time.Duration
	plugins    []Plugin
	router     *errs.Router

	reg       *metrics.Registry
	mDuration *metrics.Handle
}

// NewLoop builds a loop; plugin order is execution order.
func NewLoop(statusPath string, plugins []Plugin, router *errs.Router, reg *metrics.Registry) *Loop {
	l := &Loop{
		statusPath: statusPath,
		interval:   defaultInterval,
		plugins:    plugins,
		router:     router,
		reg:        reg,
	}
	if reg != nil {
		l.mDuration = reg.MustHandle("g6_summary_plugin_duration_seconds")
	}
	return l
}

// Run ticks until the context ends.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick loads the status snapshot and runs every plugin in order.
func (l *Loop) Tick(ctx context.Context) {
	status, ok := l.loadStatus()
	if !ok {
		return
	}
	for _, p := range l.plugins {
		started := time.Now()
		err := runPlugin(ctx, p, status)
		if l.reg != nil {
			l.reg.Observe(l.mDuration, map[string]string{"plugin": p.Name()}, time.Since(started).Seconds())
		}
		if err != nil {
			l.router.Route("summary.plugin_failed", 1, map[string]any{"plugin": p.Name(), "error": err.Error()})
		}
	}
}

// runPlugin isolates panics so one plugin cannot take the loop down.
func runPlugin(ctx context.Context, p Plugin, status orchestrator.RuntimeStatus) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("plugin", p.Name()).Any("panic", r).Msg("summary plugin panicked")
			err = fmt.Errorf("plugin %s panicked: %v", p.Name(), r)
		}
	}()
	return p.Run(ctx, status)
}

// loadStatus reads the runtime status file. Absent or partial files skip the
// tick; the writer is atomic so partial means not-yet-written.
func (l *Loop) loadStatus() (orchestrator.RuntimeStatus, bool) {
	raw, err := os.ReadFile(l.statusPath)
	if err != nil {
		return orchestrator.RuntimeStatus{}, false
	}
	var status orchestrator.RuntimeStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return orchestrator.RuntimeStatus{}, false
	}
	return status, true
}
