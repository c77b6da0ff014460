package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6collector/internal/metrics"
)

// defaultProbeInterval between component checks.
const defaultProbeInterval = 30 * time.Second

// CheckFunc probes one component; nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Status is one component's last probe result.
type Status struct {
	Component string    `json:"component"`
	Healthy   bool      `json:"healthy"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Monitor holds the component registry and runs periodic probes.
type Monitor struct {
	mu       sync.Mutex
	checks   map[string]CheckFunc
	statuses map[string]Status
	interval time.Duration

	reg      *metrics.Registry
	mHealthy *metrics.Handle
	mLast    *metrics.Handle
}

// NewMonitor builds an empty monitor.
func NewMonitor(reg *metrics.Registry) *Monitor {
	m := &Monitor{
		checks:   make(map[string]CheckFunc),
		statuses: make(map[string]Status),
		interval: defaultProbeInterval,
	}
	if reg != nil {
		m.reg = reg
		m.mHealthy = reg.MustHandle("g6_component_healthy")
		m.mLast = reg.MustHandle("g6_last_check_unix")
	}
	return m
}

// Register adds a component. Re-registering replaces the hook.
func (m *Monitor) Register(component string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// ProbeAll runs every registered check once and updates the gauges.
func (m *Monitor) ProbeAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		m.mu.Lock()
		check := m.checks[name]
		m.mu.Unlock()

		st := Status{Component: name, Healthy: true, CheckedAt: time.Now().UTC()}
		if err := check(ctx); err != nil {
			st.Healthy = false
			st.Reason = err.Error()
		}
		m.mu.Lock()
		m.statuses[name] = st
		m.mu.Unlock()

		if m.reg != nil {
			v := 0.0
			if st.Healthy {
				v = 1
			}
			labels := map[string]string{"component": name}
			m.reg.Set(m.mHealthy, labels, v)
			m.reg.Set(m.mLast, labels, float64(st.CheckedAt.Unix()))
		}
	}
}

// Run probes on a fixed cadence until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	m.ProbeAll(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// Matrix returns the current statuses sorted by component.
func (m *Monitor) Matrix() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Healthy reports whether every component passed its last probe.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.statuses {
		if !st.Healthy {
			return false
		}
	}
	return true
}

// Document is the /summary/health payload.
func (m *Monitor) Document() any {
	matrix := m.Matrix()
	status := "ok"
	for _, st := range matrix {
		if !st.Healthy {
			status = "degraded"
			break
		}
	}
	return map[string]any{
		"status":     status,
		"components": matrix,
	}
}

// Banner logs the startup health matrix.
func (m *Monitor) Banner() {
	for _, st := range m.Matrix() {
		log.Info().
			Str("component", st.Component).
			Bool("healthy", st.Healthy).
			Str("reason", st.Reason).
			Msg("component health")
	}
}
