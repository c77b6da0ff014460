package errs

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxLabelLen = 512

// MetricSink is the narrow surface the router needs from the metrics
// registry. Kept as an interface so errs has no metrics dependency.
type MetricSink interface {
	IncNamed(metric string, labels map[string]string, n float64)
}

// Entry describes one registered error code.
type Entry struct {
	Code        string
	Level       zerolog.Level
	Metric      string // optional counter incremented on every route
	Severity    string // derived from Level when empty
	ThrottleSec int    // repeats inside the window log at DEBUG
	EscalateEnv string // truthy env var bumps effective level by one
}

// Router centralizes error classification, logging and metric increments.
type Router struct {
	mu       sync.Mutex
	registry map[string]Entry
	lastLog  map[string]time.Time
	unknown  map[string]struct{}
	sink     MetricSink
	now      func() time.Time
}

// NewRouter builds a router over the given registry entries.
func NewRouter(entries []Entry, sink MetricSink) *Router {
	r := &Router{
		registry: make(map[string]Entry, len(entries)),
		lastLog:  make(map[string]time.Time),
		unknown:  make(map[string]struct{}),
		sink:     sink,
		now:      time.Now,
	}
	for _, e := range entries {
		if e.Severity == "" {
			e.Severity = severityFor(e.Level)
		}
		r.registry[e.Code] = e
	}
	return r
}

func severityFor(l zerolog.Level) string {
	switch {
	case l >= zerolog.ErrorLevel:
		return "critical"
	case l == zerolog.WarnLevel:
		return "warning"
	default:
		return "info"
	}
}

// Route looks up code and applies severity, throttling, metric increment and
// safe label serialization. Unknown codes log at WARNING once per code.
// Throttled repeats still increment the metric but log at DEBUG.
func (r *Router) Route(code string, count float64, labels map[string]any) {
	r.mu.Lock()
	entry, ok := r.registry[code]
	if !ok {
		if _, warned := r.unknown[code]; !warned {
			r.unknown[code] = struct{}{}
			r.mu.Unlock()
			log.Warn().Str("code", code).Msg("unregistered error code routed")
			return
		}
		r.mu.Unlock()
		return
	}

	level := entry.Level
	if entry.EscalateEnv != "" {
		if v, _ := strconv.ParseBool(os.Getenv(entry.EscalateEnv)); v {
			level = escalate(level)
		}
	}

	throttled := false
	if entry.ThrottleSec > 0 {
		window := time.Duration(entry.ThrottleSec) * time.Second
		if last, seen := r.lastLog[code]; seen && r.now().Sub(last) < window {
			throttled = true
		} else {
			r.lastLog[code] = r.now()
		}
	}
	r.mu.Unlock()

	if r.sink != nil && entry.Metric != "" {
		r.sink.IncNamed(entry.Metric, map[string]string{"code": code}, count)
	}

	if throttled {
		level = zerolog.DebugLevel
	}
	ev := log.WithLevel(level).
		Str("code", code).
		Str("severity", entry.Severity).
		Float64("count", count)
	for k, v := range labels {
		ev = ev.Str(k, safeLabel(v))
	}
	ev.Msg("error routed")
}

func escalate(l zerolog.Level) zerolog.Level {
	switch l {
	case zerolog.DebugLevel:
		return zerolog.InfoLevel
	case zerolog.InfoLevel:
		return zerolog.WarnLevel
	case zerolog.WarnLevel:
		return zerolog.ErrorLevel
	default:
		return l
	}
}

// safeLabel serializes a label value for logging: primitives print directly,
// anything else JSON-encodes, and encode failure yields a placeholder. All
// forms truncate to maxLabelLen.
func safeLabel(v any) string {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case fmt.Stringer:
		s = t.String()
	case error:
		s = t.Error()
	case bool, int, int32, int64, uint, uint64, float32, float64:
		s = fmt.Sprintf("%v", t)
	case nil:
		s = ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "<unserializable>"
		}
		s = string(b)
	}
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}
