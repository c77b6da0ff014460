package errs

import "github.com/rs/zerolog"

// DefaultEntries is the standing error-code registry. Codes not listed here
// log once at WARNING and are otherwise dropped.
func DefaultEntries() []Entry {
	return []Entry{
		{Code: "collector.index_error", Level: zerolog.WarnLevel, Metric: "g6_routed_errors_total", ThrottleSec: 30},
		{Code: "collector.cycle_overrun", Level: zerolog.WarnLevel, Metric: "g6_routed_errors_total", ThrottleSec: 60},
		{Code: "provider.auth_failed", Level: zerolog.ErrorLevel, Metric: "g6_routed_errors_total", ThrottleSec: 300, EscalateEnv: "G6_ESCALATE_PROVIDER"},
		{Code: "provider.outage", Level: zerolog.ErrorLevel, Metric: "g6_routed_errors_total", ThrottleSec: 60},
		{Code: "sink.write_failed", Level: zerolog.ErrorLevel, Metric: "g6_routed_errors_total", ThrottleSec: 30},
		{Code: "panels.commit_failed", Level: zerolog.ErrorLevel, Metric: "g6_routed_errors_total", ThrottleSec: 30},
		{Code: "stream.state_corrupt", Level: zerolog.WarnLevel, Metric: "g6_routed_errors_total"},
		{Code: "sse.client_stalled", Level: zerolog.InfoLevel, Metric: "g6_routed_errors_total", ThrottleSec: 10},
		{Code: "summary.plugin_failed", Level: zerolog.WarnLevel, Metric: "g6_routed_errors_total", ThrottleSec: 30},
		{Code: "health.probe_failed", Level: zerolog.WarnLevel, Metric: "g6_routed_errors_total", ThrottleSec: 60},
	}
}
