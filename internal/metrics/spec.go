package metrics

// The metric spec table is the single authoritative declaration of every
// metric the collector emits. Runtime creation outside this table is
// forbidden; components resolve handles by name at construction.

// Kind enumerates the supported metric kinds.
type Kind int

const (
	KindCounter Kind = iota
	KindGauge
	KindHistogram
)

// Def is a compile-time metric definition.
type Def struct {
	Name    string
	Kind    Kind
	Help    string
	Labels  []string
	Budget  int // max label series; 0 means unbounded
	Buckets []float64
}

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
var sizeBuckets = []float64{64, 256, 1024, 4096, 16384, 65536, 262144}

// Spec is the full metric set. Budgets bound label cardinality; excess label
// tuples are rejected and counted, never registered.
var Spec = []Def{
	// collection cycle
	{Name: "g6_collection_cycles_total", Kind: KindCounter, Help: "Completed collection cycles"},
	{Name: "g6_collection_errors_total", Kind: KindCounter, Help: "Collection errors by index and kind", Labels: []string{"index", "kind"}, Budget: 64},
	{Name: "g6_cycle_skipped_total", Kind: KindCounter, Help: "Cycles skipped by reason", Labels: []string{"reason"}, Budget: 8},
	{Name: "g6_cycle_duration_seconds", Kind: KindHistogram, Help: "Wall time per collection cycle", Buckets: durationBuckets},
	{Name: "g6_cycle_elapsed_seconds", Kind: KindGauge, Help: "Elapsed seconds of the last cycle"},
	{Name: "g6_last_success_cycle_unixtime", Kind: KindGauge, Help: "Unix time of the last successful cycle"},
	{Name: "g6_options_collected", Kind: KindGauge, Help: "Options collected last cycle per index", Labels: []string{"index"}, Budget: 16},
	{Name: "g6_index_ltp", Kind: KindGauge, Help: "Last traded price per index", Labels: []string{"index"}, Budget: 16},
	{Name: "g6_routed_errors_total", Kind: KindCounter, Help: "Errors dispatched through the error router", Labels: []string{"code"}, Budget: 32},

	// provider facade
	{Name: "g6_provider_mode", Kind: KindGauge, Help: "Active provider mode (exactly one 1)", Labels: []string{"mode"}, Budget: 3},
	{Name: "g6_provider_errors_total", Kind: KindCounter, Help: "Provider errors by code", Labels: []string{"code"}, Budget: 16},
	{Name: "g6_quote_fallback_total", Kind: KindCounter, Help: "Synthetic quote fallbacks by path", Labels: []string{"path"}, Budget: 8},
	{Name: "g6_expiry_fabricated_total", Kind: KindCounter, Help: "Expiry dates produced by the fabrication heuristic", Labels: []string{"index", "rule"}, Budget: 64},

	// expiry pipeline
	{Name: "g6_pipeline_phase_duration_seconds", Kind: KindHistogram, Help: "Per-phase duration", Labels: []string{"phase", "final_outcome"}, Budget: 64, Buckets: durationBuckets},
	{Name: "g6_pipeline_phase_outcomes_total", Kind: KindCounter, Help: "Per-phase outcomes", Labels: []string{"phase", "final_outcome"}, Budget: 64},
	{Name: "g6_pipeline_phase_retry_backoff_seconds", Kind: KindHistogram, Help: "Backoff slept between phase retries", Labels: []string{"phase"}, Budget: 16, Buckets: durationBuckets},
	{Name: "g6_pipeline_phase_last_attempts", Kind: KindGauge, Help: "Attempts used by the last run of each phase", Labels: []string{"phase"}, Budget: 16},
	{Name: "g6_pipeline_expiry_recoverable_total", Kind: KindCounter, Help: "Expiries skipped after recoverable failure", Labels: []string{"index"}, Budget: 16},
	{Name: "g6_pipeline_index_fatal_total", Kind: KindCounter, Help: "Indices aborted mid-cycle by fatal failure", Labels: []string{"index"}, Budget: 16},
	{Name: "g6_iv_estimation_failure_total", Kind: KindCounter, Help: "IV solver non-convergence", Labels: []string{"index"}, Budget: 16},
	{Name: "g6_expiry_salvage_total", Kind: KindCounter, Help: "Foreign-expiry quotes salvaged", Labels: []string{"index"}, Budget: 16},
	{Name: "g6_csv_mixed_expiry_prune_total", Kind: KindCounter, Help: "Foreign-expiry quotes pruned", Labels: []string{"index"}, Budget: 16},
	{Name: "g6_missing_quote_fields_total", Kind: KindCounter, Help: "Quotes missing optional fields", Labels: []string{"field"}, Budget: 8},

	// shadow / parity
	{Name: "g6_pipeline_parity_rolling_avg", Kind: KindGauge, Help: "Rolling parity score average"},
	{Name: "g6_pipeline_alert_parity_diff", Kind: KindGauge, Help: "Alert parity difference of the last cycle"},
	{Name: "g6_pipeline_rollback_drill_total", Kind: KindCounter, Help: "Rollback drills executed"},

	// panels / stream gater
	{Name: "g6_stream_append_total", Kind: KindCounter, Help: "indices_stream appends", Labels: []string{"mode"}, Budget: 4},
	{Name: "g6_stream_skipped_total", Kind: KindCounter, Help: "indices_stream appends gated off", Labels: []string{"mode", "reason"}, Budget: 16},
	{Name: "g6_stream_gate_mode_info", Kind: KindGauge, Help: "Active stream gate mode (info)", Labels: []string{"mode"}, Budget: 4},
	{Name: "g6_stream_conflict_total", Kind: KindCounter, Help: "Concurrent external stream writer detections"},
	{Name: "g6_stream_state_persist_errors_total", Kind: KindCounter, Help: "Stream state load/persist errors"},
	{Name: "g6_panel_commits_total", Kind: KindCounter, Help: "Panel transactions committed"},
	{Name: "g6_panel_commit_errors_total", Kind: KindCounter, Help: "Panel transaction failures"},

	// SSE / HTTP
	{Name: "g6_sse_http_active_connections", Kind: KindGauge, Help: "Currently connected SSE clients"},
	{Name: "g6_sse_http_connections_total", Kind: KindCounter, Help: "SSE connection attempts by result", Labels: []string{"result"}, Budget: 8},
	{Name: "g6_sse_event_size_bytes", Kind: KindHistogram, Help: "SSE frame size", Labels: []string{"type"}, Budget: 8, Buckets: sizeBuckets},
	{Name: "g6_sse_panel_update_latency_sec", Kind: KindHistogram, Help: "Panel commit to SSE publish latency", Labels: []string{"panel"}, Budget: 32, Buckets: durationBuckets},
	{Name: "g6_sse_connection_duration_sec", Kind: KindHistogram, Help: "SSE connection lifetime", Buckets: []float64{1, 10, 60, 300, 1800, 3600, 14400}},
	{Name: "g6_sse_dropped_events_total", Kind: KindCounter, Help: "Events dropped from full client queues"},
	{Name: "g6_sse_structured_updates_total", Kind: KindCounter, Help: "Structured diff updates published"},
	{Name: "g6_sse_resync_requests_total", Kind: KindCounter, Help: "Resync endpoint hits"},

	// summary loop
	{Name: "g6_summary_plugin_duration_seconds", Kind: KindHistogram, Help: "Per-plugin summary loop duration", Labels: []string{"plugin"}, Budget: 8, Buckets: durationBuckets},

	// health
	{Name: "g6_component_healthy", Kind: KindGauge, Help: "Component liveness (1 healthy)", Labels: []string{"component"}, Budget: 16},
	{Name: "g6_last_check_unix", Kind: KindGauge, Help: "Unix time of last health probe", Labels: []string{"component"}, Budget: 16},
}

// Self-metrics registered by the registry itself, outside the spec table.
const (
	nameDuplicates         = "g6_metric_duplicates_total"
	nameCardRejected       = "g6_cardinality_rejected_total"
	nameCardSeries         = "g6_cardinality_series_total"
	nameEmissionFailures   = "g6_emission_failures_total"
	nameEmissionFailOnce   = "g6_emission_failure_once_total"
	nameBatchQueueDepth    = "g6_metrics_batch_queue_depth"
	nameBatchUtilization   = "g6_metrics_batch_adaptive_utilization"
	nameBatchDroppedRatio  = "g6_metrics_batch_dropped_ratio"
	nameSpecHashInfo       = "g6_spec_hash_info"
	nameBuildConfigHash    = "g6_build_config_hash_info"
)
