package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// IndexParams describes one configured index universe.
type IndexParams struct {
	Symbol     string   `yaml:"symbol"`
	Enabled    bool     `yaml:"enabled"`
	Expiries   []string `yaml:"expiries"`    // this_week, next_week, this_month, next_month, or ISO date
	StrikesITM int      `yaml:"strikes_itm"` // strikes below ATM (for calls)
	StrikesOTM int      `yaml:"strikes_otm"` // strikes above ATM
	StrikeStep float64  `yaml:"strike_step"` // 0 means lookup from defaults table
}

// Settings is the immutable collector settings snapshot. It is hydrated
// exactly once per process; any later change requires a restart.
type Settings struct {
	IntervalSeconds int           `yaml:"interval_seconds"`
	Indices         []IndexParams `yaml:"indices"`

	MarketHoursOnly bool   `yaml:"market_hours_only"`
	MarketOpen      string `yaml:"market_open"`  // "HH:MM" local market time
	MarketClose     string `yaml:"market_close"` // "HH:MM"

	MinVolume        int64   `yaml:"min_volume"`
	MinOI            int64   `yaml:"min_oi"`
	VolumePercentile float64 `yaml:"volume_percentile"`

	ForeignExpirySalvage bool `yaml:"foreign_expiry_salvage"`
	TraceCollector       bool `yaml:"trace_collector"`
	QuietMode            bool `yaml:"quiet_mode"`

	HeartbeatIntervalSec    int `yaml:"heartbeat_interval_sec"`
	ProviderOutageThreshold int `yaml:"provider_outage_threshold"`
	ProviderOutageLogEvery  int `yaml:"provider_outage_log_every"`

	AutoSnapshots  bool   `yaml:"auto_snapshots"`
	PipelineMode   string `yaml:"pipeline_mode"`    // legacy | shadow | primary
	StreamGateMode string `yaml:"stream_gate_mode"` // auto | cycle | minute | bucket

	SSEHTTP             bool     `yaml:"sse_http"`
	SSEStructured       bool     `yaml:"sse_structured"`
	SSEStructMaxChanges int      `yaml:"sse_struct_max_changes"`
	SSEIPConnRate       int      `yaml:"sse_ip_conn_rate"` // connections per minute per IP
	SSEUAAllow          []string `yaml:"sse_ua_allow"`

	MetricsBatch           bool `yaml:"metrics_batch"`
	MetricsBatchIntervalMS int  `yaml:"metrics_batch_interval_ms"`
	MetricsStrictDuplicate bool `yaml:"metrics_strict_duplicate"`

	EgressFrozen         bool `yaml:"egress_frozen"`
	SuppressDeprecations bool `yaml:"suppress_deprecations"`
	ProviderEvents       bool `yaml:"provider_events"`
	GlobalPhaseTiming    bool `yaml:"global_phase_timing"`

	ParityTarget float64 `yaml:"parity_target"` // shadow promotion threshold
	ParityWindow int     `yaml:"parity_window"` // rolling average window (cycles)

	HTTPListen    string  `yaml:"http_listen"`
	PanelsDir     string  `yaml:"panels_dir"`
	StatusFile    string  `yaml:"status_file"`
	CSVRoot       string  `yaml:"csv_root"`
	RedisAddr     string  `yaml:"redis_addr"`   // empty disables the time-series sink
	PostgresDSN   string  `yaml:"postgres_dsn"` // empty disables the overview sink
	LogLevel      string  `yaml:"log_level"`
	ProviderRPS   float64 `yaml:"provider_rps"`
	ProviderBurst int     `yaml:"provider_burst"`

	APIToken    string   `yaml:"api_token"`
	IPAllowlist []string `yaml:"ip_allowlist"`
}

// recognizedKeys is the set of accepted top-level config keys. Unknown keys
// warn-and-ignore rather than failing hydration.
var recognizedKeys = map[string]struct{}{
	"interval_seconds": {}, "indices": {}, "market_hours_only": {},
	"market_open": {}, "market_close": {}, "min_volume": {}, "min_oi": {},
	"volume_percentile": {}, "foreign_expiry_salvage": {}, "trace_collector": {},
	"quiet_mode": {}, "heartbeat_interval_sec": {}, "provider_outage_threshold": {},
	"provider_outage_log_every": {}, "auto_snapshots": {}, "pipeline_mode": {},
	"stream_gate_mode": {}, "sse_http": {}, "sse_structured": {},
	"sse_struct_max_changes": {}, "sse_ip_conn_rate": {}, "sse_ua_allow": {},
	"metrics_batch": {}, "metrics_batch_interval_ms": {}, "metrics_strict_duplicate": {},
	"egress_frozen": {}, "suppress_deprecations": {}, "provider_events": {},
	"global_phase_timing": {}, "parity_target": {}, "parity_window": {},
	"http_listen": {}, "panels_dir": {}, "status_file": {}, "csv_root": {},
	"redis_addr": {}, "postgres_dsn": {}, "log_level": {}, "provider_rps": {},
	"provider_burst": {}, "api_token": {}, "ip_allowlist": {},
}

// knownEnvKeys maps G6_* environment variables to settings mutations.
var knownEnvKeys = map[string]func(*Settings, string) error{
	"G6_INTERVAL_SECONDS":         func(s *Settings, v string) error { return setInt(&s.IntervalSeconds, v) },
	"G6_MARKET_HOURS_ONLY":        func(s *Settings, v string) error { return setBool(&s.MarketHoursOnly, v) },
	"G6_PIPELINE_MODE":            func(s *Settings, v string) error { s.PipelineMode = v; return nil },
	"G6_STREAM_GATE_MODE":         func(s *Settings, v string) error { s.StreamGateMode = v; return nil },
	"G6_TRACE_COLLECTOR":          func(s *Settings, v string) error { return setBool(&s.TraceCollector, v) },
	"G6_QUIET_MODE":               func(s *Settings, v string) error { return setBool(&s.QuietMode, v) },
	"G6_EGRESS_FROZEN":            func(s *Settings, v string) error { return setBool(&s.EgressFrozen, v) },
	"G6_FOREIGN_EXPIRY_SALVAGE":   func(s *Settings, v string) error { return setBool(&s.ForeignExpirySalvage, v) },
	"G6_SSE_HTTP":                 func(s *Settings, v string) error { return setBool(&s.SSEHTTP, v) },
	"G6_METRICS_BATCH":            func(s *Settings, v string) error { return setBool(&s.MetricsBatch, v) },
	"G6_METRICS_STRICT_DUPLICATE": func(s *Settings, v string) error { return setBool(&s.MetricsStrictDuplicate, v) },
	"G6_API_TOKEN":                func(s *Settings, v string) error { s.APIToken = v; return nil },
	"G6_HTTP_LISTEN":              func(s *Settings, v string) error { s.HTTPListen = v; return nil },
	"G6_LOG_LEVEL":                func(s *Settings, v string) error { s.LogLevel = v; return nil },
	"G6_REDIS_ADDR":               func(s *Settings, v string) error { s.RedisAddr = v; return nil },
	"G6_POSTGRES_DSN":             func(s *Settings, v string) error { s.PostgresDSN = v; return nil },
	"G6_SUPPRESS_DEPRECATIONS":    func(s *Settings, v string) error { return setBool(&s.SuppressDeprecations, v) },
	"G6_PROVIDER_EVENTS":          func(s *Settings, v string) error { return setBool(&s.ProviderEvents, v) },
	"G6_STRICT":                   func(s *Settings, v string) error { return nil }, // consumed by hydrate itself
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

var (
	hydrateOnce sync.Once
	snapshot    Settings
	hydrated    bool
)

// Hydrate reads the config file and environment exactly once and returns the
// immutable settings snapshot. Later calls return the first snapshot.
func Hydrate(path string) (Settings, error) {
	var err error
	hydrateOnce.Do(func() {
		snapshot, err = load(path, os.Environ())
		if err == nil {
			hydrated = true
			emitSettingsSummary(snapshot)
		}
	})
	if err != nil {
		return Settings{}, err
	}
	if !hydrated {
		return Settings{}, fmt.Errorf("settings hydration previously failed")
	}
	return snapshot, nil
}

// Snapshot returns the hydrated settings. It panics if Hydrate has not run;
// every read path must go through the snapshot, never the environment.
func Snapshot() Settings {
	if !hydrated {
		panic("config: Snapshot called before Hydrate")
	}
	return snapshot
}

// load parses the YAML file, applies defaults, then environment overrides.
// Tests call load directly; the process path is Hydrate.
func load(path string, environ []string) (Settings, error) {
	s := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("read config: %w", err)
		}
		var raw map[string]yaml.Node
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return s, fmt.Errorf("parse config: %w", err)
		}
		for key := range raw {
			if _, ok := recognizedKeys[key]; !ok {
				log.Warn().Str("key", key).Msg("unknown config key ignored")
			}
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse config: %w", err)
		}
	}

	strict := false
	for _, kv := range environ {
		if strings.HasPrefix(kv, "G6_STRICT=") {
			strict, _ = strconv.ParseBool(strings.TrimPrefix(kv, "G6_STRICT="))
		}
	}
	var unknownEnv []string
	for _, kv := range environ {
		if !strings.HasPrefix(kv, "G6_") {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		apply, ok := knownEnvKeys[key]
		if !ok {
			unknownEnv = append(unknownEnv, key)
			continue
		}
		if err := apply(&s, val); err != nil {
			return s, fmt.Errorf("env override %s: %w", key, err)
		}
	}
	if strict && len(unknownEnv) > 0 {
		log.Warn().Strs("vars", unknownEnv).Msg("unknown G6_* environment variables")
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Defaults returns the settings used when a key is absent from the file.
func Defaults() Settings {
	return Settings{
		IntervalSeconds:         60,
		MarketOpen:              "09:15",
		MarketClose:             "15:30",
		HeartbeatIntervalSec:    30,
		ProviderOutageThreshold: 3,
		ProviderOutageLogEvery:  10,
		PipelineMode:            "legacy",
		StreamGateMode:          "auto",
		SSEStructMaxChanges:     40,
		SSEIPConnRate:           10,
		MetricsBatchIntervalMS:  200,
		ParityTarget:            0.85,
		ParityWindow:            20,
		HTTPListen:              "127.0.0.1:9323",
		PanelsDir:               "data/panels",
		StatusFile:              "data/runtime_status.json",
		CSVRoot:                 "data/g6_data",
		LogLevel:                "info",
		ProviderRPS:             5,
		ProviderBurst:           10,
	}
}

// Validate enforces the fail-fast config contract.
func (s Settings) Validate() error {
	if s.IntervalSeconds <= 0 {
		return fmt.Errorf("interval_seconds must be positive, got %d", s.IntervalSeconds)
	}
	switch s.PipelineMode {
	case "legacy", "shadow", "primary":
	default:
		return fmt.Errorf("pipeline_mode must be legacy|shadow|primary, got %q", s.PipelineMode)
	}
	switch s.StreamGateMode {
	case "auto", "cycle", "minute", "bucket":
	default:
		return fmt.Errorf("stream_gate_mode must be auto|cycle|minute|bucket, got %q", s.StreamGateMode)
	}
	if _, _, err := s.MarketWindow(); err != nil {
		return err
	}
	for _, idx := range s.Indices {
		if idx.Symbol == "" {
			return fmt.Errorf("index with empty symbol")
		}
		if idx.Enabled && len(idx.Expiries) == 0 {
			return fmt.Errorf("index %s enabled with no expiry rules", idx.Symbol)
		}
	}
	return nil
}

// MarketWindow parses the configured open/close into minutes since midnight.
func (s Settings) MarketWindow() (open, close int, err error) {
	open, err = parseHHMM(s.MarketOpen)
	if err != nil {
		return 0, 0, fmt.Errorf("market_open: %w", err)
	}
	close, err = parseHHMM(s.MarketClose)
	if err != nil {
		return 0, 0, fmt.Errorf("market_close: %w", err)
	}
	if close <= open {
		return 0, 0, fmt.Errorf("market_close %s not after market_open %s", s.MarketClose, s.MarketOpen)
	}
	return open, close, nil
}

// InsideMarketWindow reports whether t falls inside the trading window.
func (s Settings) InsideMarketWindow(t time.Time) bool {
	open, close, err := s.MarketWindow()
	if err != nil {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	return m >= open && m < close
}

func parseHHMM(v string) (int, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("want HH:MM, got %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", v)
	}
	return h*60 + m, nil
}

// EnabledIndices returns only the indices with collection turned on.
func (s Settings) EnabledIndices() []IndexParams {
	out := make([]IndexParams, 0, len(s.Indices))
	for _, idx := range s.Indices {
		if idx.Enabled {
			out = append(out, idx)
		}
	}
	return out
}

// defaultStrikeSteps covers the common indices; anything else must set
// strike_step in config explicitly.
var defaultStrikeSteps = map[string]float64{
	"NIFTY":     50,
	"BANKNIFTY": 100,
	"FINNIFTY":  50,
}

// StepFor resolves the strike step for an index, preferring config.
func (p IndexParams) StepFor() float64 {
	if p.StrikeStep > 0 {
		return p.StrikeStep
	}
	if step, ok := defaultStrikeSteps[strings.ToUpper(p.Symbol)]; ok {
		return step
	}
	return 50
}

func emitSettingsSummary(s Settings) {
	log.Info().
		Str("event", "collector.settings.summary").
		Int("interval_seconds", s.IntervalSeconds).
		Int("indices", len(s.Indices)).
		Bool("market_hours_only", s.MarketHoursOnly).
		Int64("min_volume", s.MinVolume).
		Int64("min_oi", s.MinOI).
		Bool("foreign_expiry_salvage", s.ForeignExpirySalvage).
		Str("pipeline_mode", s.PipelineMode).
		Str("stream_gate_mode", s.StreamGateMode).
		Bool("sse_http", s.SSEHTTP).
		Bool("metrics_batch", s.MetricsBatch).
		Bool("egress_frozen", s.EgressFrozen).
		Msg("settings hydrated")
}
