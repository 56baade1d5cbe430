package config

// Config is the root courierd configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Parsing is strict: unknown fields are rejected so typos surface at load time
// instead of silently falling back to defaults.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage configures the replicated state store used for devices,
	// sessions, queue snapshots, dead letters and dedup keys.
	Storage *StorageConfig `json:"storage,omitempty"`

	Registry   RegistryConfig   `json:"registry"`
	Queue      QueueConfig      `json:"queue"`
	Dedup      DedupConfig      `json:"dedup"`
	Connection ConnectionConfig `json:"connection"`
	Correlator CorrelatorConfig `json:"correlator"`

	Backend   BackendConfig   `json:"backend"`
	Push      *PushConfig     `json:"push,omitempty"`
	Transport TransportConfig `json:"transport"`

	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
	Sink    LoggingSinkConfig `json:"sink,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingSinkConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Driver values: "file", "sqlite", "postgres". Empty or "none" disables
// persistence (everything is held in memory only).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`         // file/sqlite
	DSN         string `json:"dsn,omitempty"`          // postgres
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// RegistryConfig controls device tracking and primary election.
//
// Defaults (when fields are omitted/zero):
//   - heartbeat_timeout: "30s"
//   - absence_timeout: "2m"
//   - sweep_interval: "5s"
type RegistryConfig struct {
	HeartbeatTimeout string `json:"heartbeat_timeout,omitempty"`
	AbsenceTimeout   string `json:"absence_timeout,omitempty"`
	SweepInterval    string `json:"sweep_interval,omitempty"`
}

// QueueConfig controls the per-session delivery queue.
//
// Defaults:
//   - capacity: 256
//   - retry_max: 5 attempts total
//   - retry_base: "2s", retry_max_delay: "60s", retry_jitter: 0.2
//   - stats_window: 100 outcomes
//   - dead_letter_max: 100 per session
type QueueConfig struct {
	Capacity      int     `json:"capacity,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
	StatsWindow   int     `json:"stats_window,omitempty"`
	DeadLetterMax int     `json:"dead_letter_max,omitempty"`
}

// DedupConfig controls duplicate suppression.
//
// Defaults: window "5s", ttl "5m", max_entries 1000.
type DedupConfig struct {
	Window     string `json:"window,omitempty"`
	TTL        string `json:"ttl,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
	Persist    bool   `json:"persist,omitempty"`
}

// ConnectionConfig controls the reliability monitor.
//
// Defaults: window_size 10, reconnect_base "1s", reconnect_max_delay "60s",
// history_size 50.
type ConnectionConfig struct {
	WindowSize        int    `json:"window_size,omitempty"`
	ReconnectBase     string `json:"reconnect_base,omitempty"`
	ReconnectMaxDelay string `json:"reconnect_max_delay,omitempty"`
	HistorySize       int    `json:"history_size,omitempty"`
}

// CorrelatorConfig controls notification correlation and stall detection.
//
// StallAfter matches the backend's legitimate "thinking" silence; it is an
// escalation threshold, not a delivery timeout. Default "150s".
type CorrelatorConfig struct {
	StallAfter    string `json:"stall_after,omitempty"`
	SweepInterval string `json:"sweep_interval,omitempty"` // default "1s"
	RecordTTL     string `json:"record_ttl,omitempty"`     // resolved-record retention, default "10m"
}

// BackendConfig points at the compute backend messages are submitted to.
type BackendConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"` // bearer token (do not log)
}

// PushConfig controls the push gateway client.
type PushConfig struct {
	Enabled       bool   `json:"enabled"`
	BaseURL       string `json:"base_url"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// TransportConfig controls the device coordination channel.
type TransportConfig struct {
	URL            string `json:"url,omitempty"`
	DialTimeout    string `json:"dial_timeout,omitempty"` // default "10s"
	WriteTimeout   string `json:"write_timeout,omitempty"`
	BroadcastRate  int    `json:"broadcast_rate,omitempty"`  // fan-out sends/sec, default 20
	BroadcastRetry int    `json:"broadcast_retry,omitempty"` // default 2
}

// TelemetryConfig controls the metrics/pprof HTTP listener.
//
// Prefer binding to localhost.
type TelemetryConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9188"
}

// MaintenanceConfig schedules background janitor jobs.
//
// Specs accept cron expressions or "@every <duration>".
type MaintenanceConfig struct {
	Enabled          bool   `json:"enabled"`
	Timezone         string `json:"timezone,omitempty"`
	DeadLetterSpec   string `json:"dead_letter_spec,omitempty"`   // default "@every 1h"
	DeadLetterMaxAge string `json:"dead_letter_max_age,omitempty"` // default "24h"
	RecordSweepSpec  string `json:"record_sweep_spec,omitempty"`  // default "@every 10m"
	StoragePruneSpec string `json:"storage_prune_spec,omitempty"` // default "@every 30m"
}
