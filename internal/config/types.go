package config

// Config is the full on-disk configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "2m"); components parse them through
// ParseDurationField so a typo is caught at load time, not send time.
type Config struct {
	// Identities lists the outbound account ids. Every id needs a matching
	// token under telegram.tokens.
	Identities []string `json:"identities"`

	Telegram   TelegramConfig   `json:"telegram"`
	RateLimits RateLimitsConfig `json:"rate_limits"`
	Selection  SelectionConfig  `json:"selection"`
	Pacing     PacingConfig     `json:"pacing"`
	Dedup      DedupConfig      `json:"dedup"`
	Health     HealthConfig     `json:"health"`
	Reconnect  ReconnectConfig  `json:"reconnect"`
	Engine     EngineConfig     `json:"engine"`
	Intake     IntakeConfig     `json:"intake"`
	Stats      StatsConfig      `json:"stats"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
}

type TelegramConfig struct {
	// Tokens maps identity id -> bot token.
	Tokens map[string]string `json:"tokens"`
	// Chats maps target name -> chat id, shared by all identities.
	Chats map[string]int64 `json:"chats"`
	// PollTimeout is a Go duration string.
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// RateLimitsConfig holds per-identity window ceilings. A ceiling of 0
// means unlimited.
type RateLimitsConfig struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
	// Cooldown is the minimum idle time before an identity is reused.
	Cooldown string `json:"cooldown,omitempty"`
}

type SelectionConfig struct {
	// Strategy is one of round_robin, least_used, random, intelligent.
	// Empty falls back to round_robin.
	Strategy string `json:"strategy,omitempty"`
	// Weights tunes the intelligent strategy's scoring. Omitted or
	// zero-valued fields keep the built-in defaults.
	Weights SelectionWeights `json:"weights,omitempty"`
}

type SelectionWeights struct {
	MinutePenalty          float64 `json:"minute_penalty,omitempty"`
	HourPenalty            float64 `json:"hour_penalty,omitempty"`
	DayPenalty             float64 `json:"day_penalty,omitempty"`
	IdleBonusCap           float64 `json:"idle_bonus_cap,omitempty"`
	SuccessWeight          float64 `json:"success_weight,omitempty"`
	LatencyFloorMS         float64 `json:"latency_floor_ms,omitempty"`
	LatencyPenaltyPer100MS float64 `json:"latency_penalty_per_100ms,omitempty"`
}

type PacingConfig struct {
	Min       string `json:"min,omitempty"`
	Max       string `json:"max,omitempty"`
	Adaptive  bool   `json:"adaptive"`
	Randomize bool   `json:"randomize"`
}

type DedupConfig struct {
	TTL        string `json:"ttl,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
	// Persist keeps fingerprints across restarts when storage is enabled.
	Persist bool `json:"persist,omitempty"`
}

type HealthConfig struct {
	Interval     string `json:"interval,omitempty"`
	ProbeTimeout string `json:"probe_timeout,omitempty"`
}

type ReconnectConfig struct {
	Delay       string `json:"delay,omitempty"`
	AuthBackoff string `json:"auth_backoff,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	// Stagger spaces out the initial connects at startup.
	Stagger string `json:"stagger,omitempty"`
}

type EngineConfig struct {
	Concurrency int    `json:"concurrency,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryDelay  string `json:"retry_delay,omitempty"`
	// RatePerSec globally caps sends across all jobs; 0 disables the cap.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	RateBurst  int     `json:"rate_burst,omitempty"`
}

// IntakeConfig controls which inbound messages become distribution jobs.
type IntakeConfig struct {
	// SourceGroup is the only group whose messages are considered.
	SourceGroup string `json:"source_group"`
	// AuthorizedSenders lists usernames allowed to trigger a distribution.
	// Ignored when AllowAllFromSource is set.
	AuthorizedSenders  []string `json:"authorized_senders,omitempty"`
	AllowAllFromSource bool     `json:"allow_all_from_source,omitempty"`
	// Signature, when set, is appended to every distributed message.
	Signature string `json:"signature,omitempty"`
	// Targets is the ordered distribution list.
	Targets []TargetConfig `json:"targets"`
}

type TargetConfig struct {
	Name string `json:"name"`
	// Kind is "group" (default) or "channel".
	Kind string `json:"kind,omitempty"`
}

type StatsConfig struct {
	// FlushInterval controls how often lifetime counters are persisted.
	FlushInterval string `json:"flush_interval,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./fanout.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
