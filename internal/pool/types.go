package pool

import (
	"time"
)

// State is an identity's connectivity state. Only Ready identities are
// eligible for selection.
type State string

const (
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateDegraded     State = "degraded"
	StateDisconnected State = "disconnected"
)

type Config struct {
	// Identities is the configured identity id list. Must not be empty.
	Identities []string

	// ReconnectDelay is the backoff before re-connecting after a plain
	// disconnect. AuthBackoff applies after an auth failure instead; auth
	// problems usually need operator action, so the pool backs off harder.
	ReconnectDelay time.Duration
	AuthBackoff    time.Duration

	// MaxReconnects bounds automatic reconnect attempts per outage. Once
	// exceeded the identity is parked Disconnected and flagged for
	// operator attention.
	MaxReconnects int

	HealthInterval time.Duration

	// Stagger spaces out initial connects so a large pool does not hammer
	// the transport all at once.
	Stagger time.Duration

	// ProbeTimeout bounds a single health-check State() probe.
	ProbeTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = 30 * time.Second
	}
	if out.AuthBackoff <= 0 {
		out.AuthBackoff = 5 * time.Minute
	}
	if out.MaxReconnects <= 0 {
		out.MaxReconnects = 10
	}
	if out.HealthInterval <= 0 {
		out.HealthInterval = time.Minute
	}
	if out.Stagger < 0 {
		out.Stagger = 0
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = 10 * time.Second
	}
	return out
}

// PerformanceStats is one identity's rolling quality signal. Updated exactly
// once per completed send attempt; skipped sends leave it untouched.
type PerformanceStats struct {
	TotalSent     int       `json:"total_sent"`
	Successful    int       `json:"successful"`
	Failed        int       `json:"failed"`
	SuccessRate   int       `json:"success_rate"` // integer percent
	AvgResponseMS int64     `json:"avg_response_ms"`
	LastUsedAt    time.Time `json:"last_used_at"`
}

// IdentityInfo is a read-only snapshot of one identity for reporting.
type IdentityInfo struct {
	ID             string           `json:"id"`
	State          State            `json:"state"`
	Reason         string           `json:"reason,omitempty"`
	NeedsAttention bool             `json:"needs_attention,omitempty"`
	LastReadyAt    time.Time        `json:"last_ready_at"`
	Reconnects     int              `json:"reconnects,omitempty"`
	Stats          PerformanceStats `json:"stats"`
}
