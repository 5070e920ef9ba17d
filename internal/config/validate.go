package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate performs the structural checks that must fail at startup rather
// than at send time. Cross-component checks (e.g. strategy names) are
// installed separately through Manager.SetValidator.
func (c *Config) Validate() error {
	if len(c.Identities) == 0 {
		return errors.New("identities: at least one identity is required")
	}
	seen := map[string]bool{}
	for i, id := range c.Identities {
		id = strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("identities[%d]: empty id", i)
		}
		if seen[id] {
			return fmt.Errorf("identities[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		if strings.TrimSpace(c.Telegram.Tokens[id]) == "" {
			return fmt.Errorf("telegram.tokens: missing token for identity %q", id)
		}
	}

	if c.RateLimits.PerMinute < 0 || c.RateLimits.PerHour < 0 || c.RateLimits.PerDay < 0 {
		return errors.New("rate_limits: ceilings must be >= 0")
	}

	for _, d := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"rate_limits.cooldown", c.RateLimits.Cooldown},
		{"pacing.min", c.Pacing.Min},
		{"pacing.max", c.Pacing.Max},
		{"dedup.ttl", c.Dedup.TTL},
		{"health.interval", c.Health.Interval},
		{"health.probe_timeout", c.Health.ProbeTimeout},
		{"reconnect.delay", c.Reconnect.Delay},
		{"reconnect.auth_backoff", c.Reconnect.AuthBackoff},
		{"reconnect.stagger", c.Reconnect.Stagger},
		{"engine.send_timeout", c.Engine.SendTimeout},
		{"engine.retry_delay", c.Engine.RetryDelay},
		{"stats.flush_interval", c.Stats.FlushInterval},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	pmin, _ := ParseDurationField("pacing.min", c.Pacing.Min)
	pmax, _ := ParseDurationField("pacing.max", c.Pacing.Max)
	if pmin > 0 && pmax > 0 && pmax < pmin {
		return fmt.Errorf("pacing: max %q is below min %q", c.Pacing.Max, c.Pacing.Min)
	}

	if c.Engine.RatePerSec < 0 {
		return errors.New("engine.rate_per_sec: must be >= 0")
	}

	for i, t := range c.Intake.Targets {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("intake.targets[%d]: empty name", i)
		}
		switch t.Kind {
		case "", "group", "channel":
		default:
			return fmt.Errorf("intake.targets[%d]: unknown kind %q", i, t.Kind)
		}
	}

	if s := c.Storage; s != nil {
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "sqlite", "sqlite3", "file":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
	}
	return nil
}
