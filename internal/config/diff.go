package config

import (
	"reflect"
	"strings"

	logx "fanout/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Tokens are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Identities, newCfg.Identities) {
		changed = append(changed, "identities")
		attrs = append(attrs, logx.Int("identities.count", len(newCfg.Identities)))
	}
	if !reflect.DeepEqual(oldCfg.Telegram.Chats, newCfg.Telegram.Chats) ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Int("telegram.chats", len(newCfg.Telegram.Chats)))
	}
	if oldCfg.RateLimits != newCfg.RateLimits {
		changed = append(changed, "rate_limits")
		attrs = append(attrs,
			logx.Int("rate_limits.per_minute", newCfg.RateLimits.PerMinute),
			logx.Int("rate_limits.per_hour", newCfg.RateLimits.PerHour),
			logx.Int("rate_limits.per_day", newCfg.RateLimits.PerDay),
			logx.String("rate_limits.cooldown", newCfg.RateLimits.Cooldown))
	}
	if oldCfg.Selection != newCfg.Selection {
		changed = append(changed, "selection")
		attrs = append(attrs, logx.String("selection.strategy", newCfg.Selection.Strategy))
	}
	if oldCfg.Pacing != newCfg.Pacing {
		changed = append(changed, "pacing")
		attrs = append(attrs,
			logx.String("pacing.min", newCfg.Pacing.Min),
			logx.String("pacing.max", newCfg.Pacing.Max),
			logx.Bool("pacing.adaptive", newCfg.Pacing.Adaptive),
			logx.Bool("pacing.randomize", newCfg.Pacing.Randomize))
	}
	if oldCfg.Dedup != newCfg.Dedup {
		changed = append(changed, "dedup")
		attrs = append(attrs,
			logx.String("dedup.ttl", newCfg.Dedup.TTL),
			logx.Int("dedup.max_entries", newCfg.Dedup.MaxEntries))
	}
	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs, logx.String("health.interval", newCfg.Health.Interval))
	}
	if oldCfg.Reconnect != newCfg.Reconnect {
		changed = append(changed, "reconnect")
		attrs = append(attrs,
			logx.String("reconnect.delay", newCfg.Reconnect.Delay),
			logx.Int("reconnect.max_attempts", newCfg.Reconnect.MaxAttempts))
	}
	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.concurrency", newCfg.Engine.Concurrency),
			logx.Int("engine.retry_max", newCfg.Engine.RetryMax))
	}
	if !reflect.DeepEqual(oldCfg.Intake, newCfg.Intake) {
		changed = append(changed, "intake")
		attrs = append(attrs,
			logx.String("intake.source_group", newCfg.Intake.SourceGroup),
			logx.Int("intake.targets", len(newCfg.Intake.Targets)))
	}
	if oldCfg.Stats != newCfg.Stats {
		changed = append(changed, "stats")
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs, logx.String("logging.level", newCfg.Logging.Level))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	return changed, attrs
}
