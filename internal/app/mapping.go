package app

import (
	"time"

	"fanout/internal/config"
	"fanout/internal/dedup"
	"fanout/internal/engine"
	"fanout/internal/intake"
	"fanout/internal/pool"
	"fanout/internal/selector"
	"fanout/internal/storage"
	"fanout/internal/transport"
	"fanout/internal/transport/telegram"
	"fanout/internal/usage"
)

// Mapping functions translate the on-disk config (strings, optional
// sections) into component configs (typed durations, defaults applied).
// Validation already happened in config.Parse; duration errors here mean a
// programmer error, so they are still returned rather than swallowed.

func mapPoolConfig(cfg *config.Config) (pool.Config, error) {
	delay, err := config.ParseDurationOrDefault("reconnect.delay", cfg.Reconnect.Delay, 30*time.Second)
	if err != nil {
		return pool.Config{}, err
	}
	authBackoff, err := config.ParseDurationOrDefault("reconnect.auth_backoff", cfg.Reconnect.AuthBackoff, 5*time.Minute)
	if err != nil {
		return pool.Config{}, err
	}
	stagger, err := config.ParseDurationOrDefault("reconnect.stagger", cfg.Reconnect.Stagger, 2*time.Second)
	if err != nil {
		return pool.Config{}, err
	}
	interval, err := config.ParseDurationOrDefault("health.interval", cfg.Health.Interval, time.Minute)
	if err != nil {
		return pool.Config{}, err
	}
	probe, err := config.ParseDurationOrDefault("health.probe_timeout", cfg.Health.ProbeTimeout, 10*time.Second)
	if err != nil {
		return pool.Config{}, err
	}
	return pool.Config{
		Identities:     cfg.Identities,
		ReconnectDelay: delay,
		AuthBackoff:    authBackoff,
		MaxReconnects:  cfg.Reconnect.MaxAttempts,
		HealthInterval: interval,
		Stagger:        stagger,
		ProbeTimeout:   probe,
	}, nil
}

func mapUsageConfig(cfg *config.Config) (usage.Config, error) {
	cooldown, err := config.ParseDurationOrDefault("rate_limits.cooldown", cfg.RateLimits.Cooldown, 2*time.Minute)
	if err != nil {
		return usage.Config{}, err
	}
	return usage.Config{
		Limits: usage.Limits{
			PerMinute: cfg.RateLimits.PerMinute,
			PerHour:   cfg.RateLimits.PerHour,
			PerDay:    cfg.RateLimits.PerDay,
		},
		Cooldown: cooldown,
	}, nil
}

func mapDedupConfig(cfg *config.Config) (dedup.Config, error) {
	ttl, err := config.ParseDurationOrDefault("dedup.ttl", cfg.Dedup.TTL, dedup.DefaultTTL)
	if err != nil {
		return dedup.Config{}, err
	}
	return dedup.Config{TTL: ttl, MaxEntries: cfg.Dedup.MaxEntries}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	pmin, err := config.ParseDurationOrDefault("pacing.min", cfg.Pacing.Min, 3*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	pmax, err := config.ParseDurationOrDefault("pacing.max", cfg.Pacing.Max, 12*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("engine.send_timeout", cfg.Engine.SendTimeout, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	retryDelay, err := config.ParseDurationOrDefault("engine.retry_delay", cfg.Engine.RetryDelay, time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Concurrency:   cfg.Engine.Concurrency,
		PacingMin:     pmin,
		PacingMax:     pmax,
		Adaptive:      cfg.Pacing.Adaptive,
		Randomize:     cfg.Pacing.Randomize,
		SendTimeout:   sendTimeout,
		RetryMax:      cfg.Engine.RetryMax,
		RetryDelay:    retryDelay,
		RatePerSecond: cfg.Engine.RatePerSec,
		RateBurst:     cfg.Engine.RateBurst,
	}, nil
}

func mapIntakeConfig(cfg *config.Config) intake.Config {
	targets := make([]transport.Target, 0, len(cfg.Intake.Targets))
	for _, t := range cfg.Intake.Targets {
		kind := transport.TargetGroup
		if t.Kind == "channel" {
			kind = transport.TargetChannel
		}
		targets = append(targets, transport.Target{Name: t.Name, Kind: kind})
	}
	return intake.Config{
		SourceGroup:        cfg.Intake.SourceGroup,
		AuthorizedSenders:  cfg.Intake.AuthorizedSenders,
		AllowAllFromSource: cfg.Intake.AllowAllFromSource,
		Signature:          cfg.Intake.Signature,
		Targets:            targets,
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Tokens:      cfg.Telegram.Tokens,
		Chats:       cfg.Telegram.Chats,
		PollTimeout: pollTimeout,
	}, nil
}

// mapStorageConfig returns (config, enabled, error).
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	sc := storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
	enabled := sc.Driver != "" && sc.Driver != "none"
	return sc, enabled, nil
}

func mapSelection(cfg *config.Config) (selector.Strategy, selector.Weights, error) {
	strat, err := selector.ParseStrategy(cfg.Selection.Strategy)
	if err != nil {
		return "", selector.Weights{}, err
	}
	w := cfg.Selection.Weights
	return strat, selector.Weights{
		MinutePenalty:          w.MinutePenalty,
		HourPenalty:            w.HourPenalty,
		DayPenalty:             w.DayPenalty,
		IdleBonusCap:           w.IdleBonusCap,
		SuccessWeight:          w.SuccessWeight,
		LatencyFloorMS:         w.LatencyFloorMS,
		LatencyPenaltyPer100MS: w.LatencyPenaltyPer100MS,
	}, nil
}

func mapStatsFlush(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("stats.flush_interval", cfg.Stats.FlushInterval, 5*time.Minute)
}
