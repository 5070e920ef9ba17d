// Package app wires configuration, transport, and the distribution
// pipeline together, and owns the hot-reload loop.
package app

import (
	"context"
	"strings"
	"time"

	"fanout/internal/config"
	"fanout/internal/dedup"
	"fanout/internal/engine"
	"fanout/internal/eventbus"
	"fanout/internal/intake"
	"fanout/internal/pool"
	"fanout/internal/runtime/supervisor"
	"fanout/internal/selector"
	"fanout/internal/stats"
	"fanout/internal/storage"
	"fanout/internal/transport/telegram"
	"fanout/internal/usage"
	logx "fanout/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	pool    *pool.Pool
	tracker *usage.Tracker
	sel     *selector.Selector
	dedup   *dedup.Cache
	stats   *stats.Collector
	engine  *engine.Engine
	intake  *intake.Service

	flushInterval time.Duration
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	factory := telegram.NewFactory(tgCfg, log.With(logx.String("comp", "telegram")))

	poolCfg, err := mapPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	p, err := pool.New(poolCfg, factory, bus, log.With(logx.String("comp", "pool")))
	if err != nil {
		return nil, err
	}

	usageCfg, err := mapUsageConfig(cfg)
	if err != nil {
		return nil, err
	}
	tracker := usage.NewTracker(usageCfg, nil, log.With(logx.String("comp", "usage")))

	strategy, weights, err := mapSelection(cfg)
	if err != nil {
		return nil, err
	}
	sel := selector.New(strategy, weights, p, tracker, log.With(logx.String("comp", "selector")))

	dedupCfg, err := mapDedupConfig(cfg)
	if err != nil {
		return nil, err
	}
	var dedupStore storage.Store
	if cfg.Dedup.Persist {
		dedupStore = store
	}
	cache := dedup.New(dedupCfg, dedupStore, log.With(logx.String("comp", "dedup")))

	collector := stats.New(store, log.With(logx.String("comp", "stats")))

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, sel, p, cache, collector, store, bus, log.With(logx.String("comp", "engine")))

	in := intake.New(mapIntakeConfig(cfg), eng, bus, log.With(logx.String("comp", "intake")))

	flush, err := mapStatsFlush(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath:       cfgPath,
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		bus:           bus,
		store:         store,
		pool:          p,
		tracker:       tracker,
		sel:           sel,
		dedup:         cache,
		stats:         collector,
		engine:        eng,
		intake:        in,
		flushInterval: flush,
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Transactional reload: a config that structurally parses but cannot
	// map into component configs is rejected before commit/publish.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapSelection(cfg); err != nil {
			return err
		}
		if _, err := mapPoolConfig(cfg); err != nil {
			return err
		}
		if _, err := mapUsageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDedupConfig(cfg); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapTelegramConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	a.pool.Start(a.sup.Context())
	a.intake.Start(a.sup.Context())
	a.stats.StartFlusher(a.flushInterval)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("eventbus.log", func(c context.Context) error {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the latest config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
					continue
				default:
				}
				break
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "telegram":
			a.log.Warn("telegram config changed; affected identities apply on next reconnect")
		}
	}

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	// The validator already vetted these mappings; a failure here means the
	// config changed between validation and apply, so keep the old settings.
	if poolCfg, err := mapPoolConfig(newCfg); err == nil {
		if err := a.pool.Apply(poolCfg); err != nil {
			a.log.Warn("pool config rejected; keeping previous", logx.Err(err))
		}
	}
	if usageCfg, err := mapUsageConfig(newCfg); err == nil {
		a.tracker.Apply(usageCfg)
	}
	if strategy, weights, err := mapSelection(newCfg); err == nil {
		a.sel.Apply(strategy, weights)
	}
	if dedupCfg, err := mapDedupConfig(newCfg); err == nil {
		a.dedup.Apply(dedupCfg)
	}
	if engCfg, err := mapEngineConfig(newCfg); err == nil {
		a.engine.Apply(engCfg)
	}
	a.intake.Apply(mapIntakeConfig(newCfg))
	if flush, err := mapStatsFlush(newCfg); err == nil && flush != a.flushInterval {
		a.flushInterval = flush
		a.stats.StartFlusher(flush)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	a.intake.Stop(ctx)
	a.pool.Stop(ctx)
	a.stats.Stop(ctx)
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	err := a.sup.Stop(ctx)
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
