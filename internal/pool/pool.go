// Package pool owns the set of messaging identities: their transport
// handles, connectivity state machine, reconnect policy, health checks,
// and per-identity performance statistics.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fanout/internal/eventbus"
	"fanout/internal/runtime/supervisor"
	"fanout/internal/transport"
	logx "fanout/pkg/logx"
)

var ErrNoIdentities = errors.New("pool: no identities configured")

type identity struct {
	id    string
	state State
	ch    transport.Channel

	reason         string
	lastReadyAt    time.Time
	reconnects     int
	needsAttention bool
	reconnectTimer *time.Timer

	stats PerformanceStats
}

// Pool exclusively owns identity transport handles. Everything else
// (tracker, stats) indexes identities by id only.
type Pool struct {
	mu      sync.RWMutex
	cfg     Config
	factory transport.Factory
	idents  map[string]*identity
	order   []string
	stopped bool

	log logx.Logger
	bus eventbus.Bus

	cronMu sync.Mutex
	cron   *cron.Cron

	sup *supervisor.Supervisor
}

func New(cfg Config, factory transport.Factory, bus eventbus.Bus, log logx.Logger) (*Pool, error) {
	if len(cfg.Identities) == 0 {
		return nil, ErrNoIdentities
	}
	if factory == nil {
		return nil, errors.New("pool: transport factory is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	p := &Pool{
		cfg:     cfg.withDefaults(),
		factory: factory,
		idents:  map[string]*identity{},
		log:     log,
		bus:     bus,
	}
	for _, id := range cfg.Identities {
		p.addLocked(id)
	}
	return p, nil
}

// addLocked creates the identity record and its transport handle.
// A factory error parks the identity Disconnected with attention flagged;
// it never blocks the rest of the pool.
func (p *Pool) addLocked(id string) {
	ident := &identity{
		id:    id,
		state: StateConnecting,
		// Fresh identities start with a neutral quality signal so the
		// intelligent strategy doesn't punish them for having no history.
		stats: PerformanceStats{SuccessRate: 100, AvgResponseMS: 1000},
	}
	ch, err := p.factory(id, p.handleEvent)
	if err != nil {
		ident.state = StateDisconnected
		ident.reason = err.Error()
		ident.needsAttention = true
		p.log.Error("identity setup failed", logx.String("identity", id), logx.Err(err))
	} else {
		ident.ch = ch
	}
	p.idents[id] = ident
	p.order = append(p.order, id)
}

// Start begins connecting all identities concurrently (staggered) and
// schedules periodic health checks.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.stopped = false
	p.sup = supervisor.New(ctx, supervisor.WithLogger(p.log))
	idents := make([]*identity, 0, len(p.order))
	for _, id := range p.order {
		idents = append(idents, p.idents[id])
	}
	stagger := p.cfg.Stagger
	interval := p.cfg.HealthInterval
	sup := p.sup
	p.mu.Unlock()

	for i, ident := range idents {
		if ident.ch == nil {
			continue
		}
		id := ident.id
		delay := time.Duration(i) * stagger
		sup.Go("connect:"+id, func(ctx context.Context) error {
			if delay > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
			}
			p.connect(ctx, id)
			return nil
		})
	}

	p.startHealthCron(interval)
	p.log.Info("pool started", logx.Int("identities", len(idents)), logx.Duration("health_interval", interval))
}

func (p *Pool) Stop(ctx context.Context) {
	start := time.Now()

	p.cronMu.Lock()
	c := p.cron
	p.cron = nil
	p.cronMu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	p.mu.Lock()
	p.stopped = true
	sup := p.sup
	p.sup = nil
	channels := make([]transport.Channel, 0, len(p.idents))
	for _, ident := range p.idents {
		if ident.reconnectTimer != nil {
			ident.reconnectTimer.Stop()
			ident.reconnectTimer = nil
		}
		if ident.ch != nil {
			channels = append(channels, ident.ch)
		}
		ident.state = StateDisconnected
		ident.reason = "shutdown"
	}
	p.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Disconnect(ctx)
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
	p.log.Info("pool stopped", logx.Duration("took", time.Since(start)))
}

// connect drives one identity's connection attempt. State transitions come
// back through the event sink; a Connect error is only logged here because
// the transport reports the same failure as an event.
func (p *Pool) connect(ctx context.Context, id string) {
	p.mu.Lock()
	ident, ok := p.idents[id]
	if !ok || p.stopped || ident.ch == nil {
		p.mu.Unlock()
		return
	}
	ident.state = StateConnecting
	ch := ident.ch
	p.mu.Unlock()

	p.log.Debug("connecting identity", logx.String("identity", id))
	if err := ch.Connect(ctx); err != nil {
		p.log.Warn("connect attempt failed", logx.String("identity", id), logx.Err(err))
	}
}

// handleEvent is the sink registered with every transport channel.
// It must never block: transports call it from their own goroutines.
func (p *Pool) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventReady:
		p.markReady(ev.Identity)
	case transport.EventDisconnected:
		p.markDisconnected(ev.Identity, ev.Reason, false)
	case transport.EventAuthFailure:
		p.markDisconnected(ev.Identity, ev.Reason, true)
	case transport.EventInbound:
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.TypeInboundMessage, Data: ev})
		}
	}
}

func (p *Pool) markReady(id string) {
	p.mu.Lock()
	ident, ok := p.idents[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	ident.state = StateReady
	ident.reason = ""
	ident.lastReadyAt = time.Now()
	ident.reconnects = 0
	ident.needsAttention = false
	p.mu.Unlock()

	p.log.Info("identity ready", logx.String("identity", id))
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeIdentityReady, Data: id})
	}
}

// MarkDegraded takes an identity out of selection without scheduling a
// reconnect; the transport link is still up, just misbehaving. A Ready
// event promotes it back, a disconnect event moves it to the reconnect
// path. Health-probe failures use markDisconnected instead.
func (p *Pool) MarkDegraded(id, reason string) {
	p.mu.Lock()
	ident, ok := p.idents[id]
	if ok {
		ident.state = StateDegraded
		ident.reason = reason
	}
	p.mu.Unlock()
	if ok {
		p.log.Warn("identity degraded", logx.String("identity", id), logx.String("reason", reason))
	}
}

// markDisconnected flips state and schedules the automatic reconnect.
// The flip happens under the pool lock, so a selector call racing with a
// health-check demotion can never pick the demoted identity.
func (p *Pool) markDisconnected(id, reason string, authFailure bool) {
	p.mu.Lock()
	ident, ok := p.idents[id]
	if !ok || p.stopped {
		p.mu.Unlock()
		return
	}
	ident.state = StateDisconnected
	ident.reason = reason

	var delay time.Duration
	schedule := false
	if ident.reconnects < p.cfg.MaxReconnects {
		ident.reconnects++
		delay = p.cfg.ReconnectDelay
		if authFailure {
			delay = p.cfg.AuthBackoff
		}
		schedule = true
		if ident.reconnectTimer != nil {
			ident.reconnectTimer.Stop()
		}
		ident.reconnectTimer = time.AfterFunc(delay, func() { p.reconnect(id) })
	} else if !ident.needsAttention {
		ident.needsAttention = true
	}
	attention := ident.needsAttention
	attempt := ident.reconnects
	p.mu.Unlock()

	evType := eventbus.TypeIdentityDisconnected
	if authFailure {
		evType = eventbus.TypeIdentityAuthFailure
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: evType, Data: id})
	}

	if schedule {
		p.log.Warn("identity disconnected; reconnect scheduled",
			logx.String("identity", id),
			logx.String("reason", reason),
			logx.Bool("auth_failure", authFailure),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay))
		return
	}
	if attention {
		p.log.Error("identity exhausted reconnect attempts; operator attention required",
			logx.String("identity", id), logx.String("reason", reason))
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.TypeIdentityAttention, Data: id})
		}
	}
}

func (p *Pool) reconnect(id string) {
	p.mu.Lock()
	sup := p.sup
	stopped := p.stopped
	p.mu.Unlock()
	if stopped || sup == nil {
		return
	}
	sup.Go("reconnect:"+id, func(ctx context.Context) error {
		p.connect(ctx, id)
		return nil
	})
}

// Ready returns a copied snapshot of Ready identity ids in configured order.
func (p *Pool) Ready() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.order))
	for _, id := range p.order {
		if ident := p.idents[id]; ident != nil && ident.state == StateReady {
			out = append(out, id)
		}
	}
	return out
}

// Channel returns the transport handle for a Ready identity.
func (p *Pool) Channel(id string) (transport.Channel, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ident, ok := p.idents[id]
	if !ok || ident.state != StateReady || ident.ch == nil {
		return nil, false
	}
	return ident.ch, true
}

// RecordResult folds one completed send attempt into the identity's
// performance stats. Latency is blended exponentially, not flat-averaged,
// so recent behavior dominates.
func (p *Pool) RecordResult(id string, success bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ident, ok := p.idents[id]
	if !ok {
		return
	}
	st := &ident.stats
	st.TotalSent++
	if success {
		st.Successful++
	} else {
		st.Failed++
	}
	st.SuccessRate = (st.Successful*100 + st.TotalSent/2) / st.TotalSent
	if latency > 0 {
		st.AvgResponseMS = (st.AvgResponseMS + latency.Milliseconds()) / 2
	}
	st.LastUsedAt = time.Now()
}

// Stats returns a copy of one identity's performance stats.
func (p *Pool) Stats(id string) (PerformanceStats, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ident, ok := p.idents[id]
	if !ok {
		return PerformanceStats{}, false
	}
	return ident.stats, true
}

// Snapshot returns reporting info for every identity in configured order.
func (p *Pool) Snapshot() []IdentityInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]IdentityInfo, 0, len(p.order))
	for _, id := range p.order {
		ident := p.idents[id]
		if ident == nil {
			continue
		}
		out = append(out, IdentityInfo{
			ID:             ident.id,
			State:          ident.state,
			Reason:         ident.reason,
			NeedsAttention: ident.needsAttention,
			LastReadyAt:    ident.lastReadyAt,
			Reconnects:     ident.reconnects,
			Stats:          ident.stats,
		})
	}
	return out
}

// Size returns (ready, total) identity counts.
func (p *Pool) Size() (ready, total int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ident := range p.idents {
		if ident.state == StateReady {
			ready++
		}
	}
	return ready, len(p.idents)
}

// Apply reconciles the pool against a new config: identity additions are
// created and connected, removals are disconnected and dropped, and the
// health-check schedule follows the new interval.
func (p *Pool) Apply(cfg Config) error {
	if len(cfg.Identities) == 0 {
		return ErrNoIdentities
	}
	cfg = cfg.withDefaults()

	p.mu.Lock()
	oldInterval := p.cfg.HealthInterval
	p.cfg = cfg

	want := map[string]bool{}
	for _, id := range cfg.Identities {
		want[id] = true
	}

	var added []string
	var removed []transport.Channel
	for _, id := range cfg.Identities {
		if _, ok := p.idents[id]; !ok {
			p.addLocked(id)
			added = append(added, id)
		}
	}
	keptOrder := p.order[:0]
	for _, id := range p.order {
		if want[id] {
			keptOrder = append(keptOrder, id)
			continue
		}
		ident := p.idents[id]
		if ident.reconnectTimer != nil {
			ident.reconnectTimer.Stop()
		}
		if ident.ch != nil {
			removed = append(removed, ident.ch)
		}
		delete(p.idents, id)
	}
	p.order = keptOrder
	sup := p.sup
	stopped := p.stopped
	p.mu.Unlock()

	for _, ch := range removed {
		chx := ch
		if sup != nil {
			sup.Go("remove-identity", func(ctx context.Context) error {
				return chx.Disconnect(ctx)
			})
		}
	}
	if sup != nil && !stopped {
		for _, id := range added {
			idx := id
			sup.Go("connect:"+idx, func(ctx context.Context) error {
				p.connect(ctx, idx)
				return nil
			})
		}
	}

	if cfg.HealthInterval != oldInterval {
		p.startHealthCron(cfg.HealthInterval)
	}
	if len(added) > 0 || len(removed) > 0 {
		p.log.Info("pool reconciled", logx.Int("added", len(added)), logx.Int("removed", len(removed)))
	}
	return nil
}
