package pool

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"fanout/internal/transport"
	logx "fanout/pkg/logx"
)

// startHealthCron (re)schedules the periodic health sweep. Called on Start
// and whenever a config reload changes the interval.
func (p *Pool) startHealthCron(interval time.Duration) {
	p.cronMu.Lock()
	defer p.cronMu.Unlock()
	if p.cron != nil {
		p.cron.Stop()
	}
	c := cron.New()
	c.Schedule(cron.Every(interval), cron.FuncJob(p.HealthCheck))
	c.Start()
	p.cron = c
}

// HealthCheck probes every Ready identity and demotes the ones whose
// transport no longer responds. Demotion goes through the disconnect path,
// so the usual reconnect backoff brings the identity back once the probe
// cause clears. The state flip happens under the pool lock, so an in-flight
// distribution that asks for the identity afterwards will not get it.
func (p *Pool) HealthCheck() {
	p.mu.RLock()
	probeTimeout := p.cfg.ProbeTimeout
	type probe struct {
		id string
		ch transport.Channel
	}
	probes := make([]probe, 0, len(p.order))
	for _, id := range p.order {
		ident := p.idents[id]
		if ident != nil && ident.state == StateReady && ident.ch != nil {
			probes = append(probes, probe{id, ident.ch})
		}
	}
	p.mu.RUnlock()

	if len(probes) == 0 {
		return
	}
	healthy := 0
	for _, pr := range probes {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		connected, err := pr.ch.State(ctx)
		cancel()
		if err == nil && connected {
			healthy++
			continue
		}
		reason := "health probe: not connected"
		if err != nil {
			reason = "health probe failed: " + err.Error()
		}
		p.markDisconnected(pr.id, reason, false)
	}
	p.log.Debug("health sweep complete", logx.Int("probed", len(probes)), logx.Int("healthy", healthy))
}
