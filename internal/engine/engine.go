// Package engine orchestrates distribution jobs: one message fanned out
// to an ordered target list, each send carried by whichever identity the
// selector hands out, paced to avoid burst signatures.
package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"fanout/internal/dedup"
	"fanout/internal/eventbus"
	"fanout/internal/selector"
	"fanout/internal/stats"
	"fanout/internal/storage"
	"fanout/internal/transport"
	logx "fanout/pkg/logx"
)

// Picker hands out identities. *selector.Selector satisfies it.
type Picker interface {
	Acquire() (string, error)
	Eligible() (eligible, ready, total int)
}

// Channels resolves identities to transport handles and books send
// quality. *pool.Pool satisfies it.
type Channels interface {
	Channel(id string) (transport.Channel, bool)
	RecordResult(id string, success bool, latency time.Duration)
}

// Deduper screens content fingerprints. *dedup.Cache satisfies it.
type Deduper interface {
	CheckAndRecord(fp string) bool
}

type Engine struct {
	mu  sync.RWMutex
	cfg Config

	picker Picker
	chans  Channels
	dedup  Deduper
	stats  *stats.Collector
	store  storage.Store
	bus    eventbus.Bus
	log    logx.Logger

	limiter *rate.Limiter

	// sleep and randFloat are swappable so tests run without wall time.
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

func New(cfg Config, picker Picker, chans Channels, d Deduper, st *stats.Collector, store storage.Store, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:       cfg.withDefaults(),
		picker:    picker,
		chans:     chans,
		dedup:     d,
		stats:     st,
		store:     store,
		bus:       bus,
		log:       log,
		sleep:     sleepCtx,
		randFloat: rand.Float64,
	}
	e.limiter = newLimiter(e.cfg)
	return e
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RatePerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst)
}

// Apply swaps pacing, retry, and rate-cap settings at runtime. In-flight
// jobs finish on the settings they started with per send attempt.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	changed := cfg.RatePerSecond != e.cfg.RatePerSecond || cfg.RateBurst != e.cfg.RateBurst
	e.cfg = cfg
	if changed {
		e.limiter = newLimiter(cfg)
	}
	e.mu.Unlock()
}

func (e *Engine) config() (Config, *rate.Limiter) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.limiter
}

// Submit fans content out to targets and returns per-target outcomes.
// Duplicate content (same fingerprint within the dedup TTL) short-circuits
// before any send. Submit never returns an error for delivery problems;
// the Report carries them.
func (e *Engine) Submit(ctx context.Context, content string, media *transport.Media, targets []transport.Target) Report {
	start := time.Now()
	rep := Report{JobID: uuid.NewString()}

	if e.dedup != nil && e.dedup.CheckAndRecord(dedup.Fingerprint(content, media)) {
		rep.Status = StatusDuplicate
		rep.Duplicate = true
		rep.Took = time.Since(start)
		if e.stats != nil {
			e.stats.RecordDuplicate()
		}
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeDuplicateBlocked, Data: rep.JobID})
		}
		e.log.Info("duplicate content blocked", logx.String("job", rep.JobID))
		return rep
	}

	cfg, _ := e.config()
	rep.Targets = make([]TargetResult, len(targets))

	sem := make(chan struct{}, cfg.Concurrency)
	var wg sync.WaitGroup
	for i, tgt := range targets {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, tgt transport.Target) {
			defer wg.Done()
			defer func() { <-sem }()
			rep.Targets[i] = e.sendOne(ctx, rep.JobID, tgt, content, media)
		}(i, tgt)
	}
	wg.Wait()

	for _, tr := range rep.Targets {
		switch tr.Outcome {
		case OutcomeSent:
			rep.Sent++
		case OutcomeNotFound:
			rep.NotFound++
		case OutcomeNoChannel:
			rep.NoChannel++
		default:
			rep.Failed++
		}
	}
	rep.Took = time.Since(start)
	rep.Status = statusFor(rep)

	if e.stats != nil && len(targets) > 0 {
		e.stats.RecordDistribution(rep.Took)
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeDistributionDone, Data: rep})
	}
	e.log.Info("distribution complete",
		logx.String("job", rep.JobID),
		logx.String("status", string(rep.Status)),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("not_found", rep.NotFound),
		logx.Int("no_channel", rep.NoChannel),
		logx.Duration("took", rep.Took))
	return rep
}

func statusFor(rep Report) Status {
	switch {
	case len(rep.Targets) == 0:
		return StatusSuccess
	case rep.Sent == len(rep.Targets):
		return StatusSuccess
	case rep.Sent > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

// sendOne drives one target to a final outcome: select an identity, pace,
// send, and on transport failure retry with a freshly selected identity
// until the attempt budget runs out.
func (e *Engine) sendOne(ctx context.Context, jobID string, tgt transport.Target, content string, media *transport.Media) TargetResult {
	cfg, limiter := e.config()
	res := TargetResult{Target: tgt, Outcome: OutcomeNoChannel}
	start := time.Now()
	defer func() { res.Took = time.Since(start) }()

	for attempt := 1; attempt <= cfg.RetryMax; attempt++ {
		if ctx.Err() != nil {
			break
		}
		if attempt > 1 {
			if err := e.sleep(ctx, cfg.RetryDelay); err != nil {
				break
			}
		}

		id, err := e.picker.Acquire()
		if err != nil {
			// Exhaustion is a final per-target outcome, not a retry loop:
			// if nothing is eligible now, the retry delay will not change
			// the rate windows this job is allowed to spend.
			break
		}

		if err := e.sleep(ctx, e.pacingDelay(cfg)); err != nil {
			break
		}
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		ch, ok := e.chans.Channel(id)
		if !ok {
			// Demoted between selection and send. The attempt never
			// reached the transport, so no stats are booked.
			continue
		}

		res.Attempts++
		res.Identity = id
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		t0 := time.Now()
		sendErr := ch.Send(sctx, tgt, content, media)
		latency := time.Since(t0)
		cancel()

		e.chans.RecordResult(id, sendErr == nil, latency)
		e.audit(ctx, jobID, id, tgt, sendErr, latency)

		switch {
		case sendErr == nil:
			res.Outcome = OutcomeSent
			res.Error = ""
			if e.stats != nil {
				e.stats.RecordSend(true, mediaType(media))
			}
			return res
		case errors.Is(sendErr, transport.ErrTargetNotFound):
			res.Outcome = OutcomeNotFound
			res.Error = sendErr.Error()
			if e.stats != nil {
				e.stats.RecordSend(false, mediaType(media))
			}
			return res
		default:
			res.Outcome = OutcomeFailed
			res.Error = sendErr.Error()
			e.log.Warn("send failed",
				logx.String("job", jobID),
				logx.String("identity", id),
				logx.String("target", tgt.Name),
				logx.Int("attempt", res.Attempts),
				logx.Err(sendErr))
		}
	}
	// Only attempts that reached the transport count as failed deliveries;
	// pure exhaustion stays a NoChannel outcome with untouched counters.
	if res.Attempts > 0 && e.stats != nil {
		e.stats.RecordSend(false, mediaType(media))
	}
	return res
}

// pacingDelay computes the wait before one send. The base stretches as
// the Ready fraction of the pool shrinks, then a random factor in
// [0.7, 1.3) spreads sends apart; the result stays within [min, max].
// Rate-gated identities do not stretch pacing; their ceilings already
// throttle, and slowing down further would starve the job.
func (e *Engine) pacingDelay(cfg Config) time.Duration {
	d := float64(cfg.PacingMin)
	if cfg.Adaptive {
		_, ready, total := e.picker.Eligible()
		frac := 1.0
		if total > 0 {
			frac = float64(ready) / float64(total)
		}
		d *= 1 + (1-frac)*0.5
	}
	if cfg.Randomize {
		d *= 0.7 + e.randFloat()*0.6
	}
	if d < float64(cfg.PacingMin) {
		d = float64(cfg.PacingMin)
	}
	if d > float64(cfg.PacingMax) {
		d = float64(cfg.PacingMax)
	}
	return time.Duration(d)
}

func (e *Engine) audit(ctx context.Context, jobID, identity string, tgt transport.Target, sendErr error, latency time.Duration) {
	if e.store == nil {
		return
	}
	entry := storage.DeliveryEntry{
		At:       time.Now(),
		JobID:    jobID,
		Identity: identity,
		Target:   tgt.Name,
		Kind:     string(tgt.Kind),
		Outcome:  string(OutcomeSent),
		TookMS:   latency.Milliseconds(),
	}
	if sendErr != nil {
		entry.Outcome = string(OutcomeFailed)
		entry.Error = sendErr.Error()
		if errors.Is(sendErr, transport.ErrTargetNotFound) {
			entry.Outcome = string(OutcomeNotFound)
		}
	}
	if err := e.store.AppendDelivery(ctx, entry); err != nil {
		e.log.Warn("delivery audit write failed", logx.Err(err))
	}
}

func mediaType(media *transport.Media) string {
	if media == nil {
		return ""
	}
	return media.MimeType
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Picker = (*selector.Selector)(nil)
