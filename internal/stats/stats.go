// Package stats accumulates lifetime distribution counters and exposes
// point-in-time snapshots for reporting.
package stats

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fanout/internal/storage"
	logx "fanout/pkg/logx"
)

// Snapshot is the full counter set at one instant. Counters are lifetime
// totals; they survive restarts when a store is configured.
type Snapshot struct {
	Distributions     int64 `json:"distributions"`
	MessagesSent      int64 `json:"messages_sent"`
	MessagesFailed    int64 `json:"messages_failed"`
	DuplicatesBlocked int64 `json:"duplicates_blocked"`

	// AvgDistributionMS blends each completed distribution's wall time
	// into a running average weighted toward recent runs.
	AvgDistributionMS int64 `json:"avg_distribution_ms"`

	// ByMediaType counts sends per attachment MIME type; plain text
	// messages count under "text".
	ByMediaType map[string]int64 `json:"by_media_type"`

	StartedAt time.Time `json:"started_at"`
}

type Collector struct {
	mu   sync.Mutex
	snap Snapshot

	store storage.Store
	log   logx.Logger

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New creates a collector, restoring persisted counters when store is
// non-nil and holds a previous snapshot.
func New(store storage.Store, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{
		snap:  Snapshot{ByMediaType: map[string]int64{}, StartedAt: time.Now()},
		store: store,
		log:   log,
	}
	if store != nil {
		raw, ok, err := store.LoadStats(context.Background())
		if err != nil {
			log.Warn("stats restore failed", logx.Err(err))
		} else if ok {
			var prev Snapshot
			if err := json.Unmarshal(raw, &prev); err != nil {
				log.Warn("stats snapshot corrupt; starting fresh", logx.Err(err))
			} else {
				prev.StartedAt = c.snap.StartedAt
				if prev.ByMediaType == nil {
					prev.ByMediaType = map[string]int64{}
				}
				c.snap = prev
				log.Info("stats restored", logx.Int64("distributions", prev.Distributions))
			}
		}
	}
	return c
}

// StartFlusher persists the counters on the given interval until Stop.
// No-op when storage is disabled.
func (c *Collector) StartFlusher(interval time.Duration) {
	if c.store == nil || interval <= 0 {
		return
	}
	c.cronMu.Lock()
	defer c.cronMu.Unlock()
	if c.cron != nil {
		c.cron.Stop()
	}
	cr := cron.New()
	cr.Schedule(cron.Every(interval), cron.FuncJob(func() { c.Flush(context.Background()) }))
	cr.Start()
	c.cron = cr
}

func (c *Collector) Stop(ctx context.Context) {
	c.cronMu.Lock()
	cr := c.cron
	c.cron = nil
	c.cronMu.Unlock()
	if cr != nil {
		select {
		case <-cr.Stop().Done():
		case <-ctx.Done():
		}
	}
	c.Flush(ctx)
}

// Flush persists the current counters. Safe to call with storage disabled.
func (c *Collector) Flush(ctx context.Context) {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	raw, err := json.Marshal(c.snap)
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("stats marshal failed", logx.Err(err))
		return
	}
	if err := c.store.SaveStats(ctx, raw); err != nil {
		c.log.Warn("stats flush failed", logx.Err(err))
	}
}

// RecordSend counts one completed send attempt. mediaType is the
// attachment MIME type, or empty for plain text.
func (c *Collector) RecordSend(success bool, mediaType string) {
	if mediaType == "" {
		mediaType = "text"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.snap.MessagesSent++
	} else {
		c.snap.MessagesFailed++
	}
	c.snap.ByMediaType[mediaType]++
}

// RecordDistribution counts one finished distribution and folds its wall
// time into the running average.
func (c *Collector) RecordDistribution(took time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Distributions++
	ms := took.Milliseconds()
	if c.snap.AvgDistributionMS == 0 {
		c.snap.AvgDistributionMS = ms
	} else {
		c.snap.AvgDistributionMS = (c.snap.AvgDistributionMS + ms) / 2
	}
}

func (c *Collector) RecordDuplicate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.DuplicatesBlocked++
}

// Snapshot returns a copy; the media map is cloned so callers can hold it.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.snap
	out.ByMediaType = make(map[string]int64, len(c.snap.ByMediaType))
	for k, v := range c.snap.ByMediaType {
		out.ByMediaType[k] = v
	}
	return out
}
