// Package dedup blocks redistribution of content already fanned out
// within a rolling time window, keyed by a content fingerprint.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"fanout/internal/storage"
	"fanout/internal/transport"
	logx "fanout/pkg/logx"
)

const (
	DefaultTTL        = 24 * time.Hour
	DefaultMaxEntries = 1000
)

type Config struct {
	TTL        time.Duration
	MaxEntries int
}

// Fingerprint digests the textual content plus, when media is present, its
// declared MIME type and byte length. Captions ride in content, so the same
// media with a different caption fingerprints differently.
func Fingerprint(content string, media *transport.Media) string {
	h := sha256.New()
	h.Write([]byte(content))
	if media != nil {
		h.Write([]byte(media.MimeType))
		h.Write([]byte(strconv.FormatInt(media.Size, 10)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Cache maps fingerprint -> first-seen time. All entries share one mutex;
// CheckAndRecord is the atomic check-and-insert the engine relies on.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]time.Time
	now     func() time.Time

	store storage.Store // nil when persistence is disabled
	log   logx.Logger
}

func New(cfg Config, store storage.Store, log logx.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Cache{
		cfg:     cfg,
		entries: map[string]time.Time{},
		now:     time.Now,
		store:   store,
		log:     log,
	}
	c.preload()
	return c
}

func (c *Cache) preload() {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	persisted, err := c.store.LoadDedup(ctx)
	if err != nil {
		c.log.Warn("dedup preload failed", logx.Err(err))
		return
	}
	c.mu.Lock()
	for key, until := range persisted {
		c.entries[key] = until.Add(-c.cfg.TTL)
	}
	n := len(c.entries)
	c.mu.Unlock()
	if n > 0 {
		c.log.Info("dedup cache preloaded", logx.Int("entries", n))
	}
}

// Apply swaps TTL/ceiling at runtime. Existing first-seen stamps are kept
// and re-judged against the new TTL on the next lookup.
func (c *Cache) Apply(cfg Config) {
	c.mu.Lock()
	if cfg.TTL > 0 {
		c.cfg.TTL = cfg.TTL
	}
	if cfg.MaxEntries > 0 {
		c.cfg.MaxEntries = cfg.MaxEntries
	}
	c.mu.Unlock()
}

// CheckAndRecord reports whether the fingerprint was already seen within the
// TTL. A hit does not refresh the entry's timestamp, so a burst of identical
// duplicates cannot extend the window. A miss (or expired entry) records the
// fingerprint as fresh.
func (c *Cache) CheckAndRecord(fp string) bool {
	now := c.now()

	c.mu.Lock()
	if seen, ok := c.entries[fp]; ok && now.Sub(seen) < c.cfg.TTL {
		c.mu.Unlock()
		return true
	}
	c.entries[fp] = now
	needSweep := len(c.entries) > c.cfg.MaxEntries
	if needSweep {
		c.sweepLocked(now)
	}
	size := len(c.entries)
	c.mu.Unlock()

	if needSweep {
		c.log.Debug("dedup cache swept", logx.Int("entries", size))
	}
	c.persist(fp, now)
	return false
}

// Len reports the current entry count (for health reporting).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweepLocked removes everything older than TTL. If the ceiling is exceeded
// entirely by fresh entries the cache stays over it; correctness over a
// strict bound.
func (c *Cache) sweepLocked(now time.Time) {
	for key, seen := range c.entries {
		if now.Sub(seen) >= c.cfg.TTL {
			delete(c.entries, key)
		}
	}
}

func (c *Cache) persist(fp string, seen time.Time) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.store.PutDedup(ctx, fp, seen.Add(c.cfg.TTL)); err != nil {
		c.log.Debug("dedup persist failed", logx.Err(err))
	}
}
