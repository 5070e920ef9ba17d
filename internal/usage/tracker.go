package usage

import (
	"sync"
	"time"

	logx "fanout/pkg/logx"
)

// Limits are per-identity window ceilings. A ceiling <= 0 means unlimited.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

type Config struct {
	Limits   Limits
	Cooldown time.Duration
}

// Window is one identity's rolling counters. Counts increase on RecordUse
// and decay by one per window length, so usage smooths out instead of
// refilling all at once on a period boundary.
type Window struct {
	Minute     int
	Hour       int
	Day        int
	LastUsedAt time.Time
}

// Tracker answers eligibility queries and records usage per identity.
// It is safe for concurrent use. Windows are created lazily on first use
// and live for the process lifetime; the tracker never owns identities,
// it only indexes by id.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	windows map[string]*Window
	clock   Clock
	log     logx.Logger
}

func NewTracker(cfg Config, clock Clock, log logx.Logger) *Tracker {
	if clock == nil {
		clock = NewWallClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		cfg:     cfg,
		windows: map[string]*Window{},
		clock:   clock,
		log:     log,
	}
}

// Apply swaps limits/cooldown at runtime. Existing counters are kept;
// only the ceilings they are compared against change.
func (t *Tracker) Apply(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

// WithinLimits reports whether every window count is below its ceiling.
func (t *Tracker) WithinLimits(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[id]
	if !ok {
		return true
	}
	lim := t.cfg.Limits
	if lim.PerMinute > 0 && w.Minute >= lim.PerMinute {
		return false
	}
	if lim.PerHour > 0 && w.Hour >= lim.PerHour {
		return false
	}
	if lim.PerDay > 0 && w.Day >= lim.PerDay {
		return false
	}
	return true
}

// Now exposes the tracker's clock. Callers comparing against window
// timestamps must use it rather than the wall clock so virtual time in
// tests stays coherent.
func (t *Tracker) Now() time.Time {
	return t.clock.Now()
}

// PastCooldown reports whether the identity has been idle for at least the
// configured cooldown. Never-used identities are always past cooldown.
func (t *Tracker) PastCooldown(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[id]
	if !ok || w.LastUsedAt.IsZero() {
		return true
	}
	return t.clock.Now().Sub(w.LastUsedAt) >= t.cfg.Cooldown
}

// RecordUse charges one send against all three windows and schedules the
// matching deferred decrements. O(1) per send regardless of window length.
func (t *Tracker) RecordUse(id string) {
	t.mu.Lock()
	w := t.windowLocked(id)
	w.Minute++
	w.Hour++
	w.Day++
	w.LastUsedAt = t.clock.Now()
	t.mu.Unlock()

	t.clock.Schedule(time.Minute, func() { t.decay(id, unitMinute) })
	t.clock.Schedule(time.Hour, func() { t.decay(id, unitHour) })
	t.clock.Schedule(24*time.Hour, func() { t.decay(id, unitDay) })
}

// Snapshot returns a copy of the identity's current window.
func (t *Tracker) Snapshot(id string) Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.windows[id]; ok {
		return *w
	}
	return Window{}
}

func (t *Tracker) windowLocked(id string) *Window {
	w, ok := t.windows[id]
	if !ok {
		w = &Window{}
		t.windows[id] = w
	}
	return w
}

type decayUnit int

const (
	unitMinute decayUnit = iota
	unitHour
	unitDay
)

func (t *Tracker) decay(id string, u decayUnit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[id]
	if !ok {
		return
	}
	switch u {
	case unitMinute:
		if w.Minute > 0 {
			w.Minute--
		}
	case unitHour:
		if w.Hour > 0 {
			w.Hour--
		}
	case unitDay:
		if w.Day > 0 {
			w.Day--
		}
	}
}
