package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fanout/internal/dedup"
	"fanout/internal/pool"
	"fanout/internal/selector"
	"fanout/internal/stats"
	"fanout/internal/transport"
	"fanout/internal/usage"
	logx "fanout/pkg/logx"
)

// fakePool backs both the selector (Ready/Stats) and the engine
// (Channel/RecordResult) so tests exercise the real selection path.
type fakePool struct {
	mu       sync.Mutex
	ready    []string
	total    int
	fail     map[string]error
	sent     []send
	recorded []string
	onSend   func(identity string)
}

type send struct {
	identity string
	target   string
}

func (f *fakePool) Ready() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ready...)
}

func (f *fakePool) Stats(string) (pool.PerformanceStats, bool) {
	return pool.PerformanceStats{}, false
}

func (f *fakePool) Size() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.total > 0 {
		return len(f.ready), f.total
	}
	return len(f.ready), len(f.ready)
}

func (f *fakePool) Channel(id string) (transport.Channel, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.ready {
		if r == id {
			return &fakeChannel{pool: f, id: id}, true
		}
	}
	return nil, false
}

func (f *fakePool) RecordResult(id string, success bool, latency time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, id)
}

func (f *fakePool) demote(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.ready[:0]
	for _, r := range f.ready {
		if r != id {
			kept = append(kept, r)
		}
	}
	f.ready = kept
}

type fakeChannel struct {
	pool *fakePool
	id   string
}

func (c *fakeChannel) Connect(context.Context) error                      { return nil }
func (c *fakeChannel) Disconnect(context.Context) error                   { return nil }
func (c *fakeChannel) Groups(context.Context) ([]transport.Target, error) { return nil, nil }
func (c *fakeChannel) State(context.Context) (bool, error)                { return true, nil }

func (c *fakeChannel) Send(_ context.Context, to transport.Target, _ string, _ *transport.Media) error {
	c.pool.mu.Lock()
	c.pool.sent = append(c.pool.sent, send{identity: c.id, target: to.Name})
	err := c.pool.fail[c.id]
	hook := c.pool.onSend
	c.pool.mu.Unlock()
	if hook != nil {
		hook(c.id)
	}
	return err
}

func targets(names ...string) []transport.Target {
	out := make([]transport.Target, len(names))
	for i, n := range names {
		out[i] = transport.Target{Name: n, Kind: transport.TargetGroup}
	}
	return out
}

// newTestEngine wires a real selector and usage tracker over the fake pool
// and strips all real sleeping out of the engine.
func newTestEngine(t *testing.T, cfg Config, ucfg usage.Config, fp *fakePool, strategy selector.Strategy) (*Engine, *stats.Collector, *usage.Tracker) {
	t.Helper()
	clk := usage.NewManualClock(time.Now())
	tracker := usage.NewTracker(ucfg, clk, logx.Nop())
	sel := selector.New(strategy, selector.Weights{}, fp, tracker, logx.Nop())
	st := stats.New(nil, logx.Nop())
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Nanosecond
	}
	e := New(cfg, sel, fp, nil, st, nil, nil, logx.Nop())
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e, st, tracker
}

func TestSubmitRoundRobinAlternates(t *testing.T) {
	t.Parallel()
	fp := &fakePool{ready: []string{"a", "b"}}
	e, _, _ := newTestEngine(t, Config{Concurrency: 1}, usage.Config{}, fp, selector.StrategyRoundRobin)

	rep := e.Submit(context.Background(), "hello", nil, targets("g1", "g2", "g3"))
	if rep.Sent != 3 || rep.Status != StatusSuccess {
		t.Fatalf("report = %+v", rep)
	}
	if len(fp.sent) != 3 {
		t.Fatalf("sends = %v", fp.sent)
	}
	for i := 1; i < len(fp.sent); i++ {
		if fp.sent[i].identity == fp.sent[i-1].identity {
			t.Fatalf("identities did not alternate: %v", fp.sent)
		}
	}
	for i, s := range fp.sent {
		if want := []string{"g1", "g2", "g3"}[i]; s.target != want {
			t.Fatalf("target order broken: %v", fp.sent)
		}
	}
}

func TestSubmitCeilingYieldsNoChannel(t *testing.T) {
	t.Parallel()
	fp := &fakePool{ready: []string{"a"}}
	e, st, tracker := newTestEngine(t, Config{Concurrency: 1},
		usage.Config{Limits: usage.Limits{PerMinute: 1}}, fp, selector.StrategyRoundRobin)

	// Burn the single minute slot outside the job.
	tracker.RecordUse("a")

	rep := e.Submit(context.Background(), "hello", nil, targets("g1"))
	if rep.NoChannel != 1 || rep.Sent != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Targets[0].Outcome != OutcomeNoChannel {
		t.Fatalf("target outcome = %s", rep.Targets[0].Outcome)
	}
	if len(fp.recorded) != 0 {
		t.Fatalf("identity stats touched on a skipped send: %v", fp.recorded)
	}
	snap := st.Snapshot()
	if snap.MessagesSent != 0 || snap.MessagesFailed != 0 {
		t.Fatalf("delivery counters moved: %+v", snap)
	}
}

func TestSubmitCountsSumToTargetCount(t *testing.T) {
	t.Parallel()
	fp := &fakePool{
		ready: []string{"a"},
		fail:  map[string]error{},
	}
	e, _, _ := newTestEngine(t, Config{Concurrency: 1, RetryMax: 1}, usage.Config{}, fp, selector.StrategyRoundRobin)

	// Second target hits a missing group, third a transport failure.
	calls := 0
	fp.onSend = func(string) {
		calls++
		fp.mu.Lock()
		switch calls {
		case 1:
			fp.fail["a"] = transport.ErrTargetNotFound
		case 2:
			fp.fail["a"] = errors.New("flood wait")
		default:
			delete(fp.fail, "a")
		}
		fp.mu.Unlock()
	}

	rep := e.Submit(context.Background(), "hello", nil, targets("g1", "g2", "g3", "g4"))
	total := rep.Sent + rep.Failed + rep.NotFound + rep.NoChannel
	if total != 4 {
		t.Fatalf("counts sum to %d, want 4: %+v", total, rep)
	}
	if rep.Sent != 2 || rep.NotFound != 1 || rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Status != StatusPartial {
		t.Fatalf("status = %s, want partial", rep.Status)
	}
}

func TestSubmitRetriesWithFreshIdentity(t *testing.T) {
	t.Parallel()
	fp := &fakePool{
		ready: []string{"a", "b"},
		// Round-robin picks b first; it always fails, a succeeds.
		fail: map[string]error{"b": errors.New("connection reset")},
	}
	e, _, _ := newTestEngine(t, Config{Concurrency: 1, RetryMax: 2}, usage.Config{}, fp, selector.StrategyRoundRobin)

	rep := e.Submit(context.Background(), "hello", nil, targets("g1"))
	if rep.Sent != 1 {
		t.Fatalf("report = %+v", rep)
	}
	tr := rep.Targets[0]
	if tr.Attempts != 2 || tr.Identity != "a" || tr.Outcome != OutcomeSent {
		t.Fatalf("target result = %+v", tr)
	}
	if len(fp.recorded) != 2 {
		t.Fatalf("expected both attempts booked against identity stats, got %v", fp.recorded)
	}
}

func TestSubmitDuplicateBlocked(t *testing.T) {
	t.Parallel()
	fp := &fakePool{ready: []string{"a"}}
	e, st, _ := newTestEngine(t, Config{Concurrency: 1}, usage.Config{}, fp, selector.StrategyRoundRobin)
	e.dedup = dedup.New(dedup.Config{TTL: time.Hour}, nil, logx.Nop())

	first := e.Submit(context.Background(), "breaking news", nil, targets("g1"))
	if first.Duplicate || first.Sent != 1 {
		t.Fatalf("first submit = %+v", first)
	}
	second := e.Submit(context.Background(), "breaking news", nil, targets("g1", "g2"))
	if !second.Duplicate || second.Status != StatusDuplicate {
		t.Fatalf("second submit = %+v", second)
	}
	if len(fp.sent) != 1 {
		t.Fatalf("duplicate content reached the transport: %v", fp.sent)
	}
	if st.Snapshot().DuplicatesBlocked != 1 {
		t.Fatalf("duplicates counter = %d", st.Snapshot().DuplicatesBlocked)
	}
}

func TestDemotedIdentityNotSelectedMidJob(t *testing.T) {
	t.Parallel()
	fp := &fakePool{ready: []string{"a", "b"}}
	e, _, _ := newTestEngine(t, Config{Concurrency: 1}, usage.Config{}, fp, selector.StrategyRoundRobin)

	// After the first send completes, identity a drops out, as if a health
	// probe demoted it while the job is still working its target list.
	var once sync.Once
	fp.onSend = func(string) {
		once.Do(func() { fp.demote("a") })
	}

	rep := e.Submit(context.Background(), "hello", nil, targets("g1", "g2", "g3"))
	if rep.Sent != 3 {
		t.Fatalf("report = %+v", rep)
	}
	for _, s := range fp.sent[1:] {
		if s.identity == "a" {
			t.Fatalf("demoted identity selected after drop: %v", fp.sent)
		}
	}
}

func TestPacingDelayBounds(t *testing.T) {
	t.Parallel()
	fp := &fakePool{ready: []string{"a", "b"}}
	cfg := Config{PacingMin: 3 * time.Second, PacingMax: 12 * time.Second, Adaptive: true, Randomize: true}
	e, _, tracker := newTestEngine(t, cfg, usage.Config{Limits: usage.Limits{PerMinute: 1}}, fp, selector.StrategyRoundRobin)

	// Full readiness, maximum jitter: 3s * 1.3 = 3.9s.
	e.randFloat = func() float64 { return 1.0 }
	if d := e.pacingDelay(e.cfg); d < 3899*time.Millisecond || d > 3901*time.Millisecond {
		t.Fatalf("delay = %v, want about 3.9s", d)
	}

	// Minimum jitter clamps back up to the floor.
	e.randFloat = func() float64 { return 0 }
	if d := e.pacingDelay(e.cfg); d < cfg.PacingMin {
		t.Fatalf("delay = %v fell below the floor", d)
	}

	// A rate-gated identity is still Ready; its ceiling must not slow the
	// whole job down further.
	tracker.RecordUse("a")
	e.randFloat = func() float64 { return 0.5 }
	if d := e.pacingDelay(e.cfg); d != cfg.PacingMin {
		t.Fatalf("delay = %v with a rate-gated identity, want the %v base", d, cfg.PacingMin)
	}

	// Half the pool not Ready stretches the base by 25%.
	fp.mu.Lock()
	fp.total = 4
	fp.mu.Unlock()
	d := e.pacingDelay(e.cfg)
	want := time.Duration(float64(3*time.Second) * 1.25)
	if diff := d - want; diff < -time.Millisecond || diff > time.Millisecond {
		t.Fatalf("adaptive delay = %v, want about %v", d, want)
	}
}
