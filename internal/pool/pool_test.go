package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fanout/internal/eventbus"
	"fanout/internal/transport"
	logx "fanout/pkg/logx"
)

type fakeChannel struct {
	id   string
	sink transport.Sink

	mu        sync.Mutex
	connects  int
	connected bool
	stateErr  error
	autoReady bool
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	auto := f.autoReady
	f.mu.Unlock()
	if auto {
		f.sink(transport.Event{Identity: f.id, Kind: transport.EventReady, At: time.Now()})
	}
	return nil
}

func (f *fakeChannel) Disconnect(ctx context.Context) error { return nil }

func (f *fakeChannel) Groups(ctx context.Context) ([]transport.Target, error) { return nil, nil }

func (f *fakeChannel) Send(ctx context.Context, to transport.Target, content string, media *transport.Media) error {
	return nil
}

func (f *fakeChannel) State(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return false, f.stateErr
	}
	return f.connected, nil
}

func (f *fakeChannel) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type fakeFactory struct {
	mu        sync.Mutex
	chans     map[string]*fakeChannel
	autoReady bool
	failFor   map[string]error
}

func newFakeFactory(autoReady bool) *fakeFactory {
	return &fakeFactory{chans: map[string]*fakeChannel{}, autoReady: autoReady}
}

func (f *fakeFactory) make(id string, sink transport.Sink) (transport.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[id]; err != nil {
		return nil, err
	}
	ch := &fakeChannel{id: id, sink: sink, connected: true, autoReady: f.autoReady}
	f.chans[id] = ch
	return ch, nil
}

func (f *fakeFactory) channel(id string) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chans[id]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestNewRequiresIdentities(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, newFakeFactory(true).make, nil, logx.Nop())
	if !errors.Is(err, ErrNoIdentities) {
		t.Fatalf("err = %v, want ErrNoIdentities", err)
	}
}

func TestStartConnectsAndMarksReady(t *testing.T) {
	t.Parallel()
	f := newFakeFactory(true)
	p, err := New(Config{Identities: []string{"a", "b"}}, f.make, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	defer p.Stop(context.Background())

	waitFor(t, func() bool { return len(p.Ready()) == 2 })
	got := p.Ready()
	if got[0] != "a" || got[1] != "b" {
		t.Fatalf("Ready() = %v, want configured order [a b]", got)
	}
	if _, ok := p.Channel("a"); !ok {
		t.Fatal("Channel(a) not available after ready")
	}
}

func TestFactoryFailureParksIdentity(t *testing.T) {
	t.Parallel()
	f := newFakeFactory(true)
	f.failFor = map[string]error{"bad": errors.New("no token")}
	p, err := New(Config{Identities: []string{"good", "bad"}}, f.make, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	defer p.Stop(context.Background())

	waitFor(t, func() bool { return len(p.Ready()) == 1 })
	for _, info := range p.Snapshot() {
		if info.ID == "bad" {
			if info.State != StateDisconnected || !info.NeedsAttention {
				t.Fatalf("bad identity = %+v, want parked disconnected with attention", info)
			}
		}
	}
}

func TestDisconnectSchedulesReconnect(t *testing.T) {
	t.Parallel()
	f := newFakeFactory(true)
	p, err := New(Config{
		Identities:     []string{"a"},
		ReconnectDelay: 10 * time.Millisecond,
	}, f.make, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	defer p.Stop(context.Background())
	waitFor(t, func() bool { return len(p.Ready()) == 1 })

	p.handleEvent(transport.Event{Identity: "a", Kind: transport.EventDisconnected, Reason: "socket closed"})
	if len(p.Ready()) != 0 {
		t.Fatal("identity still ready after disconnect event")
	}
	// The reconnect timer fires, Connect runs again, and the fake
	// emits ready on connect.
	waitFor(t, func() bool { return f.channel("a").connectCount() >= 2 })
	waitFor(t, func() bool { return len(p.Ready()) == 1 })
	if info := p.Snapshot()[0]; info.Reconnects != 0 {
		t.Fatalf("reconnects = %d, want 0 after successful reconnect", info.Reconnects)
	}
}

func TestMaxReconnectsParksWithAttention(t *testing.T) {
	t.Parallel()
	f := newFakeFactory(true)
	p, err := New(Config{
		Identities:     []string{"a"},
		ReconnectDelay: time.Hour,
		MaxReconnects:  1,
	}, f.make, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	defer p.Stop(context.Background())
	waitFor(t, func() bool { return len(p.Ready()) == 1 })

	p.handleEvent(transport.Event{Identity: "a", Kind: transport.EventDisconnected, Reason: "first"})
	p.handleEvent(transport.Event{Identity: "a", Kind: transport.EventDisconnected, Reason: "second"})

	info := p.Snapshot()[0]
	if !info.NeedsAttention {
		t.Fatal("identity not flagged for attention after exhausting reconnects")
	}
	if info.State != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", info.State)
	}
}

func TestAttentionEventPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	f := newFakeFactory(true)
	p, err := New(Config{
		Identities:     []string{"a"},
		ReconnectDelay: time.Hour,
		AuthBackoff:    time.Hour,
		MaxReconnects:  1,
	}, f.make, bus, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	defer p.Stop(context.Background())
	waitFor(t, func() bool { return len(p.Ready()) == 1 })

	p.handleEvent(transport.Event{Identity: "a", Kind: transport.EventAuthFailure, Reason: "401"})
	p.handleEvent(transport.Event{Identity: "a", Kind: transport.EventAuthFailure, Reason: "401"})

	deadline := time.After(2 * time.Second)
	var seen []string
	for {
		select {
		case ev := <-events:
			seen = append(seen, ev.Type)
			if ev.Type == eventbus.TypeIdentityAttention {
				return
			}
		case <-deadline:
			t.Fatalf("attention event never published, saw %v", seen)
		}
	}
}

func TestHealthCheckDemotesStaleIdentity(t *testing.T) {
	t.Parallel()
	f := newFakeFactory(true)
	p, err := New(Config{
		Identities:     []string{"a", "b"},
		ReconnectDelay: 100 * time.Millisecond,
	}, f.make, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	defer p.Stop(context.Background())
	waitFor(t, func() bool { return len(p.Ready()) == 2 })

	ch := f.channel("a")
	ch.mu.Lock()
	ch.connected = false
	ch.mu.Unlock()

	p.HealthCheck()

	ready := p.Ready()
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("Ready() = %v after probe failure, want [b]", ready)
	}
	info := p.Snapshot()[0]
	if info.State != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", info.State)
	}
	if info.Reconnects != 1 {
		t.Fatalf("reconnects = %d, want a scheduled attempt", info.Reconnects)
	}

	// Once whatever stalled the transport clears, the scheduled reconnect
	// brings the identity back without operator action.
	ch.mu.Lock()
	ch.connected = true
	ch.mu.Unlock()
	waitFor(t, func() bool { return ch.connectCount() >= 2 })
	waitFor(t, func() bool { return len(p.Ready()) == 2 })
}

func TestMarkDegradedSkipsSelectionUntilReady(t *testing.T) {
	t.Parallel()
	f := newFakeFactory(true)
	p, err := New(Config{Identities: []string{"a", "b"}}, f.make, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	defer p.Stop(context.Background())
	waitFor(t, func() bool { return len(p.Ready()) == 2 })

	p.MarkDegraded("a", "flood wait storm")
	ready := p.Ready()
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("Ready() = %v with a degraded, want [b]", ready)
	}
	if _, ok := p.Channel("a"); ok {
		t.Fatal("degraded identity still resolvable")
	}
	if info := p.Snapshot()[0]; info.State != StateDegraded {
		t.Fatalf("state = %s, want degraded", info.State)
	}

	// The transport link never dropped; a ready event restores service.
	p.handleEvent(transport.Event{Identity: "a", Kind: transport.EventReady})
	waitFor(t, func() bool { return len(p.Ready()) == 2 })
}

func TestRecordResultBlendsStats(t *testing.T) {
	t.Parallel()
	f := newFakeFactory(true)
	p, err := New(Config{Identities: []string{"a"}}, f.make, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}

	p.RecordResult("a", true, 500*time.Millisecond)
	st, _ := p.Stats("a")
	if st.TotalSent != 1 || st.Successful != 1 || st.SuccessRate != 100 {
		t.Fatalf("after one success: %+v", st)
	}
	// 1000ms starting average blended with 500ms.
	if st.AvgResponseMS != 750 {
		t.Fatalf("AvgResponseMS = %d, want 750", st.AvgResponseMS)
	}

	p.RecordResult("a", false, 250*time.Millisecond)
	st, _ = p.Stats("a")
	if st.TotalSent != 2 || st.Failed != 1 || st.SuccessRate != 50 {
		t.Fatalf("after one failure: %+v", st)
	}
	if st.AvgResponseMS != 500 {
		t.Fatalf("AvgResponseMS = %d, want 500", st.AvgResponseMS)
	}
	if st.LastUsedAt.IsZero() {
		t.Fatal("LastUsedAt not set")
	}
}

func TestApplyAddsAndRemovesIdentities(t *testing.T) {
	t.Parallel()
	f := newFakeFactory(true)
	p, err := New(Config{Identities: []string{"a", "b"}}, f.make, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	defer p.Stop(context.Background())
	waitFor(t, func() bool { return len(p.Ready()) == 2 })

	if err := p.Apply(Config{Identities: []string{"b", "c"}}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		ready := p.Ready()
		return len(ready) == 2 && ready[0] == "b" && ready[1] == "c"
	})
	if _, ok := p.Channel("a"); ok {
		t.Fatal("removed identity still resolvable")
	}

	if err := p.Apply(Config{}); !errors.Is(err, ErrNoIdentities) {
		t.Fatalf("Apply with no identities: err = %v, want ErrNoIdentities", err)
	}
}
