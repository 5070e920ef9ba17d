package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "fanout/pkg/logx"
)

const sampleYAML = `
identities: [alpha, beta]
telegram:
  tokens:
    alpha: "123:AAA"
    beta: "456:BBB"
  chats:
    news-group: -100123
    announce-channel: -100456
  poll_timeout: 10s
rate_limits:
  per_minute: 5
  per_hour: 80
  per_day: 800
  cooldown: 2m
selection:
  strategy: intelligent
  weights:
    minute_penalty: 8
    latency_floor_ms: 1500
pacing:
  min: 3s
  max: 12s
  adaptive: true
  randomize: true
dedup:
  ttl: 24h
  max_entries: 1000
health:
  interval: 60s
reconnect:
  delay: 30s
  auth_backoff: 5m
  max_attempts: 10
engine:
  concurrency: 2
  retry_max: 3
  retry_delay: 60s
intake:
  source_group: news-source
  authorized_senders: [editor]
  signature: "via fanout"
  targets:
    - name: news-group
    - name: announce-channel
      kind: channel
stats:
  flush_interval: 5m
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: sqlite
  path: ./fanout.db
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "fanout.yaml", sampleYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Identities) != 2 || cfg.Identities[0] != "alpha" {
		t.Fatalf("identities = %v", cfg.Identities)
	}
	if cfg.Telegram.Chats["news-group"] != -100123 {
		t.Fatalf("chats = %v", cfg.Telegram.Chats)
	}
	if cfg.RateLimits.PerMinute != 5 || cfg.RateLimits.Cooldown != "2m" {
		t.Fatalf("rate_limits = %+v", cfg.RateLimits)
	}
	if cfg.Selection.Strategy != "intelligent" || !cfg.Pacing.Adaptive {
		t.Fatalf("selection/pacing = %+v %+v", cfg.Selection, cfg.Pacing)
	}
	if w := cfg.Selection.Weights; w.MinutePenalty != 8 || w.LatencyFloorMS != 1500 || w.HourPenalty != 0 {
		t.Fatalf("selection weights = %+v", w)
	}
	if len(cfg.Intake.Targets) != 2 || cfg.Intake.Targets[1].Kind != "channel" {
		t.Fatalf("targets = %+v", cfg.Intake.Targets)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	t.Parallel()
	body := strings.Replace(sampleYAML, "selection:", "selektion:", 1)
	m := NewManager(writeConfig(t, "fanout.yaml", body))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown section accepted")
	}
}

func TestValidateFailures(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(string) string
		wantSub string
	}{
		{"no identities", func(s string) string {
			return strings.Replace(s, "identities: [alpha, beta]", "identities: []", 1)
		}, "at least one identity"},
		{"missing token", func(s string) string {
			return strings.Replace(s, "identities: [alpha, beta]", "identities: [alpha, beta, gamma]", 1)
		}, "missing token"},
		{"duplicate identity", func(s string) string {
			return strings.Replace(s, "identities: [alpha, beta]", "identities: [alpha, alpha]", 1)
		}, "duplicate"},
		{"bad duration", func(s string) string {
			return strings.Replace(s, "cooldown: 2m", "cooldown: soon", 1)
		}, "invalid duration"},
		{"pacing inverted", func(s string) string {
			return strings.Replace(s, "max: 12s", "max: 1s", 1)
		}, "below min"},
		{"bad target kind", func(s string) string {
			return strings.Replace(s, "kind: channel", "kind: topic", 1)
		}, "unknown kind"},
		{"bad storage driver", func(s string) string {
			return strings.Replace(s, "driver: sqlite", "driver: postgres", 1)
		}, "unknown driver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(writeConfig(t, "fanout.yaml", tc.mutate(sampleYAML)))
			_, err := m.Parse()
			if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantSub)
			}
		})
	}
}

func TestReloadPublishesOnChange(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "fanout.yaml", sampleYAML)
	m := NewManager(path)
	m.SetLogger(logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Identical content must not publish.
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("unchanged config published")
	case <-time.After(50 * time.Millisecond):
	}

	changed := strings.Replace(sampleYAML, "strategy: intelligent", "strategy: least_used", 1)
	if err := os.WriteFile(path, []byte(changed), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-sub:
		if cfg.Selection.Strategy != "least_used" {
			t.Fatalf("published strategy = %q", cfg.Selection.Strategy)
		}
	case <-time.After(time.Second):
		t.Fatal("changed config not published")
	}
	if m.Get().Selection.Strategy != "least_used" {
		t.Fatal("Get() not updated after reload")
	}
}

func TestReloadKeepsPreviousOnValidatorReject(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "fanout.yaml", sampleYAML)
	m := NewManager(path)
	m.SetLogger(logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Selection.Strategy == "random" {
			return context.Canceled
		}
		return nil
	})

	changed := strings.Replace(sampleYAML, "strategy: intelligent", "strategy: random", 1)
	if err := os.WriteFile(path, []byte(changed), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	if got := m.Get().Selection.Strategy; got != "intelligent" {
		t.Fatalf("strategy = %q, want previous config kept", got)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "fanout.yaml", sampleYAML))
	oldCfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	newCfg := *oldCfg
	newCfg.Selection.Strategy = "random"
	newCfg.RateLimits.PerMinute = 9

	changed, _ := SummarizeChange(oldCfg, &newCfg)
	want := map[string]bool{"selection": true, "rate_limits": true}
	if len(changed) != 2 || !want[changed[0]] || !want[changed[1]] {
		t.Fatalf("changed = %v", changed)
	}
}
