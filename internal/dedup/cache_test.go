package dedup

import (
	"fmt"
	"testing"
	"time"

	"fanout/internal/transport"
	logx "fanout/pkg/logx"
)

func newTestCache(cfg Config) (*Cache, *time.Time) {
	c := New(cfg, nil, logx.Nop())
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestDuplicateWithinTTL(t *testing.T) {
	t.Parallel()
	c, now := newTestCache(Config{TTL: time.Hour})

	fp := Fingerprint("breaking news", nil)
	if c.CheckAndRecord(fp) {
		t.Fatal("first sighting must not be a duplicate")
	}
	*now = now.Add(59 * time.Minute)
	if !c.CheckAndRecord(fp) {
		t.Fatal("second sighting at 59m must be a duplicate")
	}
	*now = now.Add(2 * time.Minute) // 61m after first sight
	if c.CheckAndRecord(fp) {
		t.Fatal("sighting after TTL must be treated as fresh")
	}
	// The expired entry was replaced; the window restarts from now.
	*now = now.Add(30 * time.Minute)
	if !c.CheckAndRecord(fp) {
		t.Fatal("entry must have been re-recorded fresh at 61m")
	}
}

func TestDuplicateDoesNotRefreshWindow(t *testing.T) {
	t.Parallel()
	c, now := newTestCache(Config{TTL: time.Hour})

	fp := Fingerprint("x", nil)
	c.CheckAndRecord(fp)
	// Hammer duplicates right before expiry; none of them may extend the TTL.
	for i := 0; i < 5; i++ {
		*now = now.Add(11 * time.Minute)
		if !c.CheckAndRecord(fp) && now.Sub(time.Unix(1_700_000_000, 0)) < time.Hour {
			t.Fatal("expected duplicate within TTL")
		}
	}
	// 55 minutes in: still duplicate. At 66 minutes: fresh again.
	if now.Sub(time.Unix(1_700_000_000, 0)) != 55*time.Minute {
		t.Fatalf("test drift: %v", now.Sub(time.Unix(1_700_000_000, 0)))
	}
	*now = now.Add(11 * time.Minute)
	if c.CheckAndRecord(fp) {
		t.Fatal("entry expired despite duplicate hits; refresh would have extended it")
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	t.Parallel()
	c, now := newTestCache(Config{TTL: time.Hour, MaxEntries: 10})

	for i := 0; i < 10; i++ {
		c.CheckAndRecord(Fingerprint(fmt.Sprintf("old-%d", i), nil))
	}
	*now = now.Add(2 * time.Hour)
	// The 11th insert exceeds the ceiling and sweeps the expired ten.
	c.CheckAndRecord(Fingerprint("new", nil))
	if got := c.Len(); got != 1 {
		t.Fatalf("cache size = %d after sweep, want 1", got)
	}
}

func TestSweepKeepsFreshOverflow(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(Config{TTL: time.Hour, MaxEntries: 5})

	for i := 0; i < 8; i++ {
		c.CheckAndRecord(Fingerprint(fmt.Sprintf("fresh-%d", i), nil))
	}
	// All entries are fresh; the cache may exceed its ceiling rather than
	// evict something that would then be redelivered.
	if got := c.Len(); got != 8 {
		t.Fatalf("cache size = %d, want 8 (fresh entries are never evicted)", got)
	}
}

func TestFingerprintDistinguishesMedia(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		aText    string
		aMedia   *transport.Media
		bText    string
		bMedia   *transport.Media
		distinct bool
	}{
		{
			name:  "same text no media",
			aText: "hello", bText: "hello",
			distinct: false,
		},
		{
			name:  "same text different media size",
			aText: "hello", aMedia: &transport.Media{MimeType: "image/jpeg", Size: 100},
			bText: "hello", bMedia: &transport.Media{MimeType: "image/jpeg", Size: 101},
			distinct: true,
		},
		{
			name:  "same media different caption",
			aText: "one", aMedia: &transport.Media{MimeType: "video/mp4", Size: 5000},
			bText: "two", bMedia: &transport.Media{MimeType: "video/mp4", Size: 5000},
			distinct: true,
		},
		{
			name:  "text only vs text plus media",
			aText: "hello", bText: "hello",
			bMedia:   &transport.Media{MimeType: "image/png", Size: 1},
			distinct: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			a := Fingerprint(tt.aText, tt.aMedia)
			b := Fingerprint(tt.bText, tt.bMedia)
			if (a != b) != tt.distinct {
				t.Fatalf("distinct = %v, want %v", a != b, tt.distinct)
			}
		})
	}
}
