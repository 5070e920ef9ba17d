package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "fanout/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.delivery.jsonl (append-only JSON Lines)
//   - <prefix>.dedup.jsonl    (append-only journal, compacted on close)
//   - <prefix>.stats.json     (latest snapshot, rewritten atomically)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	deliveryFile *os.File
	dedupFile    *os.File
	dedupPath    string
	statsPath    string

	dedup map[string]int64 // unix milli
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	df, err := os.OpenFile(prefix+".delivery.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	dedupPath := prefix + ".dedup.jsonl"
	dedup := map[string]int64{}
	_ = replayDedupJournal(dedupPath, dedup)
	now := time.Now().UnixMilli()
	for k, until := range dedup {
		if until <= now {
			delete(dedup, k)
		}
	}

	jf, err := os.OpenFile(dedupPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		deliveryFile: df,
		dedupFile:    jf,
		dedupPath:    dedupPath,
		statsPath:    prefix + ".stats.json",
		dedup:        dedup,
	}, nil
}

func replayDedupJournal(path string, into map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue // tolerate a torn tail line
		}
		if rec.Key != "" {
			into[rec.Key] = rec.Until
		}
	}
	return sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Compact the journal so it doesn't grow without bound across restarts.
	if s.dedupFile != nil {
		_ = s.dedupFile.Close()
		s.dedupFile = nil
		if tmp, err := os.CreateTemp(filepath.Dir(s.dedupPath), ".dedup-*"); err == nil {
			enc := json.NewEncoder(tmp)
			ok := true
			for k, until := range s.dedup {
				if err := enc.Encode(dedupRecord{Key: k, Until: until}); err != nil {
					ok = false
					break
				}
			}
			name := tmp.Name()
			_ = tmp.Close()
			if ok {
				_ = os.Rename(name, s.dedupPath)
			} else {
				_ = os.Remove(name)
			}
		}
	}

	var err error
	if s.deliveryFile != nil {
		err = s.deliveryFile.Close()
		s.deliveryFile = nil
	}
	return err
}

func (s *fileStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return errors.New("delivery log closed")
	}
	return json.NewEncoder(s.deliveryFile).Encode(e)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupFile == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = until.UnixMilli()
	return json.NewEncoder(s.dedupFile).Encode(dedupRecord{Key: key, Until: until.UnixMilli()})
}

func (s *fileStore) LoadDedup(ctx context.Context) (map[string]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixMilli()
	out := map[string]time.Time{}
	for k, ms := range s.dedup {
		if ms > now {
			out[k] = time.UnixMilli(ms)
		}
	}
	return out, nil
}

func (s *fileStore) SaveStats(ctx context.Context, snapshot []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.statsPath + ".tmp"
	if err := os.WriteFile(tmp, snapshot, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.statsPath)
}

func (s *fileStore) LoadStats(ctx context.Context) ([]byte, bool, error) {
	_ = ctx
	b, err := os.ReadFile(s.statsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}
