// Package intake turns authorized inbound messages into distribution
// jobs. Only messages from the configured source group, sent by an
// authorized sender, are distributed.
package intake

import (
	"context"
	"strings"
	"sync"

	"fanout/internal/engine"
	"fanout/internal/eventbus"
	"fanout/internal/transport"
	logx "fanout/pkg/logx"
)

type Config struct {
	SourceGroup        string
	AuthorizedSenders  []string
	AllowAllFromSource bool
	// Signature is appended to distributed content when set.
	Signature string
	Targets   []transport.Target
}

// Submitter is the engine entry point. *engine.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, content string, media *transport.Media, targets []transport.Target) engine.Report
}

type Service struct {
	mu  sync.RWMutex
	cfg Config

	engine Submitter
	bus    eventbus.Bus
	log    logx.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, submitter Submitter, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, engine: submitter, bus: bus, log: log}
}

// Start consumes inbound events off the bus until Stop or ctx cancel.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	sub, unsub := s.bus.Subscribe(64)
	go func() {
		defer close(s.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.Type != eventbus.TypeInboundMessage {
					continue
				}
				tev, ok := ev.Data.(transport.Event)
				if !ok || tev.Message == nil {
					continue
				}
				s.handle(ctx, tev.Identity, tev.Message)
			}
		}
	}()
	s.log.Info("intake started", logx.String("source_group", s.sourceGroup()))
}

func (s *Service) Stop(ctx context.Context) {
	if s.cancel == nil {
		return
	}
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) sourceGroup() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.SourceGroup
}

// handle runs the full intake pipeline for one message: source filter,
// sender authorization, content extraction, then submission.
func (s *Service) handle(ctx context.Context, via string, msg *transport.Message) {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	if !strings.EqualFold(msg.GroupName, cfg.SourceGroup) {
		return
	}
	if !authorized(cfg, msg.From) {
		s.log.Warn("unauthorized distribution attempt",
			logx.String("from", msg.From),
			logx.String("group", msg.GroupName),
			logx.String("via", via))
		return
	}

	content := strings.TrimSpace(msg.Text)
	if content == "" && msg.Media == nil {
		return
	}
	if cfg.Signature != "" {
		if content != "" {
			content += "\n\n"
		}
		content += cfg.Signature
	}
	if len(cfg.Targets) == 0 {
		s.log.Warn("message accepted but no targets configured", logx.String("from", msg.From))
		return
	}

	s.log.Info("distribution accepted",
		logx.String("from", msg.From),
		logx.Int("targets", len(cfg.Targets)),
		logx.Bool("media", msg.Media != nil))
	s.engine.Submit(ctx, content, msg.Media, cfg.Targets)
}

func authorized(cfg Config, from string) bool {
	if cfg.AllowAllFromSource {
		return true
	}
	for _, u := range cfg.AuthorizedSenders {
		if strings.EqualFold(strings.TrimPrefix(u, "@"), strings.TrimPrefix(from, "@")) {
			return true
		}
	}
	return false
}
