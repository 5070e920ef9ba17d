package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"fanout/internal/transport"
	logx "fanout/pkg/logx"
)

// Config wires a set of Telegram bot identities to named targets.
//
// Tokens maps identity id -> bot token. Chats maps target name -> chat id;
// every bot identity is expected to be a member of every chat it is asked
// to post to (Send returns transport.ErrTargetNotFound otherwise).
type Config struct {
	Tokens      map[string]string
	Chats       map[string]int64
	PollTimeout time.Duration
}

// NewFactory returns a transport.Factory producing one Channel per identity.
func NewFactory(cfg Config, log logx.Logger) transport.Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(id string, sink transport.Sink) (transport.Channel, error) {
		token := strings.TrimSpace(cfg.Tokens[id])
		if token == "" {
			return nil, fmt.Errorf("telegram: identity %q has no token", id)
		}
		timeout := cfg.PollTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		return &channel{
			id:      id,
			token:   token,
			timeout: timeout,
			chats:   cfg.Chats,
			sink:    sink,
			log:     log.With(logx.String("identity", id)),
		}, nil
	}
}

type channel struct {
	id      string
	token   string
	timeout time.Duration
	chats   map[string]int64
	sink    transport.Sink
	log     logx.Logger

	mu      sync.Mutex
	bot     *tele.Bot
	stopped bool
}

func (c *channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.bot != nil {
		c.mu.Unlock()
		return nil
	}
	c.stopped = false
	c.mu.Unlock()

	b, err := tele.NewBot(tele.Settings{
		Token:  c.token,
		Poller: &tele.LongPoller{Timeout: c.timeout},
	})
	if err != nil {
		// NewBot validates the token against getMe; a rejection here is an
		// auth problem, not a transient network blip.
		if isAuthError(err) {
			c.emit(transport.EventAuthFailure, err.Error())
			return err
		}
		c.emit(transport.EventDisconnected, err.Error())
		return err
	}

	c.registerHandlers(b)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ctx.Err()
	}
	c.bot = b
	c.mu.Unlock()

	go func() {
		b.Start() // blocks until Stop()
		c.mu.Lock()
		wasStopped := c.stopped
		c.bot = nil
		c.mu.Unlock()
		if !wasStopped {
			c.emit(transport.EventDisconnected, "poller exited")
		}
	}()

	c.emit(transport.EventReady, "")
	return nil
}

func (c *channel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	b := c.bot
	c.stopped = true
	c.mu.Unlock()
	if b != nil {
		b.Stop()
	}
	return nil
}

func (c *channel) Groups(ctx context.Context) ([]transport.Target, error) {
	out := make([]transport.Target, 0, len(c.chats))
	for name := range c.chats {
		out = append(out, transport.Target{Name: name, Kind: transport.TargetGroup})
	}
	return out, nil
}

func (c *channel) Send(ctx context.Context, to transport.Target, content string, media *transport.Media) error {
	c.mu.Lock()
	b := c.bot
	c.mu.Unlock()
	if b == nil {
		return errors.New("telegram: not connected")
	}

	chatID, ok := c.chats[to.Name]
	if !ok {
		return transport.ErrTargetNotFound
	}
	rcpt := &tele.Chat{ID: chatID}

	var err error
	if media != nil && len(media.Data) > 0 {
		file := tele.FromReader(bytes.NewReader(media.Data))
		switch {
		case strings.HasPrefix(media.MimeType, "image/"):
			_, err = b.Send(rcpt, &tele.Photo{File: file, Caption: content})
		case strings.HasPrefix(media.MimeType, "video/"):
			_, err = b.Send(rcpt, &tele.Video{File: file, Caption: content})
		case strings.HasPrefix(media.MimeType, "audio/"):
			_, err = b.Send(rcpt, &tele.Audio{File: file, Caption: content})
		default:
			_, err = b.Send(rcpt, &tele.Document{File: file, Caption: content})
		}
	} else {
		_, err = b.Send(rcpt, content)
	}
	if err != nil && isNotFoundError(err) {
		return transport.ErrTargetNotFound
	}
	return err
}

func (c *channel) State(ctx context.Context) (bool, error) {
	c.mu.Lock()
	b := c.bot
	c.mu.Unlock()
	if b == nil {
		return false, nil
	}
	// getMe is the cheapest authenticated round-trip Telegram offers.
	if _, err := b.Raw("getMe", nil); err != nil {
		return false, err
	}
	return true, nil
}

func (c *channel) registerHandlers(b *tele.Bot) {
	forward := func(m *tele.Message) {
		if m == nil || m.Chat == nil {
			return
		}
		from := ""
		if m.Sender != nil {
			if m.Sender.Username != "" {
				from = m.Sender.Username
			} else {
				from = strconv.FormatInt(m.Sender.ID, 10)
			}
		}
		msg := &transport.Message{
			From:      from,
			GroupName: m.Chat.Title,
			Text:      m.Text,
		}
		if msg.Text == "" {
			msg.Text = m.Caption
		}
		if doc := m.Document; doc != nil {
			msg.Media = &transport.Media{MimeType: doc.MIME, Size: doc.FileSize}
		}
		c.sink(transport.Event{
			Identity: c.id,
			Kind:     transport.EventInbound,
			Message:  msg,
			At:       time.Now(),
		})
	}

	b.Handle(tele.OnText, func(tc tele.Context) error {
		forward(tc.Message())
		return nil
	})
	b.Handle(tele.OnDocument, func(tc tele.Context) error {
		forward(tc.Message())
		return nil
	})
	b.Handle(tele.OnPhoto, func(tc tele.Context) error {
		forward(tc.Message())
		return nil
	})
}

func (c *channel) emit(kind transport.EventKind, reason string) {
	if c.sink == nil {
		return
	}
	c.sink(transport.Event{Identity: c.id, Kind: kind, Reason: reason, At: time.Now()})
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "401") || strings.Contains(strings.ToLower(s), "unauthorized")
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "chat not found") || strings.Contains(s, "not found")
}
