package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/domain"
)

// Config holds the NATS connection settings.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "live-quiz-sync",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Bus carries session events over core NATS. Channel names map to subjects by
// turning each ':' separated segment into a subject token.
type Bus struct {
	nc *nats.Conn

	mu        sync.Mutex
	listeners map[uint64]func(app.ConnState)
	nextID    uint64
}

type subscription struct {
	sub  *nats.Subscription
	once sync.Once
}

// Connect dials the server. Connection events drive the bus state.
func Connect(cfg Config) (*Bus, error) {
	b := &Bus{listeners: make(map[uint64]func(app.ConnState))}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
			b.notify(app.ConnDisconnected)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			b.notify(app.ConnConnected)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Warn().Msg("NATS connection closed")
			b.notify(app.ConnFailed)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	b.nc = nc
	return b, nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string, event domain.EventName, handler app.Handler) (app.Subscription, error) {
	sub, err := b.nc.Subscribe(Subject(channel), func(m *nats.Msg) {
		if msg, ok := decode(channel, event, m.Data); ok {
			handler(msg)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	// make sure the server has the interest before anything is published
	if err := b.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscribe %s: %w", channel, err)
	}
	return &subscription{sub: sub}, nil
}

func (b *Bus) Publish(_ context.Context, channel string, event domain.EventName, payload any) error {
	msg, err := domain.NewMessage(channel, event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := b.nc.Publish(Subject(channel), data); err != nil {
		return fmt.Errorf("publish %s on %s: %w", event, channel, err)
	}
	return nil
}

func (b *Bus) OnStateChange(fn func(app.ConnState)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *Bus) State() app.ConnState {
	return connState(b.nc.Status())
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

func (b *Bus) notify(state app.ConnState) {
	b.mu.Lock()
	listeners := make([]func(app.ConnState), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		if err == nats.ErrConnectionClosed || err == nats.ErrBadSubscription {
			err = nil
		}
	})
	return err
}

// Subject maps a channel name such as "quiz:leaderboard:ABC123:u1" to a NATS
// subject. Characters NATS reserves inside a token are replaced.
func Subject(channel string) string {
	tokens := strings.Split(channel, ":")
	for i, tok := range tokens {
		tok = subjectReplacer.Replace(tok)
		if tok == "" {
			tok = "_"
		}
		tokens[i] = tok
	}
	return strings.Join(tokens, ".")
}

var subjectReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "\t", "_")

func decode(channel string, event domain.EventName, data []byte) (domain.Message, bool) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("drop undecodable message")
		return domain.Message{}, false
	}
	if event != domain.AllEvents && msg.Name != event {
		return domain.Message{}, false
	}
	if msg.Channel == "" {
		msg.Channel = channel
	}
	return msg, true
}

func connState(status nats.Status) app.ConnState {
	switch status {
	case nats.CONNECTED:
		return app.ConnConnected
	case nats.CONNECTING, nats.RECONNECTING:
		return app.ConnConnecting
	case nats.CLOSED:
		return app.ConnFailed
	default:
		return app.ConnDisconnected
	}
}

var _ app.MessageBus = (*Bus)(nil)
