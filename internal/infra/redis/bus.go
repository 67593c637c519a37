package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/domain"
)

var errBusClosed = errors.New("redis bus closed")

// BusOptions tunes the pub/sub bus.
type BusOptions struct {
	// PingInterval is how often connectivity is probed to drive state changes.
	PingInterval time.Duration
	Clock        clockwork.Clock
}

// Bus carries session events over Redis Pub/Sub. Each event travels as the
// JSON encoding of a domain.Message on the channel it was published to.
// go-redis resubscribes after a dropped connection; the repeated subscribe
// confirmation and a periodic PING drive the connection state.
type Bus struct {
	client *redis.Client
	pubsub *redis.PubSub
	opts   BusOptions
	clock  clockwork.Clock

	// ioMu orders SUBSCRIBE/UNSUBSCRIBE commands with the first/last
	// subscriber decisions that trigger them.
	ioMu sync.Mutex

	mu        sync.Mutex
	subs      map[string]map[uint64]*subscription
	confirmed map[string]bool
	pending   map[string]chan struct{}
	// resubscribing holds channels still expected to be reconfirmed after a reconnect.
	resubscribing map[string]bool
	listeners map[uint64]func(app.ConnState)
	nextID    uint64
	state     app.ConnState
	closed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscription struct {
	bus     *Bus
	id      uint64
	channel string
	event   domain.EventName
	handler app.Handler
	once    sync.Once
}

func NewBus(client *redis.Client, opts BusOptions) *Bus {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 2 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		client:    client,
		pubsub:    client.Subscribe(ctx),
		opts:      opts,
		clock:     clock,
		subs:      make(map[string]map[uint64]*subscription),
		confirmed: make(map[string]bool),
		pending:   make(map[string]chan struct{}),

		resubscribing: make(map[string]bool),
		listeners: make(map[uint64]func(app.ConnState)),
		state:     app.ConnConnecting,
		cancel:    cancel,
	}
	if err := client.Ping(ctx).Err(); err == nil {
		b.state = app.ConnConnected
	} else {
		log.Warn().Err(err).Msg("redis bus starting without a connection")
	}

	b.wg.Add(2)
	go b.receive(ctx)
	go b.monitor(ctx)
	return b
}

// Subscribe registers handler for event on channel. The first subscription to a
// channel waits for the server's confirmation so nothing published afterwards is missed.
func (b *Bus) Subscribe(ctx context.Context, channel string, event domain.EventName, handler app.Handler) (app.Subscription, error) {
	b.ioMu.Lock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.ioMu.Unlock()
		return nil, errBusClosed
	}
	b.nextID++
	sub := &subscription{bus: b, id: b.nextID, channel: channel, event: event, handler: handler}
	first := b.subs[channel] == nil
	if first {
		b.subs[channel] = make(map[uint64]*subscription)
	}
	b.subs[channel][sub.id] = sub
	wait, waiting := b.pending[channel]
	if first && !waiting {
		wait = make(chan struct{})
		b.pending[channel] = wait
	}
	b.mu.Unlock()

	var err error
	if first {
		err = b.pubsub.Subscribe(ctx, channel)
	}
	b.ioMu.Unlock()
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			_ = sub.Unsubscribe()
			return nil, ctx.Err()
		}
	}
	log.Debug().Str("channel", channel).Str("event", string(event)).Msg("subscribed")
	return sub, nil
}

func (b *Bus) Publish(ctx context.Context, channel string, event domain.EventName, payload any) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errBusClosed
	}

	msg, err := domain.NewMessage(channel, event, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
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
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Close stops delivery and releases the pub/sub connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = make(map[string]map[uint64]*subscription)
	b.mu.Unlock()

	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	b.setState(app.ConnFailed)
	return err
}

func (b *Bus) receive(ctx context.Context) {
	defer b.wg.Done()
	for raw := range b.pubsub.ChannelWithSubscriptions() {
		switch m := raw.(type) {
		case *redis.Subscription:
			b.confirm(m)
		case *redis.Message:
			b.deliver(m)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (b *Bus) confirm(m *redis.Subscription) {
	if m.Kind != "subscribe" {
		return
	}
	b.mu.Lock()
	if wait, ok := b.pending[m.Channel]; ok {
		close(wait)
		delete(b.pending, m.Channel)
	}
	again := b.confirmed[m.Channel]
	b.confirmed[m.Channel] = true
	// go-redis resubscribes every channel after a reconnect; only the first
	// repeated confirmation of such a round is reported.
	fresh := false
	if again {
		if len(b.resubscribing) == 0 {
			fresh = true
			for ch := range b.confirmed {
				if ch != m.Channel {
					b.resubscribing[ch] = true
				}
			}
		} else {
			delete(b.resubscribing, m.Channel)
		}
	}
	b.mu.Unlock()

	if fresh {
		log.Info().Str("channel", m.Channel).Msg("resubscribed after reconnect")
		b.reconnected()
	}
}

// reconnected tells listeners the pub/sub connection was rebuilt. Deliveries
// may have been lost meanwhile, so a disconnect is reported even when the
// ping monitor never saw one.
func (b *Bus) reconnected() {
	b.mu.Lock()
	wasConnected := b.state == app.ConnConnected
	b.state = app.ConnConnected
	listeners := make([]func(app.ConnState), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		if wasConnected {
			fn(app.ConnDisconnected)
		}
		fn(app.ConnConnected)
	}
}

func (b *Bus) deliver(m *redis.Message) {
	var msg domain.Message
	if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
		log.Warn().Err(err).Str("channel", m.Channel).Msg("drop undecodable message")
		return
	}
	if msg.Channel == "" {
		msg.Channel = m.Channel
	}

	b.mu.Lock()
	handlers := make([]app.Handler, 0, len(b.subs[m.Channel]))
	for _, sub := range b.subs[m.Channel] {
		if sub.event == domain.AllEvents || sub.event == msg.Name {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// monitor probes the server so callers learn about outages even when no
// traffic is flowing.
func (b *Bus) monitor(ctx context.Context) {
	defer b.wg.Done()
	ticker := b.clock.NewTicker(b.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		pingCtx, cancel := context.WithTimeout(ctx, b.opts.PingInterval)
		err := b.client.Ping(pingCtx).Err()
		cancel()
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			log.Warn().Err(err).Msg("redis ping failed")
			b.setState(app.ConnDisconnected)
		default:
			b.setState(app.ConnConnected)
		}
	}
}

func (b *Bus) setState(state app.ConnState) {
	b.mu.Lock()
	if b.state == state {
		b.mu.Unlock()
		return
	}
	b.state = state
	listeners := make([]func(app.ConnState), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	log.Info().Str("state", string(state)).Msg("redis bus connection state")
	for _, fn := range listeners {
		fn(state)
	}
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		b := s.bus
		b.ioMu.Lock()
		defer b.ioMu.Unlock()

		b.mu.Lock()
		delete(b.subs[s.channel], s.id)
		last := len(b.subs[s.channel]) == 0
		if last {
			delete(b.subs, s.channel)
			delete(b.confirmed, s.channel)
			delete(b.resubscribing, s.channel)
		}
		closed := b.closed
		b.mu.Unlock()

		if last && !closed {
			err = b.pubsub.Unsubscribe(context.Background(), s.channel)
		}
	})
	return err
}

var _ app.MessageBus = (*Bus)(nil)
