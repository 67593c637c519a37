package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/domain"
)

var errBusClosed = errors.New("memory bus closed")

// Bus is an in-process implementation of app.MessageBus. Delivery is
// synchronous on the publishing goroutine, in publish order per channel.
// Disconnect and Reconnect simulate a transport outage: while disconnected,
// deliveries are lost.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]map[uint64]*busSubscription
	listeners map[uint64]func(app.ConnState)
	nextID    uint64
	state     app.ConnState
	closed    bool
}

type busSubscription struct {
	bus     *Bus
	id      uint64
	channel string
	event   domain.EventName
	handler app.Handler
	once    sync.Once
}

func NewBus() *Bus {
	return &Bus{
		subs:      make(map[string]map[uint64]*busSubscription),
		listeners: make(map[uint64]func(app.ConnState)),
		state:     app.ConnConnected,
	}
}

func (b *Bus) Subscribe(_ context.Context, channel string, event domain.EventName, handler app.Handler) (app.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}
	b.nextID++
	sub := &busSubscription{bus: b, id: b.nextID, channel: channel, event: event, handler: handler}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]*busSubscription)
	}
	b.subs[channel][sub.id] = sub
	return sub, nil
}

func (b *Bus) Publish(_ context.Context, channel string, event domain.EventName, payload any) error {
	msg, err := domain.NewMessage(channel, event, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errBusClosed
	}
	if b.state != app.ConnConnected {
		b.mu.RUnlock()
		log.Debug().Str("channel", channel).Str("event", string(event)).Msg("delivery lost while disconnected")
		return nil
	}
	handlers := make([]app.Handler, 0, len(b.subs[channel]))
	for _, sub := range b.subs[channel] {
		if sub.event == domain.AllEvents || sub.event == event {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
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
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Disconnect simulates a lost connection.
func (b *Bus) Disconnect() { b.setState(app.ConnDisconnected) }

// Reconnect simulates the connection coming back.
func (b *Bus) Reconnect() { b.setState(app.ConnConnected) }

// Subscribers reports the number of live subscriptions on channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close drops every subscription and reports the bus as failed.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]map[uint64]*busSubscription)
	b.mu.Unlock()
	b.setState(app.ConnFailed)
	return nil
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

	for _, fn := range listeners {
		fn(state)
	}
}

func (s *busSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.subs[s.channel], s.id)
		if len(s.bus.subs[s.channel]) == 0 {
			delete(s.bus.subs, s.channel)
		}
	})
	return nil
}
