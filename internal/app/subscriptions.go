package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"live-quiz-sync/internal/domain"
)

// SubscriptionSet collects the subscriptions of one attachment so they are
// released together, exactly once.
type SubscriptionSet struct {
	mu     sync.Mutex
	subs   []Subscription
	closed bool
}

type channelBinding struct {
	channel string
	event   domain.EventName
}

// sessionChannels lists every channel a session mirror listens on. userID adds
// the personal leaderboard channel.
func sessionChannels(code, userID string) []channelBinding {
	bindings := []channelBinding{
		{channel: domain.UsersChannel(code), event: domain.AllEvents},
		{channel: domain.QuestionsChannel(code), event: domain.AllEvents},
		{channel: domain.LeaderboardChannel(code), event: domain.EventLeaderboardUpdate},
		{channel: domain.TimerChannel(code), event: domain.AllEvents},
	}
	if userID != "" {
		bindings = append(bindings, channelBinding{channel: domain.UserLeaderboardChannel(code, userID), event: domain.EventUserLeaderboardUpdate})
	}
	return bindings
}

// subscribeAll subscribes handler to every binding. On failure everything acquired
// so far is released.
func subscribeAll(ctx context.Context, bus MessageBus, bindings []channelBinding, handler Handler) (*SubscriptionSet, error) {
	set := &SubscriptionSet{}
	for _, b := range bindings {
		sub, err := bus.Subscribe(ctx, b.channel, b.event, handler)
		if err != nil {
			if cerr := set.Close(); cerr != nil {
				log.Warn().Err(cerr).Msg("release partial subscriptions")
			}
			return nil, &domain.TransportError{Op: "subscribe " + b.channel, Err: err}
		}
		set.Add(sub)
	}
	return set, nil
}

// Add records sub. Adding to a closed set releases sub immediately.
func (s *SubscriptionSet) Add(sub Subscription) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sub.Unsubscribe()
		return
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

func (s *SubscriptionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close unsubscribes everything once; later calls return nil.
func (s *SubscriptionSet) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// watchReconnect calls fn each time the bus comes back after a connection loss.
func watchReconnect(bus MessageBus, fn func()) func() {
	var (
		mu   sync.Mutex
		lost bool
	)
	return bus.OnStateChange(func(state ConnState) {
		mu.Lock()
		switch state {
		case ConnDisconnected, ConnConnecting:
			lost = true
			mu.Unlock()
			return
		case ConnFailed:
			lost = true
			mu.Unlock()
			log.Error().Str("state", string(state)).Msg("message bus failed")
			return
		case ConnConnected:
			if lost {
				lost = false
				mu.Unlock()
				fn()
				return
			}
		}
		mu.Unlock()
	})
}
