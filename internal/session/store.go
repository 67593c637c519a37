package session

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"live-quiz-sync/internal/domain"
)

// Store owns the State of one session for one client and serializes every
// reducer application behind a mutex.
type Store struct {
	mu       sync.Mutex
	state    State
	closed   bool
	watchers map[chan View]struct{}
}

func NewStore(code, self string) *Store {
	return &Store{
		state:    NewState(code, self),
		watchers: make(map[chan View]struct{}),
	}
}

// Dispatch reduces ev into the store. Dropped events are logged and their
// reason returned; the state is left untouched in that case.
func (s *Store) Dispatch(ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	next, err := Reduce(s.state, ev)
	if err != nil {
		logDropped(s.state.SessionCode, ev, err)
		return err
	}
	s.state = next
	s.broadcastLocked()
	return nil
}

// HandleMessage decodes a bus message and dispatches it.
func (s *Store) HandleMessage(msg domain.Message) (domain.Event, error) {
	ev, err := domain.DecodeEvent(msg)
	if err != nil {
		log.Warn().
			Str("session_code", s.Code()).
			Str("channel", msg.Channel).
			Str("event", string(msg.Name)).
			Err(err).
			Msg("undecodable message dropped")
		return nil, err
	}
	return ev, s.Dispatch(ev)
}

// Reset replaces the state with a fresh one for code, keeping watchers.
func (s *Store) Reset(code, self string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.state = NewState(code, self)
	s.broadcastLocked()
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *Store) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ViewOf(s.state)
}

func (s *Store) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SessionCode
}

// Watch returns a channel that receives the latest View after every change.
// Slow readers only ever see the most recent view. The caller must invoke
// cancel to release the watcher.
func (s *Store) Watch() (<-chan View, func()) {
	ch := make(chan View, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.watchers[ch] = struct{}{}
	ch <- ViewOf(s.state)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Watchers reports how many watchers are attached.
func (s *Store) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// Close makes the store inert and closes every watcher channel. It is safe to call twice.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.watchers {
		delete(s.watchers, ch)
		close(ch)
	}
}

func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) broadcastLocked() {
	v := ViewOf(s.state)
	for ch := range s.watchers {
		select {
		case ch <- v:
		default:
			// drop the stale view the watcher has not read yet
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
}

// IsStale reports whether err only means the event was already superseded.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleEvent)
}
