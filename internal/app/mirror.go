package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"live-quiz-sync/internal/domain"
	"live-quiz-sync/internal/session"
)

// SessionRegistry hands out one shared store per session code.
type SessionRegistry interface {
	Acquire(code string, attach session.AttachFunc) (*session.Store, func(), error)
	Get(code string) (*session.Store, bool)
}

// MirrorService keeps read-only mirrors of sessions for viewers such as the
// WebSocket gateway. Mirrors are shared per code and torn down with the last viewer.
type MirrorService struct {
	bus      MessageBus
	registry SessionRegistry
	resync   *Resyncer
}

func NewMirrorService(bus MessageBus, registry SessionRegistry, resync *Resyncer) *MirrorService {
	return &MirrorService{bus: bus, registry: registry, resync: resync}
}

// Watch subscribes to the session's views. The caller must invoke cancel.
func (m *MirrorService) Watch(ctx context.Context, code string) (<-chan session.View, func(), error) {
	store, release, err := m.registry.Acquire(code, m.attach(ctx, code))
	if err != nil {
		return nil, nil, err
	}
	m.Resync(ctx, store)

	views, stopWatch := store.Watch()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stopWatch()
			release()
		})
	}
	return views, cancel, nil
}

// Resync patches store from the backend snapshot; failures only log.
func (m *MirrorService) Resync(ctx context.Context, store *session.Store) {
	if m.resync == nil {
		return
	}
	if err := m.resync.Resync(ctx, store); err != nil {
		log.Warn().Err(err).Str("session_code", store.Code()).Msg("mirror resync")
	}
}

// ResyncCode resyncs the mirror of code if one is live.
func (m *MirrorService) ResyncCode(ctx context.Context, code string) bool {
	store, ok := m.registry.Get(code)
	if !ok {
		return false
	}
	m.Resync(ctx, store)
	return true
}

func (m *MirrorService) attach(ctx context.Context, code string) session.AttachFunc {
	return func(store *session.Store) (func(), error) {
		handler := func(msg domain.Message) {
			_, _ = store.HandleMessage(msg)
		}
		subs, err := subscribeAll(ctx, m.bus, sessionChannels(code, ""), handler)
		if err != nil {
			return nil, err
		}
		stopWatch := watchReconnect(m.bus, func() {
			go m.Resync(context.Background(), store)
		})
		log.Debug().Str("session_code", code).Msg("mirror attached")
		return func() {
			stopWatch()
			if err := subs.Close(); err != nil {
				log.Warn().Err(err).Str("session_code", code).Msg("release mirror subscriptions")
			}
			log.Debug().Str("session_code", code).Msg("mirror detached")
		}, nil
	}
}
