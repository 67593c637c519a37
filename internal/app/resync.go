package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"live-quiz-sync/internal/domain"
	"live-quiz-sync/internal/session"
)

// ResyncPolicy bounds the retries of a snapshot fetch.
type ResyncPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// Resyncer patches session stores from the backend's authoritative snapshot.
type Resyncer struct {
	backend Backend
	policy  ResyncPolicy
	group   singleflight.Group
}

func NewResyncer(backend Backend, policy ResyncPolicy) *Resyncer {
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = 200 * time.Millisecond
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = 5 * time.Second
	}
	if policy.MaxElapsedTime <= 0 {
		policy.MaxElapsedTime = 30 * time.Second
	}
	return &Resyncer{backend: backend, policy: policy}
}

// Resync fetches the snapshot of the store's session and applies it as a
// Resync event. Concurrent calls for the same code share one fetch.
func (r *Resyncer) Resync(ctx context.Context, store *session.Store) error {
	code := store.Code()
	v, err, shared := r.group.Do(code, func() (any, error) {
		return r.fetch(ctx, code)
	})
	if err != nil {
		return fmt.Errorf("resync %s: %w", code, err)
	}
	snap := v.(domain.SessionSnapshot)
	if err := store.Dispatch(session.Resync{Snapshot: snap}); err != nil {
		return fmt.Errorf("resync %s: %w", code, err)
	}
	log.Debug().
		Str("session_code", code).
		Int("question_index", snap.CurrentIndex).
		Str("phase", string(snap.Phase)).
		Bool("shared", shared).
		Msg("session resynced")
	return nil
}

func (r *Resyncer) fetch(ctx context.Context, code string) (domain.SessionSnapshot, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = r.policy.MaxElapsedTime

	var snap domain.SessionSnapshot
	op := func() error {
		var err error
		snap, err = r.backend.SessionSnapshot(ctx, code)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("session_code", code).Dur("retry_in", wait).Msg("snapshot fetch failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return domain.SessionSnapshot{}, err
	}
	return snap, nil
}
