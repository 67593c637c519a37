package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"live-quiz-sync/internal/session"
)

// SessionRegistry shares one mirror store per session code within the process
// and marks each mirrored session live in Redis so other instances can see it.
type SessionRegistry struct {
	client *redis.Client
	ttl    time.Duration
	*session.Registry
}

func NewSessionRegistry(client *redis.Client, ttl time.Duration) *SessionRegistry {
	r := &SessionRegistry{client: client, ttl: ttl}
	r.Registry = session.NewRegistry(session.RegistryHooks{
		Created:  r.markLive,
		Disposed: r.clear,
	})
	return r
}

// Live reports whether any instance currently mirrors code.
func (r *SessionRegistry) Live(ctx context.Context, code string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(code)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Touch extends the liveness marker of every session mirrored here.
func (r *SessionRegistry) Touch(ctx context.Context) error {
	codes := r.Codes()
	if len(codes) == 0 || r.ttl <= 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, code := range codes {
		pipe.Expire(ctx, r.key(code), r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// best-effort liveness marker
func (r *SessionRegistry) markLive(code string) {
	if err := r.client.Set(context.Background(), r.key(code), "1", r.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("session_code", code).Msg("mark session live")
	}
}

func (r *SessionRegistry) clear(code string) {
	if err := r.client.Del(context.Background(), r.key(code)).Err(); err != nil {
		log.Warn().Err(err).Str("session_code", code).Msg("clear session marker")
	}
}

func (r *SessionRegistry) key(code string) string {
	return "quiz:session:" + code
}
