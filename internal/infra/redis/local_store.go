package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"live-quiz-sync/internal/domain"
)

const (
	fieldSessionCode = "sessionCode"
	fieldParticipant = "participant"
	fieldHost        = "host"
)

// LocalStore keeps a client's identity in a Redis hash so a restarted process
// on any machine can resume the session.
// Layout: HSET quiz:local:{clientID} sessionCode {code} participant {json} host {json}
type LocalStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewLocalStore(client *redis.Client, clientID string, ttl time.Duration) *LocalStore {
	return &LocalStore{client: client, key: "quiz:local:" + clientID, ttl: ttl}
}

func (s *LocalStore) Load(ctx context.Context) (domain.LocalIdentity, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return domain.LocalIdentity{}, fmt.Errorf("load %s: %w", s.key, err)
	}
	identity := domain.LocalIdentity{SessionCode: fields[fieldSessionCode]}
	if raw := fields[fieldParticipant]; raw != "" {
		identity.Participant = &domain.Participant{}
		if err := json.Unmarshal([]byte(raw), identity.Participant); err != nil {
			return domain.LocalIdentity{}, fmt.Errorf("decode participant: %w", err)
		}
	}
	if raw := fields[fieldHost]; raw != "" {
		identity.Host = &domain.Host{}
		if err := json.Unmarshal([]byte(raw), identity.Host); err != nil {
			return domain.LocalIdentity{}, fmt.Errorf("decode host: %w", err)
		}
	}
	return identity, nil
}

func (s *LocalStore) Save(ctx context.Context, identity domain.LocalIdentity) error {
	fields := map[string]interface{}{fieldSessionCode: identity.SessionCode}
	if identity.Participant != nil {
		raw, err := json.Marshal(identity.Participant)
		if err != nil {
			return err
		}
		fields[fieldParticipant] = raw
	}
	if identity.Host != nil {
		raw, err := json.Marshal(identity.Host)
		if err != nil {
			return err
		}
		fields[fieldHost] = raw
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key)
	pipe.HSet(ctx, s.key, fields)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save %s: %w", s.key, err)
	}
	return nil
}

func (s *LocalStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}
