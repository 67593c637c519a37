package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/domain"
)

const titleField = "title"

// QuizRepository caches question sets in Redis and falls back to a source on cache miss.
// Questions are stored as: HSET quiz:{quizID}:questions {index} {question json}
// Metadata is stored as:   HSET quiz:{quizID}:meta title {title}
type QuizRepository struct {
	client *redis.Client
	source app.QuizSource
	ttl    time.Duration
	sf     singleflight.Group
}

func NewQuizRepository(client *redis.Client, source app.QuizSource, ttl time.Duration) *QuizRepository {
	return &QuizRepository{
		client: client,
		source: source,
		ttl:    ttl,
	}
}

func (r *QuizRepository) LoadQuiz(ctx context.Context, quizID string) (domain.QuizSet, error) {
	if quiz, ok := r.fromCache(ctx, quizID); ok {
		return quiz, nil
	}

	result, err, _ := r.sf.Do(quizID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if quiz, ok := r.fromCache(ctx, quizID); ok {
			return quiz, nil
		}

		quiz, err := r.source.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.QuizSet{}, err
		}
		if err := r.store(ctx, quiz); err != nil {
			log.Warn().Err(err).Str("quiz_id", quizID).Msg("cache quiz in redis")
		}
		return quiz, nil
	})
	if err != nil {
		return domain.QuizSet{}, err
	}
	return result.(domain.QuizSet), nil
}

// Invalidate removes the cached copy of quizID.
func (r *QuizRepository) Invalidate(ctx context.Context, quizID string) error {
	return r.client.Del(ctx, r.questionsKey(quizID), r.metaKey(quizID)).Err()
}

func (r *QuizRepository) store(ctx context.Context, quiz domain.QuizSet) error {
	fields := make(map[string]interface{}, len(quiz.Questions))
	for i, q := range quiz.Questions {
		raw, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("encode question %d: %w", i, err)
		}
		fields[strconv.Itoa(i)] = raw
	}
	if len(fields) == 0 {
		return nil
	}

	questionsKey, metaKey := r.questionsKey(quiz.ID), r.metaKey(quiz.ID)
	ttl := r.ttlWithJitter()
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, questionsKey)
	pipe.HSet(ctx, questionsKey, fields)
	pipe.HSet(ctx, metaKey, titleField, quiz.Title)
	if ttl > 0 {
		pipe.Expire(ctx, questionsKey, ttl)
		pipe.Expire(ctx, metaKey, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *QuizRepository) fromCache(ctx context.Context, quizID string) (domain.QuizSet, bool) {
	raw, err := r.client.HGetAll(ctx, r.questionsKey(quizID)).Result()
	if err != nil || len(raw) == 0 {
		return domain.QuizSet{}, false
	}
	quiz, err := buildQuizFromCache(quizID, raw)
	if err != nil {
		log.Warn().Err(err).Str("quiz_id", quizID).Msg("discard corrupt cached quiz")
		return domain.QuizSet{}, false
	}
	quiz.Title, _ = r.client.HGet(ctx, r.metaKey(quizID), titleField).Result()
	return quiz, true
}

func (r *QuizRepository) questionsKey(quizID string) string {
	return "quiz:" + quizID + ":questions"
}

func (r *QuizRepository) metaKey(quizID string) string {
	return "quiz:" + quizID + ":meta"
}

func buildQuizFromCache(quizID string, raw map[string]string) (domain.QuizSet, error) {
	indices := make([]int, 0, len(raw))
	for field := range raw {
		i, err := strconv.Atoi(field)
		if err != nil {
			return domain.QuizSet{}, fmt.Errorf("field %q: %w", field, err)
		}
		indices = append(indices, i)
	}
	sort.Ints(indices)

	questions := make([]domain.Question, 0, len(indices))
	for _, i := range indices {
		var q domain.Question
		if err := json.Unmarshal([]byte(raw[strconv.Itoa(i)]), &q); err != nil {
			return domain.QuizSet{}, fmt.Errorf("question %d: %w", i, err)
		}
		questions = append(questions, q)
	}
	return domain.QuizSet{ID: quizID, Questions: questions}, nil
}

func (r *QuizRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(rand.Int63n(jitterMax+1))
}
