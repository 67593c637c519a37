package memory

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/domain"
)

// QuizRepository caches question sets from a slower source with a jittered TTL.
type QuizRepository struct {
	source app.QuizSource
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	mu    sync.RWMutex
	cache map[string]cachedQuiz
}

type cachedQuiz struct {
	quiz      domain.QuizSet
	expiresAt time.Time
}

func NewQuizRepository(source app.QuizSource, ttl time.Duration) *QuizRepository {
	return &QuizRepository{
		source: source,
		ttl:    ttl,
		clock:  time.Now,
		cache:  make(map[string]cachedQuiz),
	}
}

func (r *QuizRepository) LoadQuiz(ctx context.Context, quizID string) (domain.QuizSet, error) {
	if quiz, ok := r.cached(quizID); ok {
		return quiz, nil
	}

	result, err, _ := r.sf.Do(quizID, func() (any, error) {
		if quiz, ok := r.cached(quizID); ok {
			return quiz, nil
		}
		quiz, err := r.source.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.QuizSet{}, err
		}

		r.mu.Lock()
		r.cache[quizID] = cachedQuiz{quiz: quiz, expiresAt: r.clock().Add(r.ttlWithJitter())}
		r.mu.Unlock()
		return quiz, nil
	})
	if err != nil {
		return domain.QuizSet{}, err
	}
	return cloneQuiz(result.(domain.QuizSet)), nil
}

// Invalidate drops quizID so the next load hits the source.
func (r *QuizRepository) Invalidate(quizID string) {
	r.mu.Lock()
	delete(r.cache, quizID)
	r.mu.Unlock()
}

func (r *QuizRepository) cached(quizID string) (domain.QuizSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[quizID]
	if !ok || !entry.expiresAt.After(r.clock()) {
		return domain.QuizSet{}, false
	}
	return cloneQuiz(entry.quiz), true
}

func (r *QuizRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// up to 10% jitter spreads expirations
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(rand.Int63n(jitterMax+1))
}

// StaticQuizSource serves question sets from a map. Used for demos and tests.
type StaticQuizSource struct {
	quizzes map[string]domain.QuizSet
}

func NewStaticQuizSource(quizzes ...domain.QuizSet) *StaticQuizSource {
	m := make(map[string]domain.QuizSet, len(quizzes))
	for _, q := range quizzes {
		m[q.ID] = q
	}
	return &StaticQuizSource{quizzes: m}
}

func (s *StaticQuizSource) LoadQuiz(_ context.Context, quizID string) (domain.QuizSet, error) {
	if quiz, ok := s.quizzes[quizID]; ok {
		return cloneQuiz(quiz), nil
	}
	return domain.QuizSet{}, fmt.Errorf("%w: %s", domain.ErrQuizNotFound, quizID)
}

func cloneQuiz(q domain.QuizSet) domain.QuizSet {
	q.Questions = slices.Clone(q.Questions)
	return q
}
