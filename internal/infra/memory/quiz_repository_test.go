package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/domain"
)

func TestQuizRepositoryCaches(t *testing.T) {
	source := &countingSource{QuizSource: NewStaticQuizSource(sampleQuiz())}
	repo := NewQuizRepository(source, time.Minute)

	if _, err := repo.LoadQuiz(context.Background(), "capitals"); err != nil {
		t.Fatalf("load quiz: %v", err)
	}
	if source.calls != 1 {
		t.Fatalf("expected source once, got %d", source.calls)
	}

	quiz, err := repo.LoadQuiz(context.Background(), "capitals")
	if err != nil {
		t.Fatalf("load quiz 2: %v", err)
	}
	if source.calls != 1 {
		t.Fatalf("expected cache hit, source calls %d", source.calls)
	}
	if len(quiz.Questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(quiz.Questions))
	}

	repo.Invalidate("capitals")
	if _, err := repo.LoadQuiz(context.Background(), "capitals"); err != nil {
		t.Fatalf("load quiz 3: %v", err)
	}
	if source.calls != 2 {
		t.Fatalf("expected reload after invalidate, source calls %d", source.calls)
	}
}

func TestQuizRepositoryExpires(t *testing.T) {
	source := &countingSource{QuizSource: NewStaticQuizSource(sampleQuiz())}
	repo := NewQuizRepository(source, time.Minute)
	now := time.Now()
	repo.clock = func() time.Time { return now }

	_, _ = repo.LoadQuiz(context.Background(), "capitals")
	now = now.Add(2 * time.Minute)
	_, _ = repo.LoadQuiz(context.Background(), "capitals")

	if source.calls != 2 {
		t.Fatalf("expected expired entry to reload, source calls %d", source.calls)
	}
}

func TestQuizRepositoryUnknownQuiz(t *testing.T) {
	repo := NewQuizRepository(NewStaticQuizSource(), time.Minute)
	if _, err := repo.LoadQuiz(context.Background(), "nope"); !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected quiz not found, got %v", err)
	}
}

type countingSource struct {
	app.QuizSource
	calls int
}

func (s *countingSource) LoadQuiz(ctx context.Context, quizID string) (domain.QuizSet, error) {
	s.calls++
	return s.QuizSource.LoadQuiz(ctx, quizID)
}

func sampleQuiz() domain.QuizSet {
	return domain.QuizSet{
		ID:    "capitals",
		Title: "Capitals",
		Questions: []domain.Question{
			{ID: "q1", Text: "Capital of France?", Option1: "Paris", Option2: "Rome", CorrectAnswer: domain.Option1},
			{ID: "q2", Text: "Capital of Italy?", Option1: "Paris", Option2: "Rome", CorrectAnswer: domain.Option2, TimeLimit: 15},
		},
	}
}
