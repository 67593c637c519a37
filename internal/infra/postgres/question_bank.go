package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"live-quiz-sync/internal/domain"
)

// QuestionBank stores question sets as JSONB in the quizzes table.
type QuestionBank struct {
	pool *pgxpool.Pool
}

func NewQuestionBank(pool *pgxpool.Pool) *QuestionBank {
	return &QuestionBank{pool: pool}
}

func (b *QuestionBank) LoadQuiz(ctx context.Context, quizID string) (domain.QuizSet, error) {
	var (
		title string
		raw   []byte
	)
	err := b.pool.QueryRow(ctx, `SELECT title, data FROM quizzes WHERE id=$1`, quizID).Scan(&title, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QuizSet{}, fmt.Errorf("%w: %s", domain.ErrQuizNotFound, quizID)
	}
	if err != nil {
		return domain.QuizSet{}, fmt.Errorf("load quiz: %w", err)
	}
	var questions []domain.Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		return domain.QuizSet{}, fmt.Errorf("unmarshal quiz: %w", err)
	}
	return domain.QuizSet{ID: quizID, Title: title, Questions: questions}, nil
}

// Save validates and upserts a question set.
func (b *QuestionBank) Save(ctx context.Context, quiz domain.QuizSet) error {
	if quiz.ID == "" {
		return errors.New("save quiz: missing id")
	}
	if err := domain.ValidateQuestions(quiz.Questions); err != nil {
		return err
	}
	raw, err := json.Marshal(quiz.Questions)
	if err != nil {
		return fmt.Errorf("marshal quiz: %w", err)
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO quizzes (id, title, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, data = EXCLUDED.data, updated_at = now()`,
		quiz.ID, quiz.Title, raw)
	if err != nil {
		return fmt.Errorf("save quiz: %w", err)
	}
	return nil
}

// QuizSummary is one row of List.
type QuizSummary struct {
	ID        string
	Title     string
	Questions int
}

func (b *QuestionBank) List(ctx context.Context) ([]QuizSummary, error) {
	rows, err := b.pool.Query(ctx, `SELECT id, title, jsonb_array_length(data) FROM quizzes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list quizzes: %w", err)
	}
	defer rows.Close()

	var out []QuizSummary
	for rows.Next() {
		var s QuizSummary
		if err := rows.Scan(&s.ID, &s.Title, &s.Questions); err != nil {
			return nil, fmt.Errorf("scan quiz: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
