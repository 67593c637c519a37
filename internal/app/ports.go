package app

import (
	"context"

	"live-quiz-sync/internal/domain"
)

// Backend is the durable quiz API consumed as request/response.
type Backend interface {
	StartSession(ctx context.Context, host domain.Host) (string, error)
	CreateQuiz(ctx context.Context, code string, questions []domain.Question) error
	BroadcastQuestions(ctx context.Context, code string) ([]domain.Question, error)
	NextQuestion(ctx context.Context, code string, index int) (domain.NextQuestion, error)
	Leaderboard(ctx context.Context, code string) ([]domain.LeaderboardEntry, error)
	ValidateSessionCode(ctx context.Context, code, name string) error
	Join(ctx context.Context, name, code string) (string, error)
	Leave(ctx context.Context, name, code, userID string) error
	SaveAnswers(ctx context.Context, answers []domain.Answer) error
	UserLeaderboard(ctx context.Context, code, name, userID string) (domain.UserStats, error)
	SessionSnapshot(ctx context.Context, code string) (domain.SessionSnapshot, error)
}

// ConnState is the transport connection state reported by a MessageBus.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
)

// Handler receives one delivered message. It runs on a transport goroutine.
type Handler func(domain.Message)

// Subscription is a handle to one channel subscription.
type Subscription interface {
	Unsubscribe() error
}

// MessageBus abstracts the pub/sub transport (in-memory, Redis, NATS).
type MessageBus interface {
	// Subscribe delivers messages named event on channel; domain.AllEvents matches every name.
	Subscribe(ctx context.Context, channel string, event domain.EventName, handler Handler) (Subscription, error)
	Publish(ctx context.Context, channel string, event domain.EventName, payload any) error
	// OnStateChange registers fn for connection state transitions. The returned func unregisters it.
	OnStateChange(fn func(ConnState)) (cancel func())
	State() ConnState
}

// LocalStore persists the client-local identity across process restarts.
// Load returns an empty identity when nothing was saved.
type LocalStore interface {
	Load(ctx context.Context) (domain.LocalIdentity, error)
	Save(ctx context.Context, identity domain.LocalIdentity) error
	Clear(ctx context.Context) error
}

// QuizSource loads a stored question set by id.
type QuizSource interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.QuizSet, error)
}
