package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/domain"
	"live-quiz-sync/internal/infra/memory"
)

type harness struct {
	bus         *memory.Bus
	backend     *memory.Backend
	clock       *clockwork.FakeClock
	timer       *app.TimerCoordinator
	host        *app.HostController
	resync      *app.Resyncer
	local       *memory.LocalStore
	participant *app.ParticipantClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bus:   memory.NewBus(),
		clock: clockwork.NewFakeClock(),
		local: memory.NewLocalStore(),
	}
	h.backend = memory.NewBackend(h.bus, h.clock)
	h.timer = app.NewTimerCoordinator(h.bus, h.clock, time.Second)
	h.host = app.NewHostController(h.backend, h.bus, h.timer, memory.NewLocalStore(), app.HostOptions{EmitSessionEnded: true, Clock: h.clock})
	h.resync = app.NewResyncer(h.backend, app.ResyncPolicy{InitialInterval: time.Millisecond, MaxElapsedTime: 100 * time.Millisecond})
	h.participant = app.NewParticipantClient(h.backend, h.bus, h.local, h.resync, app.ParticipantOptions{Clock: h.clock})
	t.Cleanup(h.timer.Stop)
	return h
}

func (h *harness) startAndJoin(t *testing.T, name string) (string, domain.Participant) {
	t.Helper()
	ctx := context.Background()
	code, err := h.host.StartSession(ctx, domain.Host{Name: "Quizmaster"})
	require.NoError(t, err)
	p, err := h.participant.Join(ctx, name, code)
	require.NoError(t, err)
	return code, p
}

func quizQuestions() []domain.Question {
	return []domain.Question{
		{Text: "2 + 2?", Option1: "3", Option2: "4", CorrectAnswer: domain.Option2, TimeLimit: 10},
		{Text: "Capital of France?", Option1: "Paris", Option2: "Rome", CorrectAnswer: domain.Option1},
		{Text: "Largest planet?", Option1: "Mars", Option2: "Venus", Option3: "Jupiter", CorrectAnswer: domain.Option3},
	}
}

// mockBackend is a testify mock of app.Backend.
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) StartSession(ctx context.Context, host domain.Host) (string, error) {
	args := m.Called(ctx, host)
	return args.String(0), args.Error(1)
}

func (m *mockBackend) CreateQuiz(ctx context.Context, code string, questions []domain.Question) error {
	return m.Called(ctx, code, questions).Error(0)
}

func (m *mockBackend) BroadcastQuestions(ctx context.Context, code string) ([]domain.Question, error) {
	args := m.Called(ctx, code)
	qs, _ := args.Get(0).([]domain.Question)
	return qs, args.Error(1)
}

func (m *mockBackend) NextQuestion(ctx context.Context, code string, index int) (domain.NextQuestion, error) {
	args := m.Called(ctx, code, index)
	return args.Get(0).(domain.NextQuestion), args.Error(1)
}

func (m *mockBackend) Leaderboard(ctx context.Context, code string) ([]domain.LeaderboardEntry, error) {
	args := m.Called(ctx, code)
	entries, _ := args.Get(0).([]domain.LeaderboardEntry)
	return entries, args.Error(1)
}

func (m *mockBackend) ValidateSessionCode(ctx context.Context, code, name string) error {
	return m.Called(ctx, code, name).Error(0)
}

func (m *mockBackend) Join(ctx context.Context, name, code string) (string, error) {
	args := m.Called(ctx, name, code)
	return args.String(0), args.Error(1)
}

func (m *mockBackend) Leave(ctx context.Context, name, code, userID string) error {
	return m.Called(ctx, name, code, userID).Error(0)
}

func (m *mockBackend) SaveAnswers(ctx context.Context, answers []domain.Answer) error {
	return m.Called(ctx, answers).Error(0)
}

func (m *mockBackend) UserLeaderboard(ctx context.Context, code, name, userID string) (domain.UserStats, error) {
	args := m.Called(ctx, code, name, userID)
	return args.Get(0).(domain.UserStats), args.Error(1)
}

func (m *mockBackend) SessionSnapshot(ctx context.Context, code string) (domain.SessionSnapshot, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(domain.SessionSnapshot), args.Error(1)
}

var _ app.Backend = (*mockBackend)(nil)
