package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/domain"
	"live-quiz-sync/internal/infra/memory"
)

func TestHostRequiresActiveSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	assert.ErrorIs(t, h.host.PublishQuiz(ctx, quizQuestions()), domain.ErrNoActiveSession)
	assert.ErrorIs(t, h.host.Advance(ctx), domain.ErrNoActiveSession)
	assert.ErrorIs(t, h.host.RequestLeaderboard(ctx), domain.ErrNoActiveSession)
	assert.ErrorIs(t, h.host.EndSession(ctx), domain.ErrNoActiveSession)

	_, err := h.host.StartSession(ctx, domain.Host{})
	require.NoError(t, err)
	assert.ErrorIs(t, h.host.Advance(ctx), domain.ErrQuizNotPublished)
}

func TestHostStartSessionDefaults(t *testing.T) {
	ctx := context.Background()
	bus := memory.NewBus()
	backend := &mockBackend{}
	local := memory.NewLocalStore()
	backend.On("StartSession", mock.Anything, mock.MatchedBy(func(h domain.Host) bool {
		return h.Name == "Anonymous Host" && h.ID != ""
	})).Return("XYZ789", nil).Once()

	host := app.NewHostController(backend, bus, app.NewTimerCoordinator(bus, nil, 0), local, app.HostOptions{})
	code, err := host.StartSession(ctx, domain.Host{Name: "  "})
	require.NoError(t, err)
	assert.Equal(t, "XYZ789", code)
	assert.Equal(t, domain.PhaseNotStarted, host.Status().Phase)

	identity, err := local.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "XYZ789", identity.SessionCode)
	require.NotNil(t, identity.Host)
	assert.Equal(t, "Anonymous Host", identity.Host.Name)
	backend.AssertExpectations(t)
}

func TestHostStartSessionFailure(t *testing.T) {
	bus := memory.NewBus()
	backend := &mockBackend{}
	backend.On("StartSession", mock.Anything, mock.Anything).Return("", errors.New("unreachable")).Once()
	backend.On("StartSession", mock.Anything, mock.Anything).Return("", nil).Once()
	host := app.NewHostController(backend, bus, app.NewTimerCoordinator(bus, nil, 0), nil, app.HostOptions{})

	var creation *domain.SessionCreationError
	_, err := host.StartSession(context.Background(), domain.Host{Name: "Quizmaster"})
	require.ErrorAs(t, err, &creation)
	_, err = host.StartSession(context.Background(), domain.Host{Name: "Quizmaster"})
	require.ErrorAs(t, err, &creation)
	assert.Empty(t, host.Status().SessionCode)
}

func TestPublishQuizRejectsInvalidQuestions(t *testing.T) {
	ctx := context.Background()
	bus := memory.NewBus()
	backend := &mockBackend{}
	backend.On("StartSession", mock.Anything, mock.Anything).Return("ABC123", nil)
	host := app.NewHostController(backend, bus, app.NewTimerCoordinator(bus, nil, 0), nil, app.HostOptions{})
	_, err := host.StartSession(ctx, domain.Host{})
	require.NoError(t, err)

	questions := quizQuestions()
	questions[1].Option2 = ""
	questions[2].CorrectAnswer = "option9"

	err = host.PublishQuiz(ctx, questions)
	var invalid *domain.ValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []int{1, 2}, invalid.Indices)
	backend.AssertNotCalled(t, "CreateQuiz", mock.Anything, mock.Anything, mock.Anything)
}

func TestPublishQuizEmptyBroadcastIsBackendError(t *testing.T) {
	ctx := context.Background()
	bus := memory.NewBus()
	backend := &mockBackend{}
	backend.On("StartSession", mock.Anything, mock.Anything).Return("ABC123", nil)
	backend.On("CreateQuiz", mock.Anything, "ABC123", mock.Anything).Return(nil)
	backend.On("BroadcastQuestions", mock.Anything, "ABC123").Return(nil, nil)
	timer := app.NewTimerCoordinator(bus, nil, 0)
	host := app.NewHostController(backend, bus, timer, nil, app.HostOptions{})
	_, err := host.StartSession(ctx, domain.Host{})
	require.NoError(t, err)

	var berr *domain.BackendError
	require.ErrorAs(t, host.PublishQuiz(ctx, quizQuestions()), &berr)
	assert.Equal(t, domain.PhaseNotStarted, host.Status().Phase)
	_, _, running := timer.Active()
	assert.False(t, running)
}

func TestAdvanceWithoutAttachedQuestionUsesPublishedList(t *testing.T) {
	ctx := context.Background()
	bus := memory.NewBus()
	published := quizQuestions()
	for i := range published {
		published[i].ID = []string{"q1", "q2", "q3"}[i]
	}
	backend := &mockBackend{}
	backend.On("StartSession", mock.Anything, mock.Anything).Return("ABC123", nil)
	backend.On("CreateQuiz", mock.Anything, "ABC123", mock.Anything).Return(nil)
	backend.On("BroadcastQuestions", mock.Anything, "ABC123").Return(published, nil)
	backend.On("NextQuestion", mock.Anything, "ABC123", 1).Return(domain.NextQuestion{Index: 1}, nil)

	var advanced []domain.QuestionAdvanced
	_, _ = bus.Subscribe(ctx, domain.QuestionsChannel("ABC123"), domain.EventNextQuestion, func(m domain.Message) {
		ev, err := domain.DecodeEvent(m)
		require.NoError(t, err)
		advanced = append(advanced, ev.(domain.QuestionAdvanced))
	})

	timer := app.NewTimerCoordinator(bus, nil, time.Hour)
	t.Cleanup(timer.Stop)
	host := app.NewHostController(backend, bus, timer, nil, app.HostOptions{})
	_, err := host.StartSession(ctx, domain.Host{})
	require.NoError(t, err)
	require.NoError(t, host.PublishQuiz(ctx, quizQuestions()))
	require.NoError(t, host.Advance(ctx))

	require.Len(t, advanced, 1)
	assert.Equal(t, 1, advanced[0].Index)
	require.NotNil(t, advanced[0].Question)
	assert.Equal(t, "q2", advanced[0].Question.ID)

	_, index, running := timer.Active()
	assert.True(t, running)
	assert.Equal(t, 1, index)
}

func TestRequestLeaderboardMidQuizIsNotFinal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.startAndJoin(t, "Alice")
	require.NoError(t, h.host.PublishQuiz(ctx, quizQuestions()))

	require.NoError(t, h.host.RequestLeaderboard(ctx))
	view, _ := h.participant.View()
	assert.Equal(t, domain.PhaseQuestion, view.Phase)
	assert.Len(t, view.Leaderboard, 1)
}

func TestEndSessionSurvivesPublishFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.startAndJoin(t, "Alice")
	h.bus.Close()

	err := h.host.EndSession(ctx)
	var terr *domain.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.PhaseEnded, h.host.Status().Phase)
	assert.Empty(t, h.host.Status().SessionCode)
}

func TestFailedAdvancePublishKeepsHostOnCurrentQuestion(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewBus()
	bus := &flakyBus{Bus: inner, event: domain.EventNextQuestion, failures: 1}
	backend := memory.NewBackend(inner, nil)
	timer := app.NewTimerCoordinator(inner, nil, time.Hour)
	t.Cleanup(timer.Stop)
	host := app.NewHostController(backend, bus, timer, nil, app.HostOptions{})

	var advanced []int
	code, err := host.StartSession(ctx, domain.Host{})
	require.NoError(t, err)
	_, _ = inner.Subscribe(ctx, domain.QuestionsChannel(code), domain.EventNextQuestion, func(m domain.Message) {
		ev, err := domain.DecodeEvent(m)
		require.NoError(t, err)
		advanced = append(advanced, ev.(domain.QuestionAdvanced).Index)
	})
	require.NoError(t, host.PublishQuiz(ctx, quizQuestions()))

	err = host.Advance(ctx)
	var terr *domain.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 0, host.Status().CurrentIndex)
	_, index, running := timer.Active()
	assert.True(t, running, "the countdown of the current question keeps running")
	assert.Equal(t, 0, index)

	require.NoError(t, host.Advance(ctx))
	assert.Equal(t, []int{1}, advanced)
	assert.Equal(t, 1, host.Status().CurrentIndex)
}

func TestFailedBroadcastLeavesQuizUnpublished(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewBus()
	bus := &flakyBus{Bus: inner, event: domain.EventBroadcastQuestions, failures: 1}
	timer := app.NewTimerCoordinator(inner, nil, time.Hour)
	t.Cleanup(timer.Stop)
	host := app.NewHostController(memory.NewBackend(inner, nil), bus, timer, nil, app.HostOptions{})
	_, err := host.StartSession(ctx, domain.Host{})
	require.NoError(t, err)

	require.Error(t, host.PublishQuiz(ctx, quizQuestions()))
	assert.Equal(t, domain.PhaseNotStarted, host.Status().Phase)
	assert.Zero(t, host.Status().QuestionCount)
	assert.ErrorIs(t, host.Advance(ctx), domain.ErrQuizNotPublished)
}

// flakyBus fails the first failures publishes of event.
type flakyBus struct {
	*memory.Bus
	event    domain.EventName
	failures int
}

func (b *flakyBus) Publish(ctx context.Context, channel string, event domain.EventName, payload any) error {
	if event == b.event && b.failures > 0 {
		b.failures--
		return errors.New("publish dropped")
	}
	return b.Bus.Publish(ctx, channel, event, payload)
}
