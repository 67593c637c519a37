package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/domain"
	"live-quiz-sync/internal/session"
)

func latestView(t *testing.T, ch <-chan session.View, ok func(session.View) bool) session.View {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case v, open := <-ch:
			require.True(t, open, "view channel closed")
			if ok(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for view")
			return session.View{}
		}
	}
}

func TestMirrorSharesOneStorePerSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	code, _ := h.startAndJoin(t, "Alice")
	require.NoError(t, h.host.PublishQuiz(ctx, quizQuestions()))

	var created, disposed []string
	registry := session.NewRegistry(session.RegistryHooks{
		Created:  func(c string) { created = append(created, c) },
		Disposed: func(c string) { disposed = append(disposed, c) },
	})
	mirror := app.NewMirrorService(h.bus, registry, h.resync)

	first, cancelFirst, err := mirror.Watch(ctx, code)
	require.NoError(t, err)
	second, cancelSecond, err := mirror.Watch(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, []string{code}, created)
	assert.Equal(t, 2, h.bus.Subscribers(domain.QuestionsChannel(code)), "participant plus one shared mirror")

	view := latestView(t, first, func(v session.View) bool { return v.QuestionCount == 3 })
	assert.Equal(t, domain.PhaseQuestion, view.Phase)
	assert.Len(t, view.Roster, 1)

	require.NoError(t, h.host.Advance(ctx))
	latestView(t, first, func(v session.View) bool { return v.CurrentIndex == 1 })
	latestView(t, second, func(v session.View) bool { return v.CurrentIndex == 1 })

	cancelFirst()
	cancelFirst()
	assert.Empty(t, disposed)

	cancelSecond()
	assert.Equal(t, []string{code}, disposed)
	assert.Equal(t, 1, h.bus.Subscribers(domain.QuestionsChannel(code)))
	_, live := registry.Get(code)
	assert.False(t, live)
}

func TestMirrorResyncCode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	code, _ := h.startAndJoin(t, "Alice")
	registry := session.NewRegistry(session.RegistryHooks{})
	mirror := app.NewMirrorService(h.bus, registry, h.resync)

	assert.False(t, mirror.ResyncCode(ctx, code))

	views, cancel, err := mirror.Watch(ctx, code)
	require.NoError(t, err)
	defer cancel()

	h.bus.Disconnect()
	require.NoError(t, h.host.PublishQuiz(ctx, quizQuestions()))
	h.timer.Stop()
	assert.True(t, mirror.ResyncCode(ctx, code))
	view := latestView(t, views, func(v session.View) bool { return v.QuestionCount == 3 })
	assert.Equal(t, domain.PhaseQuestion, view.Phase)
}
