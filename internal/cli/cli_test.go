package cli

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/config"
	"live-quiz-sync/internal/domain"
	"live-quiz-sync/internal/infra/memory"
	"live-quiz-sync/internal/session"
)

type console struct {
	bus     *memory.Bus
	backend *memory.Backend
	host    *app.HostController
}

func newConsole(t *testing.T) *console {
	t.Helper()
	bus := memory.NewBus()
	backend := memory.NewBackend(bus, nil)
	timer := app.NewTimerCoordinator(bus, nil, time.Hour)
	t.Cleanup(timer.Stop)
	return &console{
		bus:     bus,
		backend: backend,
		host:    app.NewHostController(backend, bus, timer, nil, app.HostOptions{EmitSessionEnded: true}),
	}
}

func questions() []domain.Question {
	return []domain.Question{
		{Text: "2 + 2?", Option1: "3", Option2: "4", CorrectAnswer: domain.Option2},
		{Text: "Capital of France?", Option1: "Paris", Option2: "Rome", CorrectAnswer: domain.Option1},
	}
}

func TestHostConsoleCommands(t *testing.T) {
	ctx := context.Background()
	c := newConsole(t)
	_, err := c.host.StartSession(ctx, domain.Host{Name: "Quizmaster"})
	require.NoError(t, err)
	require.NoError(t, c.host.PublishQuiz(ctx, questions()))

	var out bytes.Buffer
	in := strings.NewReader("status\nnext\nbogus\nleaderboard\nnext\nnext\nend\n")
	require.NoError(t, hostConsole(ctx, c.host, in, &out))

	text := out.String()
	assert.Contains(t, text, "question 1/2")
	assert.Contains(t, text, "question 2/2")
	assert.Contains(t, text, "commands: next, leaderboard, status, end")
	assert.Contains(t, text, string(domain.PhaseLeaderboard))
	assert.Contains(t, text, "ended")
	assert.Equal(t, domain.PhaseEnded, c.host.Status().Phase)
}

func TestHostConsoleEndsSessionOnEOF(t *testing.T) {
	ctx := context.Background()
	c := newConsole(t)
	_, err := c.host.StartSession(ctx, domain.Host{})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, hostConsole(ctx, c.host, strings.NewReader(""), &out))
	assert.Equal(t, domain.PhaseEnded, c.host.Status().Phase)
}

func TestParticipantConsoleAnswersAndLeaves(t *testing.T) {
	ctx := context.Background()
	c := newConsole(t)
	code, err := c.host.StartSession(ctx, domain.Host{})
	require.NoError(t, err)

	local := memory.NewLocalStore()
	client := app.NewParticipantClient(c.backend, c.bus, local, app.NewResyncer(c.backend, app.ResyncPolicy{}), app.ParticipantOptions{})
	_, err = client.Join(ctx, "Alice", code)
	require.NoError(t, err)
	require.NoError(t, c.host.PublishQuiz(ctx, questions()))

	var out bytes.Buffer
	in := strings.NewReader("answer\nselect 9\nanswer 2\nanswer 1\nstats\nleave\n")
	require.NoError(t, participantConsole(ctx, client, in, &out))

	text := out.String()
	assert.Contains(t, text, "question 1/2: 2 + 2?")
	assert.Contains(t, text, "2) 4")
	assert.Contains(t, text, "pick an option")
	assert.Contains(t, text, "option not available")
	assert.Contains(t, text, "answered option2")
	assert.Contains(t, text, domain.ErrDuplicateAnswer.Error())
	assert.Contains(t, text, "score 1, rank 1")

	_, err = client.View()
	assert.ErrorIs(t, err, domain.ErrNotJoined)
	identity, err := local.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, identity.SessionCode)
}

func TestParticipantConsoleReturnsWhenSessionEnds(t *testing.T) {
	ctx := context.Background()
	c := newConsole(t)
	code, err := c.host.StartSession(ctx, domain.Host{})
	require.NoError(t, err)
	client := app.NewParticipantClient(c.backend, c.bus, nil, nil, app.ParticipantOptions{})
	_, err = client.Join(ctx, "Bob", code)
	require.NoError(t, err)

	// a pipe that never delivers input keeps the console waiting on the session
	blocked, writer := io.Pipe()
	defer writer.Close()

	done := make(chan error, 1)
	var out bytes.Buffer
	go func() { done <- participantConsole(ctx, client, blocked, &out) }()

	require.Eventually(t, func() bool {
		v, err := client.View()
		return err == nil && len(v.Roster) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, c.host.EndSession(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("console did not return after the session ended")
	}
	assert.Contains(t, out.String(), "quiz ended")
}

func TestDescribeViewOnlyReportsChanges(t *testing.T) {
	q := questions()[0]
	q.ID = "q1"
	remaining := 20
	prev := session.View{Phase: domain.PhaseQuestion, QuestionCount: 2, Question: &q}

	_, changed := describeView(prev, prev)
	assert.False(t, changed)

	next := prev
	next.Remaining = &remaining
	line, changed := describeView(prev, next)
	assert.True(t, changed)
	assert.Equal(t, "20s left", line)

	final := session.View{Phase: domain.PhaseLeaderboard, Leaderboard: []domain.LeaderboardEntry{{Name: "Alice", Score: 2, Rank: 1}}}
	line, changed = describeView(next, final)
	assert.True(t, changed)
	assert.Contains(t, line, "1. Alice 2")
}

func TestRootLoadsDefaultsWithoutConfigFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", t.TempDir()+"/missing.yaml")
	t.Setenv("BUS_DRIVER", "redis")
	cmd := newRootCmd()
	opts := &rootOptions{configPath: t.TempDir() + "/missing.yaml"}
	require.NoError(t, opts.load(cmd))
	assert.Equal(t, "redis", opts.cfg.Bus.Driver)
	assert.Equal(t, "8080", opts.cfg.Server.Port)
}

func TestInProcessBusIsFlagged(t *testing.T) {
	var logs bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&logs)
	t.Cleanup(func() { log.Logger = prev })

	d, err := openDeps(context.Background(), config.Default())
	require.NoError(t, err)
	defer d.close()

	_, inProcess := d.bus.(*memory.Bus)
	assert.True(t, inProcess)
	assert.Contains(t, logs.String(), "in-process message bus")
	assert.Contains(t, logs.String(), "no backend url configured")
}
