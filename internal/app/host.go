package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"live-quiz-sync/internal/domain"
)

const anonymousHost = "Anonymous Host"

// HostOptions tunes the host controller.
type HostOptions struct {
	// EmitSessionEnded publishes an explicit sessionEnded event when the host ends the quiz.
	EmitSessionEnded bool
	Clock            clockwork.Clock
}

// HostStatus summarizes the host's view of its session.
type HostStatus struct {
	SessionCode   string       `json:"sessionCode"`
	Phase         domain.Phase `json:"phase"`
	CurrentIndex  int          `json:"currentIndex"`
	QuestionCount int          `json:"questionCount"`
}

// HostController is the only writer of progression events for its session.
type HostController struct {
	backend Backend
	bus     MessageBus
	timer   *TimerCoordinator
	local   LocalStore
	opts    HostOptions
	clock   clockwork.Clock

	mu        sync.Mutex
	host      domain.Host
	code      string
	questions []domain.Question
	index     int
	phase     domain.Phase
}

func NewHostController(backend Backend, bus MessageBus, timer *TimerCoordinator, local LocalStore, opts HostOptions) *HostController {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HostController{
		backend: backend,
		bus:     bus,
		timer:   timer,
		local:   local,
		opts:    opts,
		clock:   clock,
	}
}

// StartSession asks the backend for a new session code and makes it active.
func (h *HostController) StartSession(ctx context.Context, host domain.Host) (string, error) {
	if strings.TrimSpace(host.Name) == "" {
		host.Name = anonymousHost
	}
	if host.ID == "" {
		host.ID = "host-" + strconv.FormatInt(h.clock.Now().UnixMilli(), 10)
	}

	code, err := h.backend.StartSession(ctx, host)
	if err != nil {
		return "", &domain.SessionCreationError{Err: err}
	}
	if code == "" {
		return "", &domain.SessionCreationError{Err: errors.New("backend returned no session code")}
	}

	h.mu.Lock()
	h.timer.Stop()
	h.host = host
	h.code = code
	h.questions = nil
	h.index = 0
	h.phase = domain.PhaseNotStarted
	h.mu.Unlock()

	if h.local != nil {
		if err := h.local.Save(ctx, domain.LocalIdentity{SessionCode: code, Host: &host}); err != nil {
			log.Warn().Err(err).Str("session_code", code).Msg("persist host identity")
		}
	}
	log.Info().Str("session_code", code).Str("host_id", host.ID).Msg("quiz session started")
	return code, nil
}

// PublishQuiz validates questions, stores them with the backend and broadcasts
// the authoritative list, starting the timer for the first question.
func (h *HostController) PublishQuiz(ctx context.Context, questions []domain.Question) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.code == "" {
		return domain.ErrNoActiveSession
	}
	if err := domain.ValidateQuestions(questions); err != nil {
		return err
	}

	if err := h.backend.CreateQuiz(ctx, h.code, questions); err != nil {
		return fmt.Errorf("create quiz: %w", err)
	}
	authoritative, err := h.backend.BroadcastQuestions(ctx, h.code)
	if err != nil {
		return fmt.Errorf("broadcast questions: %w", err)
	}
	if len(authoritative) == 0 {
		return &domain.BackendError{Op: "broadcast questions", Err: errors.New("no questions returned")}
	}

	// local progress only moves once participants can see it
	if err := h.publish(ctx, domain.QuestionsChannel(h.code), domain.QuestionsBroadcast{Questions: authoritative}); err != nil {
		return err
	}
	h.timer.Stop()
	h.questions = authoritative
	h.index = 0
	h.phase = domain.PhaseQuestion
	h.timer.Start(h.code, 0, authoritative[0].Seconds())
	log.Info().Str("session_code", h.code).Int("questions", len(authoritative)).Msg("questions broadcast")
	return nil
}

// Advance moves the session to the next question, or to the final leaderboard
// once the backend reports there are no more questions.
func (h *HostController) Advance(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.code == "":
		return domain.ErrNoActiveSession
	case h.phase == domain.PhaseNotStarted:
		return domain.ErrQuizNotPublished
	case h.phase == domain.PhaseLeaderboard:
		return h.finishLocked(ctx)
	}

	next, err := h.backend.NextQuestion(ctx, h.code, h.index+1)
	if err != nil {
		return fmt.Errorf("next question: %w", err)
	}
	if next.NoMore {
		return h.finishLocked(ctx)
	}

	q := next.Question
	if q == nil && next.Index < len(h.questions) {
		known := h.questions[next.Index]
		q = &known
	}
	if q == nil {
		return &domain.BackendError{Op: "next question", Err: fmt.Errorf("question %d missing from response", next.Index)}
	}
	if next.Index < 0 || next.Index >= domain.MaxQuestions {
		return &domain.BackendError{Op: "next question", Err: fmt.Errorf("question index %d out of range", next.Index)}
	}

	if err := h.publish(ctx, domain.QuestionsChannel(h.code), domain.QuestionAdvanced{Index: next.Index, Question: q}); err != nil {
		return err
	}
	h.timer.Stop()
	for len(h.questions) <= next.Index {
		h.questions = append(h.questions, domain.Question{})
	}
	h.questions[next.Index] = *q
	h.index = next.Index
	h.phase = domain.PhaseQuestion
	h.timer.Start(h.code, next.Index, q.Seconds())
	log.Info().Str("session_code", h.code).Int("question_index", next.Index).Msg("advanced question")
	return nil
}

func (h *HostController) finishLocked(ctx context.Context) error {
	entries, err := h.backend.Leaderboard(ctx, h.code)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}
	final := true
	if err := h.publish(ctx, domain.LeaderboardChannel(h.code), domain.LeaderboardSnapshot{Entries: entries, Final: &final}); err != nil {
		return err
	}
	h.timer.Stop()
	h.phase = domain.PhaseLeaderboard
	log.Info().Str("session_code", h.code).Int("entries", len(entries)).Msg("final leaderboard published")
	return nil
}

// RequestLeaderboard publishes a fresh snapshot regardless of question progress.
func (h *HostController) RequestLeaderboard(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.code == "" {
		return domain.ErrNoActiveSession
	}
	entries, err := h.backend.Leaderboard(ctx, h.code)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}
	final := h.phase == domain.PhaseLeaderboard
	return h.publish(ctx, domain.LeaderboardChannel(h.code), domain.LeaderboardSnapshot{Entries: entries, Final: &final})
}

// EndSession stops the quiz, tells participants when configured to, and forgets
// the session locally. Local cleanup happens even if publishing fails.
func (h *HostController) EndSession(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.code == "" {
		return domain.ErrNoActiveSession
	}
	h.timer.Stop()

	var errs []error
	if h.opts.EmitSessionEnded {
		ended := domain.SessionEnded{SessionCode: h.code, EndedAt: h.clock.Now().UTC()}
		if err := h.publish(ctx, domain.QuestionsChannel(h.code), ended); err != nil {
			errs = append(errs, err)
		}
	}
	if h.local != nil {
		if err := h.local.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear host identity: %w", err))
		}
	}

	log.Info().Str("session_code", h.code).Msg("quiz session ended")
	h.code = ""
	h.questions = nil
	h.index = 0
	h.phase = domain.PhaseEnded
	return errors.Join(errs...)
}

func (h *HostController) Status() HostStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HostStatus{
		SessionCode:   h.code,
		Phase:         h.phase,
		CurrentIndex:  h.index,
		QuestionCount: len(h.questions),
	}
}

// Host returns the identity the session was started with.
func (h *HostController) Host() domain.Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.host
}

func (h *HostController) publish(ctx context.Context, channel string, ev domain.Event) error {
	if err := h.bus.Publish(ctx, channel, ev.EventName(), ev); err != nil {
		return &domain.TransportError{Op: "publish " + string(ev.EventName()), Err: err}
	}
	return nil
}
