package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/domain"
)

const codeLength = 6

// Backend is an in-process implementation of app.Backend. It keeps sessions,
// scores answers and, when given a bus, publishes roster and personal
// standing events the way the hosted backend does.
type Backend struct {
	sessions *SessionStore
	bus      app.MessageBus
	clock    clockwork.Clock
}

func NewBackend(bus app.MessageBus, clock clockwork.Clock) *Backend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Backend{sessions: NewSessionStore(), bus: bus, clock: clock}
}

func (b *Backend) StartSession(_ context.Context, host domain.Host) (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		code := newSessionCode()
		if _, ok := b.sessions.create(code, host, b.clock.Now()); ok {
			log.Debug().Str("session_code", code).Str("host_id", host.ID).Msg("memory backend: session created")
			return code, nil
		}
	}
	return "", fmt.Errorf("allocate session code: too many collisions")
}

func (b *Backend) CreateQuiz(_ context.Context, code string, questions []domain.Question) error {
	hs, err := b.session(code)
	if err != nil {
		return err
	}
	if err := domain.ValidateQuestions(questions); err != nil {
		return err
	}
	stored := make([]domain.Question, len(questions))
	for i, q := range questions {
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		q.SessionCode = code
		stored[i] = q
	}

	hs.mu.Lock()
	hs.questions = stored
	hs.index = 0
	hs.phase = domain.PhaseNotStarted
	hs.mu.Unlock()
	return nil
}

func (b *Backend) BroadcastQuestions(_ context.Context, code string) ([]domain.Question, error) {
	hs, err := b.session(code)
	if err != nil {
		return nil, err
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if len(hs.questions) == 0 {
		return nil, fmt.Errorf("%w: no questions for %s", domain.ErrQuestionNotFound, code)
	}
	hs.index = 0
	hs.phase = domain.PhaseQuestion
	out := make([]domain.Question, len(hs.questions))
	copy(out, hs.questions)
	return out, nil
}

func (b *Backend) NextQuestion(_ context.Context, code string, index int) (domain.NextQuestion, error) {
	hs, err := b.session(code)
	if err != nil {
		return domain.NextQuestion{}, err
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if index < 0 {
		return domain.NextQuestion{}, fmt.Errorf("%w: index %d", domain.ErrQuestionNotFound, index)
	}
	if index >= len(hs.questions) {
		hs.phase = domain.PhaseLeaderboard
		return domain.NextQuestion{Index: index, NoMore: true}, nil
	}
	hs.index = index
	hs.phase = domain.PhaseQuestion
	q := hs.questions[index]
	return domain.NextQuestion{Index: index, Question: &q}, nil
}

func (b *Backend) Leaderboard(_ context.Context, code string) ([]domain.LeaderboardEntry, error) {
	hs, err := b.session(code)
	if err != nil {
		return nil, err
	}
	return hs.standings(), nil
}

func (b *Backend) ValidateSessionCode(_ context.Context, code, name string) error {
	hs, ok := b.sessions.get(code)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrInvalidSessionCode, code)
	}
	if hs.hasName(name) {
		return fmt.Errorf("%w: name %q already taken", domain.ErrInvalidSessionCode, name)
	}
	return nil
}

func (b *Backend) Join(ctx context.Context, name, code string) (string, error) {
	hs, err := b.session(code)
	if err != nil {
		return "", err
	}
	p := domain.Participant{UserID: uuid.NewString(), Name: name, SessionCode: code, JoinedAt: b.clock.Now().UTC()}

	hs.mu.Lock()
	hs.participants[p.UserID] = &player{Participant: p}
	hs.mu.Unlock()

	b.publish(ctx, domain.UsersChannel(code), domain.ParticipantJoined{UserID: p.UserID, Name: name, SessionCode: code, JoinedAt: p.JoinedAt})
	return p.UserID, nil
}

func (b *Backend) Leave(ctx context.Context, name, code, userID string) error {
	hs, err := b.session(code)
	if err != nil {
		return err
	}
	hs.mu.Lock()
	_, ok := hs.participants[userID]
	delete(hs.participants, userID)
	hs.mu.Unlock()
	if ok {
		b.publish(ctx, domain.UsersChannel(code), domain.ParticipantLeft{UserID: userID, Name: name, SessionCode: code})
	}
	return nil
}

// SaveAnswers scores each answer once; redelivered answers are accepted silently.
func (b *Backend) SaveAnswers(ctx context.Context, answers []domain.Answer) error {
	touched := make(map[string]map[string]struct{})
	for _, a := range answers {
		hs, err := b.session(a.SessionCode)
		if err != nil {
			return err
		}
		if _, _, err := hs.record(a, b.clock.Now()); err != nil {
			return fmt.Errorf("save answer %s/%s: %w", a.UserID, a.QuestionID, err)
		}
		if touched[hs.code] == nil {
			touched[hs.code] = make(map[string]struct{})
		}
		touched[hs.code][a.UserID] = struct{}{}
	}

	for code, users := range touched {
		hs, _ := b.sessions.get(code)
		for userID := range users {
			if stats, ok := hs.stats(userID); ok {
				b.publish(ctx, domain.UserLeaderboardChannel(code, userID), domain.UserLeaderboardSnapshot{UserStats: stats})
			}
		}
	}
	return nil
}

func (b *Backend) UserLeaderboard(_ context.Context, code, _, userID string) (domain.UserStats, error) {
	hs, err := b.session(code)
	if err != nil {
		return domain.UserStats{}, err
	}
	stats, ok := hs.stats(userID)
	if !ok {
		return domain.UserStats{}, fmt.Errorf("%w: participant %s", domain.ErrSessionNotFound, userID)
	}
	return stats, nil
}

func (b *Backend) SessionSnapshot(_ context.Context, code string) (domain.SessionSnapshot, error) {
	hs, err := b.session(code)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	roster := hs.roster()
	standings := hs.standings()

	hs.mu.RLock()
	defer hs.mu.RUnlock()
	questions := make([]domain.Question, 0, len(hs.questions))
	if hs.phase != domain.PhaseNotStarted {
		questions = append(questions, hs.questions...)
	}
	return domain.SessionSnapshot{
		SessionCode:  code,
		Phase:        hs.phase,
		Questions:    questions,
		CurrentIndex: hs.index,
		Roster:       roster,
		Leaderboard:  standings,
	}, nil
}

// EndSession forgets a session; later calls for its code fail with not-found.
func (b *Backend) EndSession(code string) {
	b.sessions.Delete(code)
}

func (b *Backend) session(code string) (*hostedSession, error) {
	hs, ok := b.sessions.get(code)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, code)
	}
	return hs, nil
}

func (b *Backend) publish(ctx context.Context, channel string, ev domain.Event) {
	if b.bus == nil {
		return
	}
	if err := b.bus.Publish(ctx, channel, ev.EventName(), ev); err != nil {
		log.Warn().Err(err).Str("channel", channel).Str("event", string(ev.EventName())).Msg("memory backend: publish")
	}
}

func newSessionCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:codeLength])
}

var _ app.Backend = (*Backend)(nil)

