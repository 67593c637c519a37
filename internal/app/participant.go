package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"live-quiz-sync/internal/domain"
	"live-quiz-sync/internal/session"
)

// ParticipantOptions tunes the participant client.
type ParticipantOptions struct {
	Clock clockwork.Clock
	// FlushTimeout bounds the answer delivery triggered by a time-up event.
	FlushTimeout time.Duration
}

// ParticipantClient mirrors one session for one joined participant and
// delivers that participant's answers.
type ParticipantClient struct {
	backend Backend
	bus     MessageBus
	local   LocalStore
	resync  *Resyncer
	clock   clockwork.Clock
	opts    ParticipantOptions

	mu         sync.Mutex
	self       *domain.Participant
	store      *session.Store
	subs       *SubscriptionSet
	stopWatch  func()
	background sync.WaitGroup

	flushMu sync.Mutex
}

func NewParticipantClient(backend Backend, bus MessageBus, local LocalStore, resync *Resyncer, opts ParticipantOptions) *ParticipantClient {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Second
	}
	return &ParticipantClient{
		backend: backend,
		bus:     bus,
		local:   local,
		resync:  resync,
		clock:   clock,
		opts:    opts,
	}
}

// Join validates the code, registers with the backend and starts mirroring the session.
func (c *ParticipantClient) Join(ctx context.Context, name, code string) (domain.Participant, error) {
	name = strings.TrimSpace(name)
	code = strings.TrimSpace(code)
	if name == "" || code == "" {
		return domain.Participant{}, fmt.Errorf("%w: name and session code are required", domain.ErrInvalidSessionCode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.self != nil {
		return domain.Participant{}, fmt.Errorf("%w: %s", domain.ErrAlreadyJoined, c.self.SessionCode)
	}

	if err := c.backend.ValidateSessionCode(ctx, code, name); err != nil {
		return domain.Participant{}, err
	}
	userID, err := c.backend.Join(ctx, name, code)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("join %s: %w", code, err)
	}
	p := domain.Participant{UserID: userID, Name: name, SessionCode: code, JoinedAt: c.clock.Now().UTC()}

	if err := c.attachLocked(ctx, p); err != nil {
		if lerr := c.backend.Leave(ctx, name, code, userID); lerr != nil {
			log.Warn().Err(lerr).Str("session_code", code).Msg("leave after failed attach")
		}
		return domain.Participant{}, err
	}
	if err := c.store.Dispatch(domain.ParticipantJoined{UserID: p.UserID, Name: p.Name, SessionCode: code, JoinedAt: p.JoinedAt}); err != nil && !session.IsStale(err) {
		log.Debug().Err(err).Msg("local join echo")
	}
	c.persist(ctx, p)
	c.catchUp(ctx, c.store, p)

	log.Info().Str("session_code", code).Str("user_id", userID).Msg("joined quiz")
	return p, nil
}

// Restore re-attaches to the session saved by a previous process.
func (c *ParticipantClient) Restore(ctx context.Context) (domain.Participant, error) {
	if c.local == nil {
		return domain.Participant{}, domain.ErrNotJoined
	}
	identity, err := c.local.Load(ctx)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("load identity: %w", err)
	}
	if identity.Participant == nil || identity.SessionCode == "" {
		return domain.Participant{}, domain.ErrNotJoined
	}
	p := *identity.Participant
	p.SessionCode = identity.SessionCode

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.self != nil {
		return domain.Participant{}, fmt.Errorf("%w: %s", domain.ErrAlreadyJoined, c.self.SessionCode)
	}
	if err := c.attachLocked(ctx, p); err != nil {
		return domain.Participant{}, err
	}
	c.catchUp(ctx, c.store, p)
	log.Info().Str("session_code", p.SessionCode).Str("user_id", p.UserID).Msg("restored quiz session")
	return p, nil
}

func (c *ParticipantClient) attachLocked(ctx context.Context, p domain.Participant) error {
	store := session.NewStore(p.SessionCode, p.UserID)
	subs, err := subscribeAll(ctx, c.bus, sessionChannels(p.SessionCode, p.UserID), c.handler(store, p))
	if err != nil {
		store.Close()
		return err
	}
	c.self = &p
	c.store = store
	c.subs = subs
	c.stopWatch = watchReconnect(c.bus, func() {
		// a callback already in flight when Leave ran must not start new work
		c.mu.Lock()
		if c.store != store {
			c.mu.Unlock()
			return
		}
		c.background.Add(1)
		c.mu.Unlock()
		go func() {
			defer c.background.Done()
			log.Info().Str("session_code", p.SessionCode).Msg("transport reconnected, resyncing")
			c.catchUp(context.Background(), store, p)
		}()
	})
	return nil
}

// handler is bound to one store instance so deliveries after Leave hit a closed store.
func (c *ParticipantClient) handler(store *session.Store, p domain.Participant) Handler {
	return func(msg domain.Message) {
		ev, err := store.HandleMessage(msg)
		if err != nil {
			return
		}
		if expired, ok := ev.(domain.TimerExpired); ok {
			c.onTimeUp(store, p, expired)
		}
	}
}

func (c *ParticipantClient) onTimeUp(store *session.Store, p domain.Participant, ev domain.TimerExpired) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.FlushTimeout)
	defer cancel()

	if sel := store.Snapshot().Selection; sel != nil {
		err := store.Dispatch(session.AnswerSubmitted{Answer: c.answer(p, sel.QuestionID, sel.Option), AtTimeUp: true})
		switch {
		case err == nil:
			log.Info().Str("session_code", p.SessionCode).Int("question_index", ev.QuestionIndex).Msg("selected answer submitted at time up")
		case !errors.Is(err, domain.ErrDuplicateAnswer):
			log.Warn().Err(err).Str("session_code", p.SessionCode).Msg("auto submit at time up")
		}
	}
	if err := c.flush(ctx, store); err != nil {
		log.Warn().Err(err).Str("session_code", p.SessionCode).Msg("flush answers at time up")
	}
}

// Leave leaves the session. Local cleanup always happens; a backend failure is
// still returned.
func (c *ParticipantClient) Leave(ctx context.Context) error {
	c.mu.Lock()
	p := c.self
	if p == nil {
		c.mu.Unlock()
		return domain.ErrNotJoined
	}
	berr := c.backend.Leave(ctx, p.Name, p.SessionCode, p.UserID)

	subs, stop, store := c.subs, c.stopWatch, c.store
	c.self, c.subs, c.stopWatch, c.store = nil, nil, nil, nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if err := subs.Close(); err != nil {
		log.Warn().Err(err).Str("session_code", p.SessionCode).Msg("release subscriptions")
	}
	store.Close()
	c.background.Wait()
	if c.local != nil {
		if err := c.local.Clear(ctx); err != nil {
			log.Warn().Err(err).Msg("clear persisted identity")
		}
	}

	if berr != nil {
		return fmt.Errorf("leave %s: %w", p.SessionCode, berr)
	}
	log.Info().Str("session_code", p.SessionCode).Str("user_id", p.UserID).Msg("left quiz")
	return nil
}

// Select marks an option for the question in view without submitting it.
func (c *ParticipantClient) Select(questionID string, option domain.OptionKey) error {
	store, _, err := c.attached()
	if err != nil {
		return err
	}
	return store.Dispatch(session.AnswerSelected{QuestionID: questionID, Option: option})
}

// SubmitAnswer records the answer locally and delivers every pending answer.
func (c *ParticipantClient) SubmitAnswer(ctx context.Context, questionID string, option domain.OptionKey) error {
	store, p, err := c.attached()
	if err != nil {
		return err
	}
	if err := store.Dispatch(session.AnswerSubmitted{Answer: c.answer(p, questionID, option)}); err != nil {
		return err
	}
	return c.flush(ctx, store)
}

// Flush delivers pending answers now.
func (c *ParticipantClient) Flush(ctx context.Context) error {
	store, _, err := c.attached()
	if err != nil {
		return err
	}
	return c.flush(ctx, store)
}

func (c *ParticipantClient) flush(ctx context.Context, store *session.Store) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	pending := store.Snapshot().Pending
	if len(pending) == 0 {
		return nil
	}
	if err := c.backend.SaveAnswers(ctx, pending); err != nil {
		var berr *domain.BackendError
		if errors.As(err, &berr) {
			return err
		}
		return &domain.BackendError{Op: "save answers", Err: err}
	}
	keys := make([]session.AnswerKey, len(pending))
	for i, a := range pending {
		keys[i] = session.AnswerKey{UserID: a.UserID, QuestionID: a.QuestionID}
	}
	if err := store.Dispatch(session.AnswersDelivered{Keys: keys}); err != nil && !errors.Is(err, session.ErrClosed) {
		return err
	}
	return nil
}

// RefreshUserStats fetches the personal standing from the backend.
func (c *ParticipantClient) RefreshUserStats(ctx context.Context) (domain.UserStats, error) {
	store, p, err := c.attached()
	if err != nil {
		return domain.UserStats{}, err
	}
	stats, err := c.backend.UserLeaderboard(ctx, p.SessionCode, p.Name, p.UserID)
	if err != nil {
		return domain.UserStats{}, fmt.Errorf("user leaderboard: %w", err)
	}
	if err := store.Dispatch(domain.UserLeaderboardSnapshot{UserStats: stats}); err != nil {
		return domain.UserStats{}, err
	}
	return stats, nil
}

// Resync fetches the authoritative snapshot and catches up pending work.
func (c *ParticipantClient) Resync(ctx context.Context) error {
	store, p, err := c.attached()
	if err != nil {
		return err
	}
	if c.resync == nil {
		return nil
	}
	if err := c.resync.Resync(ctx, store); err != nil {
		return err
	}
	c.afterResync(ctx, store, p)
	return nil
}

func (c *ParticipantClient) catchUp(ctx context.Context, store *session.Store, p domain.Participant) {
	if c.resync == nil {
		return
	}
	if err := c.resync.Resync(ctx, store); err != nil {
		log.Warn().Err(err).Str("session_code", p.SessionCode).Msg("resync")
		return
	}
	c.afterResync(ctx, store, p)
}

func (c *ParticipantClient) afterResync(ctx context.Context, store *session.Store, p domain.Participant) {
	stats, err := c.backend.UserLeaderboard(ctx, p.SessionCode, p.Name, p.UserID)
	if err == nil {
		_ = store.Dispatch(domain.UserLeaderboardSnapshot{UserStats: stats})
	} else {
		log.Debug().Err(err).Str("session_code", p.SessionCode).Msg("refresh user stats")
	}
	if err := c.flush(ctx, store); err != nil {
		log.Warn().Err(err).Str("session_code", p.SessionCode).Msg("flush answers after resync")
	}
}

// View returns the current derived state, or ErrNotJoined.
func (c *ParticipantClient) View() (session.View, error) {
	store, _, err := c.attached()
	if err != nil {
		return session.View{}, err
	}
	return store.View(), nil
}

// Watch streams view changes until cancel is called or the client leaves.
func (c *ParticipantClient) Watch() (<-chan session.View, func(), error) {
	store, _, err := c.attached()
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := store.Watch()
	return ch, cancel, nil
}

// Connection reports the transport state.
func (c *ParticipantClient) Connection() ConnState {
	return c.bus.State()
}

// Participant returns the joined identity.
func (c *ParticipantClient) Participant() (domain.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.self == nil {
		return domain.Participant{}, false
	}
	return *c.self, true
}

func (c *ParticipantClient) attached() (*session.Store, domain.Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.self == nil {
		return nil, domain.Participant{}, domain.ErrNotJoined
	}
	return c.store, *c.self, nil
}

func (c *ParticipantClient) answer(p domain.Participant, questionID string, option domain.OptionKey) domain.Answer {
	return domain.Answer{
		UserID:         p.UserID,
		Name:           p.Name,
		SessionCode:    p.SessionCode,
		QuestionID:     questionID,
		SelectedOption: option,
		SubmittedAt:    c.clock.Now().UTC(),
	}
}

func (c *ParticipantClient) persist(ctx context.Context, p domain.Participant) {
	if c.local == nil {
		return
	}
	if err := c.local.Save(ctx, domain.LocalIdentity{SessionCode: p.SessionCode, Participant: &p}); err != nil {
		log.Warn().Err(err).Str("session_code", p.SessionCode).Msg("persist participant identity")
	}
}
