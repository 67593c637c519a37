package session

import (
	"errors"
	"slices"

	"live-quiz-sync/internal/domain"
)

var (
	// ErrStaleEvent marks an event that refers to a point already superseded by known state.
	ErrStaleEvent = errors.New("stale event")
	// ErrNotForThisClient marks a personal event addressed to another identity.
	ErrNotForThisClient = errors.New("event targets another participant")
	// ErrClosed is returned by a store that has been discarded.
	ErrClosed = errors.New("session store closed")
	// ErrMalformedEvent is domain.ErrMalformedEvent, re-exported for reducer callers.
	ErrMalformedEvent = domain.ErrMalformedEvent
)

// AnswerKey identifies the single answer a participant may give to a question.
type AnswerKey struct {
	UserID     string
	QuestionID string
}

// Selection is an option picked locally but not yet submitted.
type Selection struct {
	QuestionID string           `json:"questionId"`
	Option     domain.OptionKey `json:"option"`
}

// State is the synchronization state of one session as seen by one client.
// Values are treated as immutable; Reduce returns a modified copy.
type State struct {
	SessionCode  string
	Self         string // local participant id, empty for a host mirror
	Phase        domain.Phase
	Questions    []domain.Question
	CurrentIndex int
	Roster       []domain.Participant
	Leaderboard  []domain.LeaderboardEntry
	Timer        *domain.Timer
	UserStats    *domain.UserStats
	Answers      map[AnswerKey]domain.Answer
	Pending      []domain.Answer
	Selection    *Selection
}

// NewState returns the initial state of a session before any question was broadcast.
func NewState(code, self string) State {
	return State{
		SessionCode: code,
		Self:        self,
		Phase:       domain.PhaseNotStarted,
		Answers:     make(map[AnswerKey]domain.Answer),
	}
}

// CurrentQuestion returns the question in view, if its content is known.
func (s State) CurrentQuestion() (domain.Question, bool) {
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Questions) {
		return domain.Question{}, false
	}
	q := s.Questions[s.CurrentIndex]
	return q, q.Known()
}

// timeUp reports whether the timer of the question in view has expired.
func (s State) timeUp() bool {
	return s.Timer != nil && s.Timer.QuestionIndex == s.CurrentIndex && s.Timer.Complete
}

// Question looks a question up by id.
func (s State) Question(id string) (domain.Question, bool) {
	for _, q := range s.Questions {
		if q.Known() && q.ID == id {
			return q, true
		}
	}
	return domain.Question{}, false
}

// Answer returns the recorded answer of userID for questionID.
func (s State) Answer(userID, questionID string) (domain.Answer, bool) {
	a, ok := s.Answers[AnswerKey{UserID: userID, QuestionID: questionID}]
	return a, ok
}

func (s State) hasParticipant(userID string) bool {
	return slices.ContainsFunc(s.Roster, func(p domain.Participant) bool { return p.UserID == userID })
}

// clone copies every reference field so the result can be mutated freely.
func (s State) clone() State {
	out := s
	out.Questions = slices.Clone(s.Questions)
	out.Roster = slices.Clone(s.Roster)
	out.Leaderboard = slices.Clone(s.Leaderboard)
	out.Pending = slices.Clone(s.Pending)
	out.Answers = make(map[AnswerKey]domain.Answer, len(s.Answers))
	for k, v := range s.Answers {
		out.Answers[k] = v
	}
	if s.Timer != nil {
		t := *s.Timer
		out.Timer = &t
	}
	if s.UserStats != nil {
		u := *s.UserStats
		out.UserStats = &u
	}
	if s.Selection != nil {
		sel := *s.Selection
		out.Selection = &sel
	}
	return out
}
