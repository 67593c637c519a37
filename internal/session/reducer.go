package session

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/rs/zerolog/log"

	"live-quiz-sync/internal/domain"
)

// Events produced locally by the participant client. They never travel on the bus.
type (
	AnswerSelected struct {
		QuestionID string
		Option     domain.OptionKey
	}
	AnswerSubmitted struct {
		Answer domain.Answer
		// AtTimeUp marks the automatic submission of the selection when the
		// timer expires. Nothing else is accepted once time is up.
		AtTimeUp bool
	}
	AnswersDelivered struct {
		Keys []AnswerKey
	}
	// Resync force-sets the shared part of the state from an authoritative snapshot.
	Resync struct {
		Snapshot domain.SessionSnapshot
	}
)

func (AnswerSelected) EventName() domain.EventName   { return "local:answerSelected" }
func (AnswerSubmitted) EventName() domain.EventName  { return "local:answerSubmitted" }
func (AnswersDelivered) EventName() domain.EventName { return "local:answersDelivered" }
func (Resync) EventName() domain.EventName           { return "local:resync" }

// Apply is the total form of Reduce: anomalies are logged and the input state is kept.
func Apply(s State, ev domain.Event) State {
	next, err := Reduce(s, ev)
	if err != nil {
		logDropped(s.SessionCode, ev, err)
		return s
	}
	return next
}

// Reduce applies ev to s. It never mutates s. A non-nil error means the event was
// dropped and the returned state equals s.
func Reduce(s State, ev domain.Event) (State, error) {
	if ev == nil {
		return s, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	if s.Phase == domain.PhaseEnded && progression(ev) {
		return s, fmt.Errorf("%w: %s after session end", ErrStaleEvent, ev.EventName())
	}

	var (
		next State
		err  error
	)
	switch e := ev.(type) {
	case domain.ParticipantJoined:
		next, err = reduceJoined(s, e)
	case domain.ParticipantLeft:
		next, err = reduceLeft(s, e)
	case domain.QuestionsBroadcast:
		next, err = reduceBroadcast(s, e)
	case domain.QuestionAdvanced:
		next, err = reduceAdvance(s, e)
	case domain.LeaderboardSnapshot:
		next, err = reduceLeaderboard(s, e)
	case domain.UserLeaderboardSnapshot:
		next, err = reduceUserStats(s, e)
	case domain.TimerTick:
		next, err = reduceTick(s, e)
	case domain.TimerExpired:
		next, err = reduceExpired(s, e)
	case domain.SessionEnded:
		next, err = reduceEnded(s)
	case Resync:
		next, err = reduceResync(s, e)
	case AnswerSelected:
		next, err = reduceSelected(s, e)
	case AnswerSubmitted:
		next, err = reduceSubmitted(s, e)
	case AnswersDelivered:
		next, err = reduceDelivered(s, e)
	default:
		return s, fmt.Errorf("%w: unhandled event %T", domain.ErrUnknownEvent, ev)
	}
	if err != nil {
		return s, err
	}
	return next, nil
}

func progression(ev domain.Event) bool {
	switch ev.(type) {
	case domain.QuestionsBroadcast, domain.QuestionAdvanced, domain.TimerTick, domain.TimerExpired, domain.SessionEnded:
		return true
	}
	return false
}

func reduceJoined(s State, e domain.ParticipantJoined) (State, error) {
	if e.UserID == "" || e.Name == "" {
		return s, fmt.Errorf("%w: join without userId or name", ErrMalformedEvent)
	}
	if s.hasParticipant(e.UserID) {
		return s, fmt.Errorf("%w: %s already in roster", ErrStaleEvent, e.UserID)
	}
	next := s.clone()
	next.Roster = append(next.Roster, domain.Participant{
		UserID:      e.UserID,
		Name:        e.Name,
		SessionCode: s.SessionCode,
		JoinedAt:    e.JoinedAt,
	})
	return next, nil
}

func reduceLeft(s State, e domain.ParticipantLeft) (State, error) {
	if e.UserID == "" {
		return s, fmt.Errorf("%w: leave without userId", ErrMalformedEvent)
	}
	if !s.hasParticipant(e.UserID) {
		return s, nil
	}
	next := s.clone()
	next.Roster = slices.DeleteFunc(next.Roster, func(p domain.Participant) bool { return p.UserID == e.UserID })
	return next, nil
}

func reduceBroadcast(s State, e domain.QuestionsBroadcast) (State, error) {
	if len(e.Questions) == 0 {
		return s, fmt.Errorf("%w: empty question broadcast", ErrMalformedEvent)
	}
	next := s.clone()
	next.Questions = make([]domain.Question, len(e.Questions))
	for i, q := range e.Questions {
		next.Questions[i] = withID(q, i)
	}
	next.CurrentIndex = 0
	next.Phase = domain.PhaseQuestion
	next.Timer = nil
	next.Selection = nil
	next.Pending = nil
	next.Answers = make(map[AnswerKey]domain.Answer)
	return next, nil
}

func reduceAdvance(s State, e domain.QuestionAdvanced) (State, error) {
	switch {
	case e.Error != "":
		return s, fmt.Errorf("%w: advance rejected by host: %s", ErrStaleEvent, e.Error)
	case e.Index < 0:
		return s, fmt.Errorf("%w: negative question index %d", ErrMalformedEvent, e.Index)
	case e.Index >= domain.MaxQuestions:
		return s, fmt.Errorf("%w: question index %d out of range", ErrMalformedEvent, e.Index)
	case s.Phase == domain.PhaseLeaderboard:
		return s, fmt.Errorf("%w: advance to %d after final leaderboard", ErrStaleEvent, e.Index)
	case e.Index < s.CurrentIndex:
		return s, fmt.Errorf("%w: advance to %d behind %d", ErrStaleEvent, e.Index, s.CurrentIndex)
	}
	if _, known := s.CurrentQuestion(); known && e.Index == s.CurrentIndex && s.Phase == domain.PhaseQuestion {
		return s, fmt.Errorf("%w: duplicate advance to %d", ErrStaleEvent, e.Index)
	}

	next := s.clone()
	if e.Question != nil {
		for len(next.Questions) <= e.Index {
			next.Questions = append(next.Questions, domain.Question{})
		}
		next.Questions[e.Index] = withID(*e.Question, e.Index)
	} else if e.Index >= len(s.Questions) || !s.Questions[e.Index].Known() {
		return s, fmt.Errorf("%w: advance to unknown question %d", ErrStaleEvent, e.Index)
	}
	next.CurrentIndex = e.Index
	next.Phase = domain.PhaseQuestion
	next.Timer = nil
	next.Selection = nil
	return next, nil
}

func reduceLeaderboard(s State, e domain.LeaderboardSnapshot) (State, error) {
	next := s.clone()
	next.Leaderboard = slices.Clone(e.Entries)
	if next.Leaderboard == nil {
		next.Leaderboard = []domain.LeaderboardEntry{}
	}
	if s.Phase == domain.PhaseEnded {
		return next, nil
	}
	switch {
	case e.Final != nil && *e.Final:
		next.Phase = domain.PhaseLeaderboard
		next.Timer = nil
	case e.Final == nil && s.Phase == domain.PhaseQuestion && s.CurrentIndex >= len(s.Questions)-1:
		next.Phase = domain.PhaseLeaderboard
		next.Timer = nil
	}
	return next, nil
}

func reduceUserStats(s State, e domain.UserLeaderboardSnapshot) (State, error) {
	if s.Self == "" || e.UserID != s.Self {
		return s, fmt.Errorf("%w: %s", ErrNotForThisClient, e.UserID)
	}
	next := s.clone()
	stats := e.UserStats
	next.UserStats = &stats
	return next, nil
}

func reduceTick(s State, e domain.TimerTick) (State, error) {
	if err := timerInScope(s, e.QuestionIndex); err != nil {
		return s, err
	}
	if e.Remaining < 0 {
		return s, fmt.Errorf("%w: negative remaining time", ErrMalformedEvent)
	}
	if t := s.Timer; t != nil && t.QuestionIndex == e.QuestionIndex {
		if t.Complete {
			return s, fmt.Errorf("%w: tick after expiry of question %d", ErrStaleEvent, e.QuestionIndex)
		}
		if e.Remaining > t.Remaining {
			return s, fmt.Errorf("%w: tick %d above %d", ErrStaleEvent, e.Remaining, t.Remaining)
		}
	}
	next := s.clone()
	next.Timer = &domain.Timer{QuestionIndex: e.QuestionIndex, Remaining: e.Remaining}
	return next, nil
}

func reduceExpired(s State, e domain.TimerExpired) (State, error) {
	if err := timerInScope(s, e.QuestionIndex); err != nil {
		return s, err
	}
	if t := s.Timer; t != nil && t.QuestionIndex == e.QuestionIndex && t.Complete {
		return s, nil
	}
	next := s.clone()
	next.Timer = &domain.Timer{QuestionIndex: e.QuestionIndex, Remaining: 0, Complete: true}
	return next, nil
}

func timerInScope(s State, index int) error {
	if s.Phase != domain.PhaseQuestion {
		return fmt.Errorf("%w: timer event for %d outside question phase", ErrStaleEvent, index)
	}
	if index != s.CurrentIndex {
		return fmt.Errorf("%w: timer event for %d while viewing %d", ErrStaleEvent, index, s.CurrentIndex)
	}
	return nil
}

func reduceEnded(s State) (State, error) {
	next := s.clone()
	next.Phase = domain.PhaseEnded
	next.Timer = nil
	next.Selection = nil
	return next, nil
}

func reduceResync(s State, e Resync) (State, error) {
	snap := e.Snapshot
	if snap.SessionCode != "" && s.SessionCode != "" && snap.SessionCode != s.SessionCode {
		return s, fmt.Errorf("%w: snapshot for %s", ErrNotForThisClient, snap.SessionCode)
	}
	next := s.clone()
	next.Questions = make([]domain.Question, len(snap.Questions))
	for i, q := range snap.Questions {
		next.Questions[i] = withID(q, i)
	}
	next.CurrentIndex = max(snap.CurrentIndex, 0)
	next.Roster = slices.Clone(snap.Roster)
	next.Leaderboard = slices.Clone(snap.Leaderboard)
	next.Phase = snap.Phase
	if next.Phase == "" {
		next.Phase = domain.PhaseNotStarted
		if len(next.Questions) > 0 {
			next.Phase = domain.PhaseQuestion
		}
	}
	next.Timer = nil
	if snap.Timer != nil && next.Phase == domain.PhaseQuestion {
		t := *snap.Timer
		next.Timer = &t
	}
	if sel := next.Selection; sel != nil {
		if q, ok := next.CurrentQuestion(); !ok || q.ID != sel.QuestionID || next.Phase != domain.PhaseQuestion {
			next.Selection = nil
		}
	}
	return next, nil
}

func reduceSelected(s State, e AnswerSelected) (State, error) {
	q, ok := s.CurrentQuestion()
	if s.Phase != domain.PhaseQuestion || !ok {
		return s, domain.ErrNoQuestionInView
	}
	if q.ID != e.QuestionID {
		return s, fmt.Errorf("%w: %s is not in view", domain.ErrQuestionNotFound, e.QuestionID)
	}
	if s.timeUp() {
		return s, domain.ErrTimeUp
	}
	if !q.HasOption(e.Option) {
		return s, fmt.Errorf("%w: %s", domain.ErrInvalidOption, e.Option)
	}
	if _, answered := s.Answer(s.Self, q.ID); answered {
		return s, domain.ErrDuplicateAnswer
	}
	next := s.clone()
	next.Selection = &Selection{QuestionID: q.ID, Option: e.Option}
	return next, nil
}

func reduceSubmitted(s State, e AnswerSubmitted) (State, error) {
	a := e.Answer
	if a.UserID == "" {
		return s, fmt.Errorf("%w: answer without userId", ErrMalformedEvent)
	}
	q, ok := s.Question(a.QuestionID)
	if !ok {
		return s, fmt.Errorf("%w: %s", domain.ErrQuestionNotFound, a.QuestionID)
	}
	if cur, inView := s.CurrentQuestion(); s.Phase != domain.PhaseQuestion || !inView || cur.ID != q.ID {
		return s, fmt.Errorf("%w: %s", domain.ErrNoQuestionInView, a.QuestionID)
	}
	if !q.HasOption(a.SelectedOption) {
		return s, fmt.Errorf("%w: %s", domain.ErrInvalidOption, a.SelectedOption)
	}
	key := AnswerKey{UserID: a.UserID, QuestionID: a.QuestionID}
	if _, dup := s.Answers[key]; dup {
		return s, domain.ErrDuplicateAnswer
	}
	if s.timeUp() && !e.AtTimeUp {
		return s, domain.ErrTimeUp
	}
	a.Correct = q.CorrectAnswer == a.SelectedOption
	if a.SessionCode == "" {
		a.SessionCode = s.SessionCode
	}
	next := s.clone()
	next.Answers[key] = a
	next.Pending = append(next.Pending, a)
	if next.Selection != nil && next.Selection.QuestionID == a.QuestionID {
		next.Selection = nil
	}
	return next, nil
}

func reduceDelivered(s State, e AnswersDelivered) (State, error) {
	if len(e.Keys) == 0 || len(s.Pending) == 0 {
		return s, nil
	}
	next := s.clone()
	next.Pending = slices.DeleteFunc(next.Pending, func(a domain.Answer) bool {
		return slices.Contains(e.Keys, AnswerKey{UserID: a.UserID, QuestionID: a.QuestionID})
	})
	return next, nil
}

// withID gives a question lacking a backend id a positional one so it counts as known.
func withID(q domain.Question, index int) domain.Question {
	if q.ID == "" && q.Text != "" {
		q.ID = "q" + strconv.Itoa(index+1)
	}
	return q
}

func logDropped(code string, ev domain.Event, err error) {
	name := "<nil>"
	if ev != nil {
		name = string(ev.EventName())
	}
	evt := log.Debug()
	switch {
	case errors.Is(err, ErrMalformedEvent), errors.Is(err, domain.ErrUnknownEvent):
		evt = log.Warn()
	}
	evt.Str("session_code", code).
		Str("event", name).
		Err(err).
		Msg("event dropped")
}
