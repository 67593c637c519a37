package domain

import (
	"strings"
	"time"
)

// Phase is the coarse state of a quiz session.
type Phase string

const (
	PhaseNotStarted  Phase = "NOT_STARTED"
	PhaseQuestion    Phase = "QUESTION"
	PhaseLeaderboard Phase = "LEADERBOARD"
	PhaseEnded       Phase = "ENDED"
)

// OptionKey designates one of the four answer slots of a question.
type OptionKey string

const (
	Option1 OptionKey = "option1"
	Option2 OptionKey = "option2"
	Option3 OptionKey = "option3"
	Option4 OptionKey = "option4"
)

const (
	DefaultTimeLimit = 30
	MinTimeLimit     = 5
	MaxTimeLimit     = 300

	// MaxQuestions bounds the length of one quiz.
	MaxQuestions = 500
)

// Question models a multiple choice question with two to four options.
type Question struct {
	ID            string    `json:"id" yaml:"id"`
	Text          string    `json:"questionText" yaml:"questionText"`
	Option1       string    `json:"option1" yaml:"option1"`
	Option2       string    `json:"option2" yaml:"option2"`
	Option3       string    `json:"option3,omitempty" yaml:"option3,omitempty"`
	Option4       string    `json:"option4,omitempty" yaml:"option4,omitempty"`
	CorrectAnswer OptionKey `json:"correctAnswer" yaml:"correctAnswer"`
	TimeLimit     int       `json:"timeLimit" yaml:"timeLimit"` // seconds, 0 means DefaultTimeLimit
	SessionCode   string    `json:"sessionCode,omitempty" yaml:"-"`
}

// Option returns the text behind key, or "" when the slot is unused.
func (q Question) Option(key OptionKey) string {
	switch key {
	case Option1:
		return q.Option1
	case Option2:
		return q.Option2
	case Option3:
		return q.Option3
	case Option4:
		return q.Option4
	}
	return ""
}

// HasOption reports whether key names a filled option slot.
func (q Question) HasOption(key OptionKey) bool {
	return strings.TrimSpace(q.Option(key)) != ""
}

// Options lists the filled option slots in order.
func (q Question) Options() []OptionKey {
	keys := make([]OptionKey, 0, 4)
	for _, k := range []OptionKey{Option1, Option2, Option3, Option4} {
		if q.HasOption(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Seconds returns the effective time limit clamped to [MinTimeLimit, MaxTimeLimit].
func (q Question) Seconds() int {
	switch {
	case q.TimeLimit == 0:
		return DefaultTimeLimit
	case q.TimeLimit < MinTimeLimit:
		return MinTimeLimit
	case q.TimeLimit > MaxTimeLimit:
		return MaxTimeLimit
	}
	return q.TimeLimit
}

// Known reports whether the question carries content (placeholders have no ID).
func (q Question) Known() bool {
	return q.ID != ""
}

// QuizSet is a stored, reusable list of questions a host can publish.
type QuizSet struct {
	ID        string     `json:"id" yaml:"id"`
	Title     string     `json:"title" yaml:"title"`
	Questions []Question `json:"questions" yaml:"questions"`
}

// Host identifies the quiz host.
type Host struct {
	ID                string `json:"id" yaml:"id"`
	Name              string `json:"name" yaml:"name"`
	Email             string `json:"email" yaml:"email"`
	QuizID            string `json:"quizId" yaml:"quizId"`
	ProfilePictureURL string `json:"profilePictureUrl" yaml:"profilePictureUrl"`
}

// Participant is a joined quiz player.
type Participant struct {
	UserID      string    `json:"userId" yaml:"userId"`
	Name        string    `json:"name" yaml:"name"`
	SessionCode string    `json:"sessionCode,omitempty" yaml:"sessionCode"`
	JoinedAt    time.Time `json:"joinedAt" yaml:"joinedAt"`
}

// Answer is a participant's submission for one question.
type Answer struct {
	UserID         string    `json:"userId"`
	Name           string    `json:"name"`
	SessionCode    string    `json:"sessionCode"`
	QuestionID     string    `json:"questionId"`
	SelectedOption OptionKey `json:"selectedOption"`
	Correct        bool      `json:"isCorrect"`
	SubmittedAt    time.Time `json:"submittedAt"`
}

// LeaderboardEntry is one ranked row of the standings.
type LeaderboardEntry struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Score  int    `json:"score"`
	Rank   int    `json:"rank"`
}

// UserStats is the personal standing of one participant.
type UserStats struct {
	UserID            string `json:"userId"`
	Name              string `json:"name"`
	Score             int    `json:"score"`
	Rank              int    `json:"rank"`
	CorrectAnswers    int    `json:"correctAnswers"`
	TotalParticipants int    `json:"totalParticipants"`
}

// Timer is the countdown state of one question.
type Timer struct {
	QuestionIndex int  `json:"questionIndex"`
	Remaining     int  `json:"remainingTime"`
	Complete      bool `json:"isComplete"`
}

// NextQuestion is the backend's answer to an advance request.
type NextQuestion struct {
	Index    int
	Question *Question
	NoMore   bool
}

// SessionSnapshot is the authoritative state used to patch a client after a reconnect.
type SessionSnapshot struct {
	SessionCode  string             `json:"sessionCode"`
	Phase        Phase              `json:"phase"`
	Questions    []Question         `json:"questions"`
	CurrentIndex int                `json:"currentIndex"`
	Roster       []Participant      `json:"roster"`
	Leaderboard  []LeaderboardEntry `json:"leaderboard"`
	Timer        *Timer             `json:"timer,omitempty"`
}

// LocalIdentity is the client-local state that survives a process restart.
type LocalIdentity struct {
	SessionCode string       `json:"sessionCode" yaml:"sessionCode"`
	Participant *Participant `json:"participant,omitempty" yaml:"participant,omitempty"`
	Host        *Host        `json:"host,omitempty" yaml:"host,omitempty"`
}

// Empty reports whether nothing is persisted.
func (l LocalIdentity) Empty() bool {
	return l.SessionCode == "" && l.Participant == nil && l.Host == nil
}
