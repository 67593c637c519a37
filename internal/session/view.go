package session

import (
	"slices"

	"live-quiz-sync/internal/domain"
)

// View is the read-only projection of a State handed to consumers.
type View struct {
	SessionCode   string                    `json:"sessionCode"`
	Phase         domain.Phase              `json:"phase"`
	CurrentIndex  int                       `json:"currentIndex"`
	QuestionCount int                       `json:"questionCount"`
	Question      *domain.Question          `json:"question,omitempty"`
	Remaining     *int                      `json:"remainingTime,omitempty"`
	TimeUp        bool                      `json:"timeUp"`
	Roster        []domain.Participant      `json:"roster"`
	Leaderboard   []domain.LeaderboardEntry `json:"leaderboard"`
	UserStats     *domain.UserStats         `json:"userStats,omitempty"`
	Selection     *Selection                `json:"selection,omitempty"`
	Answer        *domain.Answer            `json:"answer,omitempty"`
	Pending       int                       `json:"pendingAnswers"`
}

// ViewOf derives the consumer view of s.
func ViewOf(s State) View {
	v := View{
		SessionCode:   s.SessionCode,
		Phase:         s.Phase,
		CurrentIndex:  s.CurrentIndex,
		QuestionCount: len(s.Questions),
		Roster:        slices.Clone(s.Roster),
		Leaderboard:   slices.Clone(s.Leaderboard),
		Pending:       len(s.Pending),
	}
	if s.Phase == domain.PhaseQuestion {
		if q, ok := s.CurrentQuestion(); ok {
			v.Question = &q
			if a, answered := s.Answer(s.Self, q.ID); answered && s.Self != "" {
				v.Answer = &a
			}
		}
		if t := s.Timer; t != nil && t.QuestionIndex == s.CurrentIndex {
			remaining := t.Remaining
			v.Remaining = &remaining
			v.TimeUp = t.Complete
		}
	}
	if s.UserStats != nil {
		stats := *s.UserStats
		v.UserStats = &stats
	}
	if s.Selection != nil {
		sel := *s.Selection
		v.Selection = &sel
	}
	return v
}
