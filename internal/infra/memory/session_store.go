package memory

import (
	"slices"
	"sort"
	"sync"
	"time"

	"live-quiz-sync/internal/domain"
	"live-quiz-sync/internal/session"
)

// SessionStore keeps the backend-side records of live quiz sessions.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*hostedSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*hostedSession),
	}
}

// create registers a session under code unless the code is taken.
func (s *SessionStore) create(code string, host domain.Host, now time.Time) (*hostedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[code]; ok {
		return nil, false
	}
	hs := newHostedSession(code, host, now)
	s.sessions[code] = hs
	return hs, true
}

func (s *SessionStore) get(code string) (*hostedSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hs, ok := s.sessions[code]
	return hs, ok
}

func (s *SessionStore) Delete(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, code)
}

func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// hostedSession is the authoritative record of one session.
type hostedSession struct {
	code      string
	host      domain.Host
	createdAt time.Time

	mu           sync.RWMutex
	questions    []domain.Question
	index        int
	phase        domain.Phase
	participants map[string]*player
	answers      map[session.AnswerKey]domain.Answer
}

type player struct {
	domain.Participant
	score       int
	correct     int
	lastUpdated time.Time
}

func newHostedSession(code string, host domain.Host, now time.Time) *hostedSession {
	return &hostedSession{
		code:         code,
		host:         host,
		createdAt:    now,
		phase:        domain.PhaseNotStarted,
		participants: make(map[string]*player),
		answers:      make(map[session.AnswerKey]domain.Answer),
	}
}

func (hs *hostedSession) hasName(name string) bool {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	for _, p := range hs.participants {
		if p.Name == name {
			return true
		}
	}
	return false
}

// record scores answer once per (user, question); later copies are ignored.
func (hs *hostedSession) record(a domain.Answer, now time.Time) (domain.Answer, bool, error) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	p, ok := hs.participants[a.UserID]
	if !ok {
		return domain.Answer{}, false, domain.ErrNotJoined
	}
	idx := slices.IndexFunc(hs.questions, func(q domain.Question) bool { return q.ID == a.QuestionID })
	if idx < 0 {
		return domain.Answer{}, false, domain.ErrQuestionNotFound
	}
	key := session.AnswerKey{UserID: a.UserID, QuestionID: a.QuestionID}
	if _, dup := hs.answers[key]; dup {
		return hs.answers[key], false, nil
	}
	a.Correct = hs.questions[idx].CorrectAnswer == a.SelectedOption
	a.SessionCode = hs.code
	hs.answers[key] = a
	if a.Correct {
		p.score++
		p.correct++
		p.lastUpdated = now
	}
	return a, true, nil
}

func (hs *hostedSession) roster() []domain.Participant {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	out := make([]domain.Participant, 0, len(hs.participants))
	for _, p := range hs.participants {
		out = append(out, p.Participant)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// standings ranks players by score, then by who reached the score first, then by name.
func (hs *hostedSession) standings() []domain.LeaderboardEntry {
	hs.mu.RLock()
	defer hs.mu.RUnlock()

	players := make([]*player, 0, len(hs.participants))
	for _, p := range hs.participants {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		pi, pj := players[i], players[j]
		if pi.score != pj.score {
			return pi.score > pj.score
		}
		if !pi.lastUpdated.Equal(pj.lastUpdated) {
			return pi.lastUpdated.Before(pj.lastUpdated)
		}
		return pi.Name < pj.Name
	})

	entries := make([]domain.LeaderboardEntry, len(players))
	for i, p := range players {
		entries[i] = domain.LeaderboardEntry{UserID: p.UserID, Name: p.Name, Score: p.score, Rank: i + 1}
	}
	return entries
}

func (hs *hostedSession) stats(userID string) (domain.UserStats, bool) {
	entries := hs.standings()
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	p, ok := hs.participants[userID]
	if !ok {
		return domain.UserStats{}, false
	}
	stats := domain.UserStats{
		UserID:            p.UserID,
		Name:              p.Name,
		Score:             p.score,
		CorrectAnswers:    p.correct,
		TotalParticipants: len(hs.participants),
	}
	for _, e := range entries {
		if e.UserID == userID {
			stats.Rank = e.Rank
		}
	}
	return stats, true
}
