package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrSessionNotFound is returned when the backend does not know a session code.
	ErrSessionNotFound = errors.New("quiz session not found")
	// ErrInvalidSessionCode is returned when a code fails backend validation.
	ErrInvalidSessionCode = errors.New("invalid session code")
	// ErrQuestionNotFound indicates a question ID unknown to the local session.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrInvalidOption indicates an option key that is not filled on the question.
	ErrInvalidOption = errors.New("option not available on question")
	// ErrDuplicateAnswer is returned for a second answer to the same question by the same participant.
	ErrDuplicateAnswer = errors.New("answer already recorded for question")
	// ErrNotJoined is returned when a participant action runs outside a session.
	ErrNotJoined = errors.New("not currently in a quiz")
	// ErrNoActiveSession is returned when a host action runs before a session was started.
	ErrNoActiveSession = errors.New("no active session")
	// ErrNoQuestionInView is returned when an answer is attempted with no question on screen.
	ErrNoQuestionInView = errors.New("no question in view")
	// ErrTimeUp is returned when a participant acts on a question whose timer has expired.
	ErrTimeUp = errors.New("time is up for this question")
	// ErrAlreadyJoined is returned when a client joins while still attached to a session.
	ErrAlreadyJoined = errors.New("already in a quiz")
	// ErrQuizNotFound is returned by question banks for an unknown quiz id.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuizNotPublished is returned when the host advances before publishing questions.
	ErrQuizNotPublished = errors.New("quiz questions not published")
)

// ValidationError lists the questions that failed local validation.
type ValidationError struct {
	Indices []int
	Reasons []string
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Indices))
	for i, idx := range e.Indices {
		parts[i] = "#" + strconv.Itoa(idx+1)
		if i < len(e.Reasons) && e.Reasons[i] != "" {
			parts[i] += " (" + e.Reasons[i] + ")"
		}
	}
	return "incomplete questions: " + strings.Join(parts, ", ")
}

// BackendError wraps a failed or malformed backend response.
type BackendError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *BackendError) Error() string {
	switch {
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("backend %s: status %d: %s", e.Op, e.Status, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("backend %s: status %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
	}
	return "backend " + e.Op + " failed"
}

func (e *BackendError) Unwrap() error { return e.Err }

// TransportError reports that the message bus is unavailable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SessionCreationError is returned when the backend refuses to start a session.
type SessionCreationError struct {
	Err error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("create session: %v", e.Err)
}

func (e *SessionCreationError) Unwrap() error { return e.Err }
