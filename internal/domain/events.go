package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventName is the name a message is published under on a channel.
type EventName string

const (
	EventJoinQuiz              EventName = "joinQuiz"
	EventLeaveQuiz             EventName = "leaveQuiz"
	EventBroadcastQuestions    EventName = "broadcastQuestions"
	EventNextQuestion          EventName = "nextQuestion"
	EventLeaderboardUpdate     EventName = "leaderboardUpdate"
	EventUserLeaderboardUpdate EventName = "userLeaderboardUpdate"
	EventTimerUpdate           EventName = "timerUpdate"
	EventTimeUp                EventName = "timeUp"
	EventSessionEnded          EventName = "sessionEnded"

	// AllEvents subscribes to every event name on a channel.
	AllEvents EventName = "*"
)

var (
	// ErrMalformedEvent marks a payload that does not match its event schema.
	ErrMalformedEvent = errors.New("malformed event payload")
	// ErrUnknownEvent marks an event name this client does not handle.
	ErrUnknownEvent = errors.New("unknown event")
)

func UsersChannel(code string) string       { return "quiz:users:" + code }
func QuestionsChannel(code string) string   { return "quiz:questions:" + code }
func LeaderboardChannel(code string) string { return "quiz:leaderboard:" + code }
func TimerChannel(code string) string       { return "quiz:" + code + ":timer" }

func UserLeaderboardChannel(code, userID string) string {
	return "quiz:leaderboard:" + code + ":" + userID
}

// Message is the envelope carried by every bus adapter.
type Message struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Name      EventName       `json:"name"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage encodes payload into a fresh envelope.
func NewMessage(channel string, name EventName, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Message{
		ID:        uuid.NewString(),
		Channel:   channel,
		Name:      name,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Event is a decoded message payload.
type Event interface {
	EventName() EventName
}

type ParticipantJoined struct {
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	SessionCode string    `json:"sessionCode,omitempty"`
	JoinedAt    time.Time `json:"joinedAt,omitempty"`
}

type ParticipantLeft struct {
	UserID      string `json:"userId"`
	Name        string `json:"name,omitempty"`
	SessionCode string `json:"sessionCode,omitempty"`
}

type QuestionsBroadcast struct {
	Questions []Question `json:"questions"`
}

// UnmarshalJSON accepts both a bare question array and {"questions": [...]}.
func (b *QuestionsBroadcast) UnmarshalJSON(data []byte) error {
	if isJSONArray(data) {
		return json.Unmarshal(data, &b.Questions)
	}
	type plain QuestionsBroadcast
	return json.Unmarshal(data, (*plain)(b))
}

type QuestionAdvanced struct {
	Index    int       `json:"currentIndex"`
	Question *Question `json:"question,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// LeaderboardSnapshot replaces the standings. Final carries the backend's
// "no more questions" verdict; nil means the sender did not say.
type LeaderboardSnapshot struct {
	Entries []LeaderboardEntry `json:"entries"`
	Final   *bool              `json:"final,omitempty"`
}

// UnmarshalJSON accepts both a bare entry array and {"entries": [...]}.
func (s *LeaderboardSnapshot) UnmarshalJSON(data []byte) error {
	if isJSONArray(data) {
		s.Final = nil
		return json.Unmarshal(data, &s.Entries)
	}
	type plain LeaderboardSnapshot
	return json.Unmarshal(data, (*plain)(s))
}

type UserLeaderboardSnapshot struct {
	UserStats
}

type TimerTick struct {
	SessionCode   string `json:"sessionCode,omitempty"`
	QuestionIndex int    `json:"questionIndex"`
	Remaining     int    `json:"remainingTime"`
}

type TimerExpired struct {
	SessionCode   string `json:"sessionCode,omitempty"`
	QuestionIndex int    `json:"questionIndex"`
}

type SessionEnded struct {
	SessionCode string    `json:"sessionCode,omitempty"`
	EndedAt     time.Time `json:"endedAt,omitempty"`
}

func (ParticipantJoined) EventName() EventName       { return EventJoinQuiz }
func (ParticipantLeft) EventName() EventName         { return EventLeaveQuiz }
func (QuestionsBroadcast) EventName() EventName      { return EventBroadcastQuestions }
func (QuestionAdvanced) EventName() EventName        { return EventNextQuestion }
func (LeaderboardSnapshot) EventName() EventName     { return EventLeaderboardUpdate }
func (UserLeaderboardSnapshot) EventName() EventName { return EventUserLeaderboardUpdate }
func (TimerTick) EventName() EventName               { return EventTimerUpdate }
func (TimerExpired) EventName() EventName            { return EventTimeUp }
func (SessionEnded) EventName() EventName            { return EventSessionEnded }

// DecodeEvent parses the payload of msg according to its name. Unknown fields
// are ignored; required fields that are missing yield ErrMalformedEvent.
func DecodeEvent(msg Message) (Event, error) {
	switch msg.Name {
	case EventJoinQuiz:
		var ev ParticipantJoined
		if err := decode(msg, &ev); err != nil {
			return nil, err
		}
		if ev.UserID == "" || ev.Name == "" {
			return nil, malformed(msg, "userId and name are required")
		}
		return ev, nil
	case EventLeaveQuiz:
		var ev ParticipantLeft
		if err := decode(msg, &ev); err != nil {
			return nil, err
		}
		if ev.UserID == "" {
			return nil, malformed(msg, "userId is required")
		}
		return ev, nil
	case EventBroadcastQuestions:
		var ev QuestionsBroadcast
		if err := decode(msg, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventNextQuestion:
		var raw struct {
			Index    *int      `json:"currentIndex"`
			Question *Question `json:"question"`
			Error    any       `json:"error"`
		}
		if err := decode(msg, &raw); err != nil {
			return nil, err
		}
		ev := QuestionAdvanced{Question: raw.Question}
		if raw.Error != nil && raw.Error != false {
			ev.Error = fmt.Sprint(raw.Error)
		}
		if raw.Index == nil && ev.Error == "" {
			return nil, malformed(msg, "currentIndex is required")
		}
		if raw.Index != nil {
			ev.Index = *raw.Index
		}
		return ev, nil
	case EventLeaderboardUpdate:
		var ev LeaderboardSnapshot
		if err := decode(msg, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventUserLeaderboardUpdate:
		var ev UserLeaderboardSnapshot
		if err := decode(msg, &ev.UserStats); err != nil {
			return nil, err
		}
		if ev.UserID == "" {
			return nil, malformed(msg, "userId is required")
		}
		return ev, nil
	case EventTimerUpdate:
		var raw struct {
			SessionCode   string `json:"sessionCode"`
			QuestionIndex *int   `json:"questionIndex"`
			Remaining     *int   `json:"remainingTime"`
		}
		if err := decode(msg, &raw); err != nil {
			return nil, err
		}
		if raw.QuestionIndex == nil || raw.Remaining == nil {
			return nil, malformed(msg, "questionIndex and remainingTime are required")
		}
		return TimerTick{SessionCode: raw.SessionCode, QuestionIndex: *raw.QuestionIndex, Remaining: *raw.Remaining}, nil
	case EventTimeUp:
		var raw struct {
			SessionCode   string `json:"sessionCode"`
			QuestionIndex *int   `json:"questionIndex"`
		}
		if err := decode(msg, &raw); err != nil {
			return nil, err
		}
		if raw.QuestionIndex == nil {
			return nil, malformed(msg, "questionIndex is required")
		}
		return TimerExpired{SessionCode: raw.SessionCode, QuestionIndex: *raw.QuestionIndex}, nil
	case EventSessionEnded:
		var ev SessionEnded
		if len(msg.Data) > 0 && !bytes.Equal(bytes.TrimSpace(msg.Data), []byte("null")) {
			if err := decode(msg, &ev); err != nil {
				return nil, err
			}
		}
		return ev, nil
	}
	return nil, fmt.Errorf("%w: %q on %s", ErrUnknownEvent, msg.Name, msg.Channel)
}

func decode(msg Message, v any) error {
	data := msg.Data
	// Some publishers double-encode the payload as a JSON string.
	var s string
	if len(data) > 0 && data[0] == '"' && json.Unmarshal(data, &s) == nil {
		data = []byte(s)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return malformed(msg, "empty payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s on %s: %v", ErrMalformedEvent, msg.Name, msg.Channel, err)
	}
	return nil
}

func malformed(msg Message, reason string) error {
	return fmt.Errorf("%w: %s on %s: %s", ErrMalformedEvent, msg.Name, msg.Channel, reason)
}

func isJSONArray(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '['
}
