package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/domain"
)

const apiPath = "/api/quiz"

// Client talks to the quiz REST backend under /api/quiz.
type Client struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + apiPath,
		client: &http.Client{
			Timeout: timeout,
		},
		headers: make(map[string]string),
	}
}

func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

func (c *Client) StartSession(ctx context.Context, host domain.Host) (string, error) {
	body, err := c.post(ctx, "start session", "/startQuiz", host)
	if err != nil {
		return "", err
	}
	return parseSessionCode(body)
}

func (c *Client) CreateQuiz(ctx context.Context, code string, questions []domain.Question) error {
	tagged := make([]domain.Question, len(questions))
	for i, q := range questions {
		q.SessionCode = code
		tagged[i] = q
	}
	_, err := c.post(ctx, "create quiz", "/create", tagged)
	return err
}

func (c *Client) BroadcastQuestions(ctx context.Context, code string) ([]domain.Question, error) {
	var questions []domain.Question
	if err := c.postJSON(ctx, "broadcast questions", "/broadcastQuestions/"+url.PathEscape(code), nil, &questions); err != nil {
		return nil, err
	}
	return questions, nil
}

// nextQuestionResponse covers the shapes the backend answers with: a bare
// question, {"question": ...}, or an error / end-of-quiz marker.
type nextQuestionResponse struct {
	domain.Question
	Index    *int             `json:"index"`
	Wrapped  *domain.Question `json:"question"`
	Error    json.RawMessage  `json:"error"`
	NoMore   bool             `json:"noMore"`
	Finished bool             `json:"finished"`
}

func (c *Client) NextQuestion(ctx context.Context, code string, index int) (domain.NextQuestion, error) {
	var resp nextQuestionResponse
	if err := c.postJSON(ctx, "next question", "/nextQuestion/"+url.PathEscape(code), map[string]int{"index": index}, &resp); err != nil {
		return domain.NextQuestion{}, err
	}
	if resp.NoMore || resp.Finished || errorMarker(resp.Error) {
		return domain.NextQuestion{Index: index, NoMore: true}, nil
	}

	next := domain.NextQuestion{Index: index}
	if resp.Index != nil {
		next.Index = *resp.Index
	}
	switch {
	case resp.Wrapped != nil:
		next.Question = resp.Wrapped
	case resp.Question.Text != "" || resp.Question.ID != "":
		q := resp.Question
		next.Question = &q
	}
	return next, nil
}

func (c *Client) Leaderboard(ctx context.Context, code string) ([]domain.LeaderboardEntry, error) {
	var entries []domain.LeaderboardEntry
	if err := c.postJSON(ctx, "leaderboard", "/leaderboard/"+url.PathEscape(code), nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) ValidateSessionCode(ctx context.Context, code, name string) error {
	_, err := c.post(ctx, "validate", "/validate", map[string]string{"sessionCode": code, "name": name})
	var berr *domain.BackendError
	if errors.As(err, &berr) && berr.Status >= 400 && berr.Status < 500 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidSessionCode, strings.TrimSpace(berr.Body))
	}
	return err
}

func (c *Client) Join(ctx context.Context, name, code string) (string, error) {
	var resp struct {
		UserID string `json:"userId"`
	}
	if err := c.postJSON(ctx, "join", "/joinQuiz", map[string]string{"name": name, "sessionCode": code}, &resp); err != nil {
		return "", err
	}
	if resp.UserID == "" {
		return "", &domain.BackendError{Op: "join", Err: errors.New("response without userId")}
	}
	return resp.UserID, nil
}

func (c *Client) Leave(ctx context.Context, name, code, userID string) error {
	_, err := c.post(ctx, "leave", "/leaveQuiz", map[string]string{"name": name, "sessionCode": code, "userId": userID})
	return err
}

// savedAnswer is the answer shape the /save endpoint binds.
type savedAnswer struct {
	UserID         string           `json:"userId"`
	SessionCode    string           `json:"sessionCode"`
	Name           string           `json:"name"`
	Question       questionRef      `json:"question"`
	SelectedOption domain.OptionKey `json:"SelectedOption"`
	Correct        bool             `json:"isCorrect"`
}

type questionRef struct {
	ID string `json:"id"`
}

func (c *Client) SaveAnswers(ctx context.Context, answers []domain.Answer) error {
	body := make([]savedAnswer, len(answers))
	for i, a := range answers {
		body[i] = savedAnswer{
			UserID:         a.UserID,
			SessionCode:    a.SessionCode,
			Name:           a.Name,
			Question:       questionRef{ID: a.QuestionID},
			SelectedOption: a.SelectedOption,
			Correct:        a.Correct,
		}
	}
	_, err := c.post(ctx, "save answers", "/save", body)
	return err
}

func (c *Client) UserLeaderboard(ctx context.Context, code, name, userID string) (domain.UserStats, error) {
	var stats domain.UserStats
	err := c.postJSON(ctx, "user leaderboard", "/userLeaderboard/"+url.PathEscape(code), map[string]string{"name": name, "userId": userID}, &stats)
	return stats, err
}

func (c *Client) SessionSnapshot(ctx context.Context, code string) (domain.SessionSnapshot, error) {
	body, err := c.do(ctx, "session snapshot", http.MethodGet, "/snapshot/"+url.PathEscape(code), nil)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	var snap domain.SessionSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return domain.SessionSnapshot{}, &domain.BackendError{Op: "session snapshot", Body: string(body), Err: err}
	}
	if snap.SessionCode == "" {
		snap.SessionCode = code
	}
	return snap, nil
}

// HealthCheck pings the backend.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.do(ctx, "health check", http.MethodGet, "/healthCheck", nil)
	return err
}

func (c *Client) postJSON(ctx context.Context, op, endpoint string, in, out any) error {
	body, err := c.post(ctx, op, endpoint, in)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &domain.BackendError{Op: op, Body: string(body), Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, endpoint string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	return c.do(ctx, op, http.MethodPost, endpoint, body)
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	log.Debug().Str("method", method).Str("endpoint", endpoint).Msg("backend request")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &domain.BackendError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.BackendError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &domain.BackendError{Op: op, Status: resp.StatusCode, Body: string(responseBody), Err: domain.ErrSessionNotFound}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &domain.BackendError{Op: op, Status: resp.StatusCode, Body: string(responseBody)}
	}
	return responseBody, nil
}

// parseSessionCode accepts a bare code, a JSON string, or {"sessionCode": ...}.
func parseSessionCode(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	var code string
	switch {
	case len(trimmed) > 0 && trimmed[0] == '"':
		if err := json.Unmarshal(trimmed, &code); err != nil {
			return "", &domain.BackendError{Op: "start session", Body: string(body), Err: err}
		}
	case len(trimmed) > 0 && trimmed[0] == '{':
		var resp struct {
			SessionCode string `json:"sessionCode"`
		}
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return "", &domain.BackendError{Op: "start session", Body: string(body), Err: err}
		}
		code = resp.SessionCode
	default:
		code = string(trimmed)
	}
	return strings.TrimSpace(code), nil
}

// errorMarker reports whether raw holds anything other than absent, null or false.
func errorMarker(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != "false" && s != `""`
}

var _ app.Backend = (*Client)(nil)
