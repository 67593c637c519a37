package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/domain"
	"live-quiz-sync/internal/infra/memory"
	"live-quiz-sync/internal/session"
)

type gateway struct {
	host     *app.HostController
	registry *session.Registry
	server   *httptest.Server
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	bus := memory.NewBus()
	backend := memory.NewBackend(bus, nil)
	timer := app.NewTimerCoordinator(bus, nil, time.Hour)
	t.Cleanup(timer.Stop)
	registry := session.NewRegistry(session.RegistryHooks{})
	mirror := app.NewMirrorService(bus, registry, app.NewResyncer(backend, app.ResyncPolicy{MaxElapsedTime: 50 * time.Millisecond}))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", NewWSHandler(mirror).ServeWS)
	mux.HandleFunc("/healthz", Healthz)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &gateway{
		host:     app.NewHostController(backend, bus, timer, nil, app.HostOptions{}),
		registry: registry,
		server:   server,
	}
}

func (g *gateway) dial(t *testing.T, code string) *websocket.Conn {
	t.Helper()
	u := "ws" + g.server.URL[len("http"):] + "/ws?code=" + code
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketStreamsSessionViews(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	code, err := g.host.StartSession(ctx, domain.Host{Name: "Quizmaster"})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	conn := g.dial(t, code)
	initial := readState(t, conn, func(v session.View) bool { return true })
	if initial.SessionCode != code || initial.Phase != domain.PhaseNotStarted {
		t.Fatalf("unexpected initial view %+v", initial)
	}

	questions := []domain.Question{
		{Text: "2 + 2?", Option1: "3", Option2: "4", CorrectAnswer: domain.Option2, TimeLimit: 10},
		{Text: "Capital of France?", Option1: "Paris", Option2: "Rome", CorrectAnswer: domain.Option1},
	}
	if err := g.host.PublishQuiz(ctx, questions); err != nil {
		t.Fatalf("publish quiz: %v", err)
	}
	view := readState(t, conn, func(v session.View) bool { return v.QuestionCount == 2 })
	if view.Phase != domain.PhaseQuestion || view.Question == nil || view.Question.Text != "2 + 2?" {
		t.Fatalf("unexpected question view %+v", view)
	}

	if err := g.host.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	readState(t, conn, func(v session.View) bool { return v.CurrentIndex == 1 })
}

func TestWebSocketResyncRequest(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	code, err := g.host.StartSession(ctx, domain.Host{})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	conn := g.dial(t, code)
	readState(t, conn, func(v session.View) bool { return true })

	if err := conn.WriteJSON(map[string]string{"type": "resync"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	payload := readType(t, conn, "resync")
	var result resyncPayload
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("decode resync: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected resync to be accepted")
	}

	if err := conn.WriteJSON(map[string]string{"type": "answer"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readType(t, conn, "error")
}

func TestWebSocketReleasesSessionOnDisconnect(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	code, err := g.host.StartSession(ctx, domain.Host{})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	conn := g.dial(t, code)
	readState(t, conn, func(v session.View) bool { return true })
	if _, ok := g.registry.Get(code); !ok {
		t.Fatalf("expected session to be mirrored")
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := g.registry.Get(code); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session store still held after viewer left")
}

func TestWebSocketRequiresCode(t *testing.T) {
	g := newGateway(t)
	resp, err := http.Get(g.server.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	g := newGateway(t)
	resp, err := http.Get(g.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func readState(t *testing.T, conn *websocket.Conn, ok func(session.View) bool) session.View {
	t.Helper()
	for {
		payload := readType(t, conn, "state")
		var view session.View
		if err := json.Unmarshal(payload, &view); err != nil {
			t.Fatalf("decode view: %v", err)
		}
		if ok(view) {
			return view
		}
	}
}

// readType skips messages until one of the wanted type arrives.
func readType(t *testing.T, conn *websocket.Conn, want string) json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read %s: %v", want, err)
		}
		if msg.Type == want {
			return msg.Payload
		}
	}
}
