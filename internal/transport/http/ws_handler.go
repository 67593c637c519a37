package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"live-quiz-sync/internal/session"
)

const writeWait = 10 * time.Second

// Mirror is the view feed the gateway streams from. app.MirrorService implements it.
type Mirror interface {
	Watch(ctx context.Context, code string) (<-chan session.View, func(), error)
	ResyncCode(ctx context.Context, code string) bool
}

// WSHandler streams the derived state of one session to read-only viewers.
type WSHandler struct {
	mirror   Mirror
	upgrader websocket.Upgrader
}

func NewWSHandler(mirror Mirror) *WSHandler {
	return &WSHandler{
		mirror: mirror,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type string `json:"type"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type resyncPayload struct {
	Accepted bool `json:"accepted"`
}

// ServeWS upgrades the request and sends a "state" message for every change
// of the session named by ?code=. Clients may send {"type":"resync"} to force
// a snapshot fetch.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("code")))
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("session_code", code).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancelCtx := context.WithCancel(r.Context())
	defer cancelCtx()

	views, cancel, err := h.mirror.Watch(ctx, code)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer cancel()
	log.Info().Str("session_code", code).Str("remote", r.RemoteAddr).Msg("viewer attached")

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	viewsDone := make(chan struct{})

	// Only this goroutine writes to conn.
	go func() {
		defer close(writerDone)
		for msg := range send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Str("session_code", code).Msg("ws write failed")
				cancelCtx()
				_ = conn.Close()
				// keep draining so producers never block
				for range send {
				}
				return
			}
		}
	}()

	go func() {
		defer close(viewsDone)
		for {
			select {
			case view, ok := <-views:
				if !ok {
					// store disposed underneath us; unblock the reader
					_ = conn.Close()
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "state", Payload: view}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		var reply outboundMessage[any]
		switch inbound.Type {
		case "resync":
			reply = outboundMessage[any]{Type: "resync", Payload: resyncPayload{Accepted: h.mirror.ResyncCode(ctx, code)}}
		default:
			reply = outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
		select {
		case send <- reply:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	close(closeSignals)
	<-viewsDone
	close(send)
	<-writerDone
	log.Info().Str("session_code", code).Msg("viewer detached")
}

// Healthz reports liveness for load balancers.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
