package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/domain"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBusDeliversEnvelopesByEventName(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	bus := NewBus(newClient(mr), BusOptions{})
	defer bus.Close()
	ctx := context.Background()
	channel := domain.LeaderboardChannel("ABC123")

	var (
		mu       sync.Mutex
		received []domain.Message
	)
	sub, err := bus.Subscribe(ctx, channel, domain.EventLeaderboardUpdate, func(m domain.Message) {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	final := true
	if err := bus.Publish(ctx, channel, domain.EventLeaderboardUpdate, domain.LeaderboardSnapshot{
		Entries: []domain.LeaderboardEntry{{UserID: "u1", Name: "Alice", Score: 2, Rank: 1}},
		Final:   &final,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// filtered out by event name
	_ = bus.Publish(ctx, channel, domain.EventTimerUpdate, domain.TimerTick{Remaining: 1})

	waitFor(t, "delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	mu.Lock()
	msg := received[0]
	mu.Unlock()
	if msg.ID == "" || msg.Channel != channel || msg.Name != domain.EventLeaderboardUpdate {
		t.Fatalf("unexpected envelope %+v", msg)
	}
	ev, err := domain.DecodeEvent(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	snap, ok := ev.(domain.LeaderboardSnapshot)
	if !ok || len(snap.Entries) != 1 || snap.Final == nil || !*snap.Final {
		t.Fatalf("unexpected event %+v", ev)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	waitFor(t, "server side unsubscribe", func() bool {
		return len(mr.PubSubChannels("")) == 0
	})
}

func TestBusReportsOutageAndRecovery(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	bus := NewBus(newClient(mr), BusOptions{PingInterval: 20 * time.Millisecond})
	defer bus.Close()
	if bus.State() != app.ConnConnected {
		t.Fatalf("expected connected, got %s", bus.State())
	}

	var (
		mu     sync.Mutex
		states []app.ConnState
	)
	cancel := bus.OnStateChange(func(s app.ConnState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	defer cancel()

	mr.Close()
	waitFor(t, "disconnect", func() bool { return bus.State() == app.ConnDisconnected })
	if err := mr.Restart(); err != nil {
		t.Fatalf("restart miniredis: %v", err)
	}
	waitFor(t, "reconnect", func() bool { return bus.State() == app.ConnConnected })

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 2 || states[0] != app.ConnDisconnected || states[len(states)-1] != app.ConnConnected {
		t.Fatalf("unexpected transitions %v", states)
	}
}

func TestBusResubscribeAfterDropReportsReconnect(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	// a fake clock keeps the ping monitor quiet, so only the pub/sub
	// connection notices the restart
	bus := NewBus(newClient(mr), BusOptions{Clock: clockwork.NewFakeClock()})
	defer bus.Close()
	ctx := context.Background()
	channels := []string{domain.UsersChannel("ABC123"), domain.TimerChannel("ABC123")}

	var (
		mu       sync.Mutex
		states   []app.ConnState
		received int
	)
	cancel := bus.OnStateChange(func(s app.ConnState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	defer cancel()
	for _, ch := range channels {
		if _, err := bus.Subscribe(ctx, ch, domain.AllEvents, func(domain.Message) {
			mu.Lock()
			received++
			mu.Unlock()
		}); err != nil {
			t.Fatalf("subscribe %s: %v", ch, err)
		}
	}

	mr.Close()
	if err := mr.Restart(); err != nil {
		t.Fatalf("restart miniredis: %v", err)
	}
	waitFor(t, "resubscribe", func() bool { return len(mr.PubSubChannels("")) == len(channels) })
	waitFor(t, "reconnect notification", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 2
	})

	mu.Lock()
	got := append([]app.ConnState(nil), states...)
	mu.Unlock()
	if len(got) != 2 || got[0] != app.ConnDisconnected || got[1] != app.ConnConnected {
		t.Fatalf("expected one disconnect/connect pair, got %v", got)
	}

	if err := bus.Publish(ctx, channels[1], domain.EventTimerUpdate, domain.TimerTick{Remaining: 3}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "delivery after reconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 1
	})
}

func TestBusResubscribesChannelReleasedConcurrently(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	bus := NewBus(newClient(mr), BusOptions{})
	defer bus.Close()
	ctx := context.Background()
	channel := domain.QuestionsChannel("ABC123")

	for i := 0; i < 25; i++ {
		old, err := bus.Subscribe(ctx, channel, domain.AllEvents, func(domain.Message) {})
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		released := make(chan error, 1)
		go func() { released <- old.Unsubscribe() }()

		delivered := make(chan struct{}, 1)
		next, err := bus.Subscribe(ctx, channel, domain.AllEvents, func(domain.Message) {
			select {
			case delivered <- struct{}{}:
			default:
			}
		})
		if err != nil {
			t.Fatalf("resubscribe %d: %v", i, err)
		}
		if err := <-released; err != nil {
			t.Fatalf("unsubscribe %d: %v", i, err)
		}

		waitFor(t, "server side subscription", func() bool { return len(mr.PubSubChannels(channel)) == 1 })
		if err := bus.Publish(ctx, channel, domain.EventNextQuestion, domain.QuestionAdvanced{Index: i}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		select {
		case <-delivered:
		case <-time.After(3 * time.Second):
			t.Fatalf("round %d: live subscriber missed the message", i)
		}
		if err := next.Unsubscribe(); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
}

func TestBusClosed(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	bus := NewBus(newClient(mr), BusOptions{})
	_ = bus.Close()
	_ = bus.Close()
	if err := bus.Publish(context.Background(), "quiz:users:ABC123", domain.EventJoinQuiz, domain.ParticipantJoined{}); err == nil {
		t.Fatalf("expected publish on closed bus to fail")
	}
	if bus.State() != app.ConnFailed {
		t.Fatalf("expected failed state, got %s", bus.State())
	}
}
