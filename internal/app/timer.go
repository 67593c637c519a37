package app

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"live-quiz-sync/internal/domain"
)

// TimerCoordinator counts down the active question of one session and
// publishes a tick per interval, then a single expiry.
type TimerCoordinator struct {
	bus      MessageBus
	clock    clockwork.Clock
	interval time.Duration

	mu  sync.Mutex
	run *timerRun
}

type timerRun struct {
	code   string
	index  int
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTimerCoordinator(bus MessageBus, clock clockwork.Clock, interval time.Duration) *TimerCoordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &TimerCoordinator{bus: bus, clock: clock, interval: interval}
}

// Start begins the countdown for (code, index). A run for another question is
// cancelled and awaited first; a run already active for the same question is kept.
func (t *TimerCoordinator) Start(code string, index, seconds int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r := t.run; r != nil {
		if r.code == code && r.index == index && !r.finished() {
			log.Debug().Str("session_code", code).Int("question_index", index).Msg("timer already running")
			return
		}
		r.cancel()
		<-r.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &timerRun{code: code, index: index, cancel: cancel, done: make(chan struct{})}
	t.run = run
	go t.countdown(ctx, run, seconds)
}

// Stop cancels the active run, if any, and waits for it to exit.
func (t *TimerCoordinator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run == nil {
		return
	}
	t.run.cancel()
	<-t.run.done
	t.run = nil
}

// Active reports the question currently counting down.
func (t *TimerCoordinator) Active() (code string, index int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run == nil || t.run.finished() {
		return "", 0, false
	}
	return t.run.code, t.run.index, true
}

func (r *timerRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (t *TimerCoordinator) countdown(ctx context.Context, run *timerRun, seconds int) {
	defer close(run.done)
	channel := domain.TimerChannel(run.code)

	for remaining := seconds; ; remaining-- {
		if ctx.Err() != nil {
			return
		}
		tick := domain.TimerTick{SessionCode: run.code, QuestionIndex: run.index, Remaining: remaining}
		if err := t.bus.Publish(ctx, channel, domain.EventTimerUpdate, tick); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("session_code", run.code).Int("question_index", run.index).Msg("publish timer tick")
		}
		if remaining <= 0 {
			break
		}

		timer := t.clock.NewTimer(t.interval)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			stopAndDrainTimer(timer)
			log.Debug().Str("session_code", run.code).Int("question_index", run.index).Msg("timer cancelled")
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	expired := domain.TimerExpired{SessionCode: run.code, QuestionIndex: run.index}
	if err := t.bus.Publish(ctx, channel, domain.EventTimeUp, expired); err != nil {
		log.Warn().Err(err).Str("session_code", run.code).Int("question_index", run.index).Msg("publish time up")
		return
	}
	log.Debug().Str("session_code", run.code).Int("question_index", run.index).Msg("question time up")
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
