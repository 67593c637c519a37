package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/config"
	"live-quiz-sync/internal/infra/backend"
	"live-quiz-sync/internal/infra/file"
	"live-quiz-sync/internal/infra/memory"
	"live-quiz-sync/internal/infra/natsbus"
	"live-quiz-sync/internal/infra/postgres"
	infraredis "live-quiz-sync/internal/infra/redis"
)

// deps holds the adapters chosen by configuration. close releases them in reverse order.
type deps struct {
	cfg     config.Config
	bus     app.MessageBus
	backend app.Backend
	redis   *redis.Client
	pool    *pgxpool.Pool
	closers []func() error
}

func openDeps(ctx context.Context, cfg config.Config) (*deps, error) {
	d := &deps{cfg: cfg}
	if cfg.Bus.Redis.Addr != "" {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Bus.Redis.Addr,
			Password: cfg.Bus.Redis.Password,
			DB:       cfg.Bus.Redis.DB,
		})
		d.closers = append(d.closers, d.redis.Close)
	}

	bus, err := d.openBus()
	if err != nil {
		d.close()
		return nil, err
	}
	d.bus = bus

	if cfg.Backend.URL != "" {
		d.backend = backend.NewClient(cfg.Backend.URL, config.Duration(cfg.Backend.Timeout, 10*time.Second))
	} else {
		log.Warn().Msg("no backend url configured, using the in-process backend")
		d.backend = memory.NewBackend(d.bus, nil)
	}

	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		d.pool = pool
		d.closers = append(d.closers, func() error { pool.Close(); return nil })
	}
	return d, nil
}

func (d *deps) openBus() (app.MessageBus, error) {
	switch d.cfg.Bus.Driver {
	case "", "memory":
		log.Warn().Msg("in-process message bus: only sessions hosted by this process can be joined, use the redis or nats driver across processes")
		bus := memory.NewBus()
		d.closers = append(d.closers, bus.Close)
		return bus, nil
	case "redis":
		if d.redis == nil {
			return nil, errors.New("bus.redis.addr is required for the redis bus")
		}
		bus := infraredis.NewBus(d.redis, infraredis.BusOptions{
			PingInterval: config.Duration(d.cfg.Bus.Redis.PingInterval, 2*time.Second),
		})
		d.closers = append(d.closers, bus.Close)
		return bus, nil
	case "nats":
		natsCfg := natsbus.DefaultConfig()
		natsCfg.URL = d.cfg.Bus.NATS.URL
		if d.cfg.Bus.NATS.Name != "" {
			natsCfg.Name = d.cfg.Bus.NATS.Name
		}
		natsCfg.MaxReconnects = d.cfg.Bus.NATS.MaxReconnects
		natsCfg.ReconnectWait = config.Duration(d.cfg.Bus.NATS.ReconnectWait, natsCfg.ReconnectWait)
		bus, err := natsbus.Connect(natsCfg)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, bus.Close)
		return bus, nil
	}
	return nil, fmt.Errorf("unknown bus driver %q", d.cfg.Bus.Driver)
}

// localStore picks where the client identity is persisted.
func (d *deps) localStore() (app.LocalStore, error) {
	switch d.cfg.Local.Driver {
	case "memory":
		return memory.NewLocalStore(), nil
	case "redis":
		if d.redis == nil {
			return nil, errors.New("bus.redis.addr is required for the redis local store")
		}
		return infraredis.NewLocalStore(d.redis, d.clientID(), config.Duration(d.cfg.Bus.Redis.TTL, 24*time.Hour)), nil
	case "", "file":
		return file.NewLocalStore(d.cfg.Local.Path), nil
	}
	return nil, fmt.Errorf("unknown local driver %q", d.cfg.Local.Driver)
}

func (d *deps) clientID() string {
	if d.cfg.Local.ClientID != "" {
		return d.cfg.Local.ClientID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// quizSource returns the question bank (Postgres when configured, otherwise
// quiz.dir) behind a cache.
func (d *deps) quizSource() (app.QuizSource, error) {
	var source app.QuizSource
	switch {
	case d.pool != nil:
		source = postgres.NewQuestionBank(d.pool)
	case d.cfg.Quiz.Dir != "":
		source = file.NewDirSource(d.cfg.Quiz.Dir)
	default:
		return nil, errors.New("no question bank configured: set postgres.url or quiz.dir")
	}
	ttl := config.Duration(d.cfg.Quiz.TTL, 10*time.Minute)
	if d.redis != nil {
		return infraredis.NewQuizRepository(d.redis, source, ttl), nil
	}
	return memory.NewQuizRepository(source, ttl), nil
}

func (d *deps) timer() *app.TimerCoordinator {
	return app.NewTimerCoordinator(d.bus, nil, config.Duration(d.cfg.Timer.Interval, time.Second))
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Debug().Err(err).Msg("release dependency")
		}
	}
	d.closers = nil
}
