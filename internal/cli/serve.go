package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/config"
	infraredis "live-quiz-sync/internal/infra/redis"
	"live-quiz-sync/internal/session"
	transport "live-quiz-sync/internal/transport/http"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve live session views over WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), root.cfg)
		},
	}
}

func runServer(ctx context.Context, cfg config.Config) error {
	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	d, err := openDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var registry app.SessionRegistry
	if d.redis != nil {
		ttl := config.Duration(cfg.Bus.Redis.TTL, 10*time.Minute)
		shared := infraredis.NewSessionRegistry(d.redis, ttl)
		go touchLoop(ctx, shared, ttl/2)
		registry = shared
	} else {
		registry = session.NewRegistry(session.RegistryHooks{})
	}
	mirror := app.NewMirrorService(d.bus, registry, app.NewResyncer(d.backend, app.ResyncPolicy{}))
	wsHandler := transport.NewWSHandler(mirror)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", transport.Healthz)
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	origins := cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodOptions},
		AllowedOrigins: origins,
		AllowedHeaders: []string{"*"},
	})

	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:        ":" + port,
		Handler:     c.Handler(mux),
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", port).Str("bus", cfg.Bus.Driver).Msg("starting quiz view gateway")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("gateway stopped")
			cancel()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case <-stop:
		log.Info().Msg("shutting down gateway")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down gateway")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return server.Shutdown(shutdownCtx)
}

// touchLoop keeps the liveness markers of mirrored sessions from expiring.
func touchLoop(ctx context.Context, registry *infraredis.SessionRegistry, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := registry.Touch(ctx); err != nil {
				log.Warn().Err(err).Msg("refresh session markers")
			}
		}
	}
}
