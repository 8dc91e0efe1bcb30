package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/sentriapp/camera-control-plane/internal/api"
	"github.com/sentriapp/camera-control-plane/internal/config"
	"github.com/sentriapp/camera-control-plane/internal/database"
	"github.com/sentriapp/camera-control-plane/internal/events"
	"github.com/sentriapp/camera-control-plane/internal/publisher"
	"github.com/sentriapp/camera-control-plane/internal/relayclient"
	"github.com/sentriapp/camera-control-plane/internal/store"
	"github.com/sentriapp/camera-control-plane/internal/supervisor"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.MigrateUp(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect db")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("ping db")
	}

	st := store.New(pool)
	hub := events.NewHub(log)
	relay := relayclient.NewHTTPClient(cfg.RelayHTTPTimeout, log)
	runner := supervisor.NewFFmpegRunner(log)
	mgr := publisher.NewManager(cfg, st, relay, runner, hub, log)

	orphaned, err := mgr.ReconcileStartup(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("reconcile orphaned publications")
	}
	if orphaned > 0 {
		log.Warn().Int("count", orphaned).Msg("closed publications orphaned by previous shutdown")
	}

	handler := api.NewRouter(cfg, mgr, st, hub, log)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Remote registration plus relay spawn may take a while before
		// the start handler writes a response.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", cfg.ListenAddr).Msg("camera-control-plane listening")
	if err := serveUntilShutdown(ctx, srv, mgr, log); err != nil {
		log.Fatal().Err(err).Msg("http server")
	}
	log.Info().Msg("camera-control-plane stopped")
}

type publicationCloser interface {
	Shutdown(ctx context.Context)
}

// serveUntilShutdown runs the HTTP server until ctx is cancelled, then drains
// in-flight requests and finalizes every running publication before returning.
func serveUntilShutdown(ctx context.Context, srv *http.Server, mgr publicationCloser, log zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	mgr.Shutdown(shutdownCtx)
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
