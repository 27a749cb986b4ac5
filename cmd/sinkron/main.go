package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/sinkron/sinkron/internal/auth"
	"github.com/sinkron/sinkron/internal/channels"
	"github.com/sinkron/sinkron/internal/config"
	"github.com/sinkron/sinkron/internal/db"
	"github.com/sinkron/sinkron/internal/engine"
	"github.com/sinkron/sinkron/internal/groups"
	"github.com/sinkron/sinkron/internal/httpapi"
	"github.com/sinkron/sinkron/internal/store"
)

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.With().Str("service", "sinkron").Logger()
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Open(ctx, cfg.DB.ConnString())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	st := store.NewPostgres(pool)
	groupsAPI := groups.New(st)
	root := engine.New(st, groupsAPI, engine.Options{
		MsgRate:        cfg.MsgRate,
		MsgBurst:       cfg.MsgBurst,
		MaxMessageSize: cfg.MaxMessageSize,
	})
	defer root.Close()

	srv := &httpapi.Server{
		Cfg:      cfg,
		Store:    st,
		Engine:   root,
		Groups:   groupsAPI,
		Channels: channels.NewHub(),
		Auth: &auth.Resolver{
			AuthURL:   cfg.SyncAuthURL,
			JWTSecret: cfg.SyncAuthJWTSecret,
		},
	}

	httpServer := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     srv.Routes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout: /sync and /channels hijack the connection and
		// manage their own deadlines.
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr()).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	log.Info().Msg("server stopped")
}
