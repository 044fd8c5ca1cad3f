package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/himanshub16/upnext-juggler/hub"
	"github.com/himanshub16/upnext-juggler/player"
	"github.com/himanshub16/upnext-juggler/radio"
)

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := newLogger(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("juggler stopped")
	}
}

func run(cfg Config, logger zerolog.Logger) error {
	var (
		historyRepo HistoryRepository
		youtube     *YoutubeClient
		err         error
	)

	if cfg.DBURL != "" {
		if historyRepo, err = NewHistoryRepository(cfg.DBURL); err != nil {
			return err
		}
		logger.Info().Msg("recording play history")
	}
	if cfg.YoutubeAPIKey != "" {
		youtube = NewYoutubeClient(cfg.YoutubeAPIKey)
	}
	if cfg.JWTSecret == "secret" {
		logger.Warn().Msg("JWT_SECRET is not set, tokens are signed with the default secret")
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return fmt.Errorf("upload dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service := NewService(historyRepo, youtube, cfg.UploadDir, logger)
	defer service.close()

	clients := hub.New(hub.Options{
		Logger:    logger,
		Welcome:   func() any { return service.Queue() },
		OnMessage: socketMessageHandler(service),
	})
	go clients.Run(ctx)
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "juggler",
		Name:      "listeners",
		Help:      "Connected websocket clients.",
	}, func() float64 { return float64(clients.Clients()) }))

	broadcasters := fanout{clients}
	if cfg.RedisURL != "" {
		publisher, err := NewRedisPublisher(cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		broadcasters = append(broadcasters, publisher)
	}

	engine := player.New(player.Config{
		Binary:      cfg.MPVPath,
		Socket:      cfg.MPVSocket,
		FallbackURL: cfg.FallbackURL,
		FallbackDir: cfg.FallbackDir,
		Logger:      logger,
	})
	if err := engine.Start(ctx); err != nil {
		return err
	}

	station := radio.NewRadio(engine, broadcasters, radio.Options{
		Logger:           logger,
		ParentWait:       cfg.ParentWait,
		ProgressInterval: cfg.ProgressInterval,
		Workers:          cfg.SubmitWorkers,
		Metrics:          radio.NewMetrics(prometheus.DefaultRegisterer),
		OnRetire:         service.RecordRetirement,
	})
	// stops before service.close runs, so every retirement gets recorded
	defer station.Stop()
	service.attach(station)
	station.Start()

	e := NewHTTPRouter(service, clients, cfg.JWTSecret)
	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := e.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serverErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := e.Shutdown(shutdownCtx); serr != nil {
		logger.Warn().Err(serr).Msg("http shutdown")
	}
	logger.Info().Msg("shutting down")
	return err
}
