// relay_service follows a station through the snapshots it publishes on
// redis and serves them to websocket listeners from a separate process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/himanshub16/upnext-juggler/hub"
	"github.com/himanshub16/upnext-juggler/radio"
)

type RelayService struct {
	rdb     *redis.Client
	channel string
	clients *hub.Hub
	log     zerolog.Logger

	mu   sync.Mutex
	last json.RawMessage
}

func NewRelayService(rdb *redis.Client, channel string, logger zerolog.Logger) *RelayService {
	s := &RelayService{
		rdb:     rdb,
		channel: channel,
		log:     logger.With().Str("component", "relay").Logger(),
	}
	// listeners only watch, nothing they send is acted upon
	s.clients = hub.New(hub.Options{
		Logger:  logger,
		Welcome: s.welcome,
	})
	return s
}

// Run forwards published snapshots until ctx ends or the subscription
// breaks.
func (s *RelayService) Run(ctx context.Context) error {
	go s.clients.Run(ctx)

	sub := s.rdb.Subscribe(ctx, s.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.log.Info().Str("channel", s.channel).Msg("following station")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}
			s.forward([]byte(msg.Payload))
		}
	}
}

func (s *RelayService) forward(payload []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		s.log.Warn().Err(err).Msg("ignoring malformed snapshot")
		return
	}
	// progress is too short lived to greet anyone with
	if head.Type != radio.SnapshotProgress {
		s.mu.Lock()
		s.last = json.RawMessage(payload)
		s.mu.Unlock()
	}
	s.clients.MessageClients(json.RawMessage(payload))
}

func (s *RelayService) welcome() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return radio.Snapshot{Type: radio.SnapshotList}
	}
	return s.last
}

func (s *RelayService) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"message":   "Relay is up and running!",
		"listeners": s.clients.Clients(),
	})
}

func (s *RelayService) websocketHandler(w http.ResponseWriter, r *http.Request) {
	addr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		addr = r.RemoteAddr
	}
	if err := s.clients.ServeWS(w, r, addr, r.URL.Query().Get("nick")); err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
	}
}

func (s *RelayService) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ws", s.websocketHandler)
	return mux
}

func main() {
	defaultRedis := os.Getenv("REDIS_URL")
	if defaultRedis == "" {
		defaultRedis = "redis://localhost:6379/0"
	}
	addr := flag.String("addr", ":3001", "http listen address")
	redisURL := flag.String("redis-url", defaultRedis, "redis the station publishes to")
	channel := flag.String("channel", "broadcast", "redis channel carrying snapshots")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	opt, err := redis.ParseURL(*redisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("bad redis url")
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay := NewRelayService(rdb, *channel, logger)
	srv := &http.Server{Addr: *addr, Handler: relay.Handler()}
	go func() {
		logger.Info().Str("addr", *addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	if err := relay.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("relay stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
