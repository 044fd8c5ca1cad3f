// this file deals with getting the state of the station out to observers
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/himanshub16/upnext-juggler/radio"
)

const (
	redisChannel        = "broadcast"
	redisPublishTimeout = 2 * time.Second
	redisBacklog        = 64
)

// fanout hands every message to each of its members in turn.
type fanout []radio.Broadcaster

func (f fanout) MessageClients(msg any) {
	for _, b := range f {
		b.MessageClients(msg)
	}
}

// RedisPublisher mirrors every snapshot onto a redis channel so other
// processes can follow the station. Publishing happens on its own
// goroutine; when redis falls behind, messages are dropped.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	log     zerolog.Logger

	queue chan []byte
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func NewRedisPublisher(redisURL string, logger zerolog.Logger) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return newRedisPublisher(redis.NewClient(opt), logger), nil
}

func newRedisPublisher(rdb *redis.Client, logger zerolog.Logger) *RedisPublisher {
	p := &RedisPublisher{
		rdb:     rdb,
		channel: redisChannel,
		log:     logger.With().Str("component", "redis").Logger(),
		queue:   make(chan []byte, redisBacklog),
		stop:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *RedisPublisher) MessageClients(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Error().Err(err).Msg("could not encode snapshot")
		return
	}
	select {
	case <-p.stop:
	case p.queue <- data:
	default:
		p.log.Warn().Msg("redis publisher backlog full, dropping snapshot")
	}
}

func (p *RedisPublisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case data := <-p.queue:
			ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
			if err := p.rdb.Publish(ctx, p.channel, string(data)).Err(); err != nil {
				p.log.Warn().Err(err).Msg("redis publish failed")
			}
			cancel()
		}
	}
}

func (p *RedisPublisher) Close() error {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
	return p.rdb.Close()
}
