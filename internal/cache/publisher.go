package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"crash/internal/game"
)

const (
	// LastCrashKey holds the most recent game_crash event.
	LastCrashKey = "crash:round:last"
	lastCrashTTL = 24 * time.Hour
	publishQueue = 1024
)

// Publisher relays engine events onto a Redis pub/sub channel so other
// processes can follow the game. Publish never blocks the engine; Run
// drains the queue.
type Publisher struct {
	client  *redis.Client
	channel string
	queue   chan game.Event
	log     *slog.Logger
}

func NewPublisher(client *redis.Client, channel string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:  client,
		channel: channel,
		queue:   make(chan game.Event, publishQueue),
		log:     logger.With("component", "cache"),
	}
}

func (p *Publisher) Publish(evt game.Event) {
	select {
	case p.queue <- evt:
	default:
		p.log.Warn("Publish queue full, dropping event", "type", evt.Type)
	}
}

// Run forwards queued events until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-p.queue:
			p.forward(ctx, evt)
		}
	}
}

func (p *Publisher) forward(ctx context.Context, evt game.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		p.log.Error("Failed to marshal event", "type", evt.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.channel, data)
	if evt.Type == game.EventRoundCrash {
		pipe.Set(ctx, LastCrashKey, data, lastCrashTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		p.log.Warn("Failed to publish event", "type", evt.Type, "error", err)
	}
}

// LastCrash returns the raw JSON of the latest game_crash event, or nil
// when none is cached.
func (p *Publisher) LastCrash(ctx context.Context) (json.RawMessage, error) {
	data, err := p.client.Get(ctx, LastCrashKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last crash: %w", err)
	}
	return data, nil
}
