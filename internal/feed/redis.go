package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marketpulse/tickengine/internal/config"
	"github.com/marketpulse/tickengine/internal/engine"
	"github.com/marketpulse/tickengine/pkg/observability"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
)

// Message is the wire format published to the Redis channel: one
// externally observed price tick. Decoding this into an engine.Tick,
// and deciding what to do about a malformed message, is exactly the
// "transport layer" the core explicitly leaves to an external
// collaborator.
type Message struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// Subscriber reads Message values off a Redis Pub/Sub channel and
// enqueues the decoded Tick into an Engine. A circuit breaker wraps
// each message's decode-and-enqueue step, so repeated decode or enqueue
// failures trip it open and later messages are dropped until it
// half-opens; errors on the subscription connection itself do not pass
// through the breaker. This is a transport reliability concern,
// distinct from the engine's own drop-oldest backpressure policy.
type Subscriber struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	engine  *engine.Engine
	logger  *observability.Logger
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewSubscriber connects to cfg.RedisURL and prepares (but does not
// start) a subscription to cfg.Channel.
func NewSubscriber(cfg config.FeedConfig, eng *engine.Engine, logger *observability.Logger) (*Subscriber, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("feed: invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)

	settings := gobreaker.Settings{
		Name:        "tick-feed-" + cfg.Channel,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFails
		},
	}
	if logger != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "feed circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		}
	}

	return &Subscriber{
		client:  client,
		channel: cfg.Channel,
		engine:  eng,
		logger:  logger,
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
	}, nil
}

// Run subscribes to the configured channel and processes messages
// until ctx is canceled. It never returns an error for a single bad
// message — that is recorded and skipped — only for subscription setup
// failure or ctx cancellation.
func (s *Subscriber) Run(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("feed: redis unreachable: %w", err)
	}

	s.pubsub = s.client.Subscribe(ctx, s.channel)
	defer s.pubsub.Close()

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, msg.Payload)
		}
	}
}

// handle decodes one message and enqueues it, recording the outcome
// through the circuit breaker so sustained decode failure trips it
// open.
func (s *Subscriber) handle(ctx context.Context, payload string) {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.decodeAndEnqueue(payload)
	})
	if err != nil && s.logger != nil {
		s.logger.Warn(ctx, "feed message dropped", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Subscriber) decodeAndEnqueue(payload string) error {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return fmt.Errorf("decode tick message: %w", err)
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return fmt.Errorf("parse price %q: %w", msg.Price, err)
	}

	ts := time.UnixMilli(msg.TimestampMs)
	if msg.TimestampMs == 0 {
		ts = time.Now()
	}

	tick, err := engine.NewTick(msg.Symbol, price, ts)
	if err != nil {
		return fmt.Errorf("build tick: %w", err)
	}

	return s.engine.Enqueue(tick)
}

// Close releases the Redis client.
func (s *Subscriber) Close() error {
	return s.client.Close()
}
