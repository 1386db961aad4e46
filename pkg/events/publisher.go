package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/penf-capture/pkg/logging"
)

// DefaultChannelPrefix is prepended to the event type to form the Redis channel.
const DefaultChannelPrefix = "events.capture"

// RedisPublisher publishes capture events to Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	logger logging.Logger
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Address       string
	Password      string
	DB            int
	ChannelPrefix string
}

// NewRedisPublisher creates a publisher on an existing client.
func NewRedisPublisher(client *redis.Client, prefix string, logger logging.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{
		client: client,
		prefix: prefix,
		logger: logger.With(logging.F("component", "event_publisher")),
	}
}

// NewRedisPublisherFromConfig creates a publisher with a new Redis connection.
func NewRedisPublisherFromConfig(ctx context.Context, cfg RedisConfig, logger logging.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Address, err)
	}

	return NewRedisPublisher(client, cfg.ChannelPrefix, logger), nil
}

// Channel returns the Redis channel for an event type.
func (p *RedisPublisher) Channel(t Type) string {
	return p.prefix + "." + string(t)
}

// Publish marshals ev and publishes it on its channel.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", ev.EventType, err)
	}

	channel := p.Channel(ev.EventType)
	if err := p.client.Publish(ctx, channel, string(data)).Err(); err != nil {
		p.logger.Warn("Publishing event failed",
			logging.F("channel", channel),
			logging.F("meeting_id", ev.MeetingID),
			logging.Err(err),
		)
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}

	p.logger.Debug("Published event",
		logging.F("channel", channel),
		logging.F("event_id", ev.EventID),
		logging.F("meeting_id", ev.MeetingID),
	)
	return nil
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// LogPublisher writes events to the log. Used when no other listener is configured.
type LogPublisher struct {
	logger logging.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger logging.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With(logging.F("component", "events"))}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.logger.Info(string(ev.EventType),
		logging.F("meeting_id", ev.MeetingID),
		logging.F("session_id", ev.SessionID),
		logging.F("payload", ev.Payload),
	)
	return nil
}
