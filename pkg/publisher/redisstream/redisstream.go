// Package redisstream publishes payloads onto a Redis stream with XADD.
package redisstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"tgrelay/pkg/config"
	"tgrelay/pkg/message"
	"tgrelay/pkg/publisher/failure"

	"github.com/redis/go-redis/v9"
)

const publisherName = "redis"

// streamClient is the subset of *redis.Client used by the publisher.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// Publisher appends one stream entry per payload.
type Publisher struct {
	client streamClient
	stream string
	maxLen int64
	log    *slog.Logger
}

// New builds a stream publisher. The Redis connection is established lazily
// on first publish; an empty address turns every publish into a no-op.
func New(cfg config.RedisConfig, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}

	p := &Publisher{
		stream: strings.TrimSpace(cfg.Stream),
		maxLen: cfg.MaxLen,
		log:    log.With("component", "publisher.redis", "stream", cfg.Stream),
	}

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		p.log.Warn("Redis address is empty; publisher will not send messages")
		return p
	}

	p.client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return p
}

func newWithClient(client streamClient, stream string, maxLen int64, log *slog.Logger) *Publisher {
	return &Publisher{client: client, stream: stream, maxLen: maxLen, log: log}
}

// Name identifies the publisher in logs and metrics.
func (p *Publisher) Name() string {
	return publisherName
}

// Publish issues exactly one XADD.
func (p *Publisher) Publish(ctx context.Context, payload message.Payload) error {
	if p.client == nil {
		p.log.Warn("Redis address not configured; message skipped")
		return nil
	}
	if p.stream == "" {
		return failure.New(failure.CategoryConfig, "redis stream name is empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return failure.Wrap(failure.CategoryEncode, "marshal redis payload", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"type":    payload.Type,
			"chat_id": payload.ChatIDOrEmpty(),
			"payload": string(body),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		p.log.Error("Error appending message to stream", "error", err)
		return failure.Wrap(failure.CategoryTransport, "", err)
	}

	p.log.Info("Message appended to stream", "entry_id", id)
	return nil
}

// Close releases the Redis connection pool.
func (p *Publisher) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}
