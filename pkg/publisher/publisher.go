// Package publisher defines the outbound sink contract and assembles the
// configured sinks in a fixed order.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"tgrelay/pkg/config"
	"tgrelay/pkg/message"
	"tgrelay/pkg/publisher/discord"
	"tgrelay/pkg/publisher/redisstream"
	"tgrelay/pkg/publisher/slack"
	"tgrelay/pkg/publisher/webhook"
	"tgrelay/pkg/publisher/websocket"
)

// Publisher delivers one normalized payload to one destination.
//
// Implementations make a single attempt per call and must be safe for
// concurrent use. A publisher without a target returns nil without I/O.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, payload message.Payload) error
}

// Build constructs publishers in order: webhook, extra webhooks, redis,
// websocket, slack, discord. The primary webhook is always present so an
// unset URL is logged and skipped per message.
func Build(cfg config.PublishersConfig, log *slog.Logger) ([]Publisher, error) {
	if log == nil {
		log = slog.Default()
	}

	publishers := []Publisher{webhook.New(cfg.Webhook, log)}
	for _, extra := range cfg.Webhooks {
		publishers = append(publishers, webhook.New(extra, log))
	}

	if cfg.Redis.Enabled {
		publishers = append(publishers, redisstream.New(cfg.Redis, log))
	}
	if cfg.WebSocket.Enabled {
		publishers = append(publishers, websocket.New(cfg.WebSocket, log))
	}
	if cfg.Slack.Enabled {
		publishers = append(publishers, slack.New(cfg.Slack, log))
	}
	if cfg.Discord.Enabled {
		d, err := discord.New(cfg.Discord, log)
		if err != nil {
			_ = CloseAll(publishers)
			return nil, fmt.Errorf("build discord publisher: %w", err)
		}
		publishers = append(publishers, d)
	}

	return publishers, nil
}

// Names lists publisher names in dispatch order.
func Names(publishers []Publisher) []string {
	names := make([]string, 0, len(publishers))
	for _, p := range publishers {
		names = append(names, p.Name())
	}
	return names
}

// CloseAll releases publishers that hold connections.
func CloseAll(publishers []Publisher) error {
	var errs []error
	for _, p := range publishers {
		closer, ok := p.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s publisher: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
