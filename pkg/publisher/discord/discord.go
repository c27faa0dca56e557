// Package discord publishes payload summaries through a Discord webhook.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"tgrelay/pkg/config"
	"tgrelay/pkg/message"
	"tgrelay/pkg/publisher/failure"

	"github.com/bwmarrin/discordgo"
)

const (
	publisherName   = "discord"
	maxContentRunes = 2000
)

// Publisher executes the configured webhook once per payload.
type Publisher struct {
	session  *discordgo.Session
	id       string
	token    string
	username string
	log      *slog.Logger
}

// New builds a Discord publisher. Rate-limit and 5xx retries built into
// discordgo are disabled so that each publish is a single attempt.
func New(cfg config.DiscordConfig, log *slog.Logger) (*Publisher, error) {
	if log == nil {
		log = slog.Default()
	}

	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("initialize discord session: %w", err)
	}
	session.MaxRestRetries = 0
	session.ShouldRetryOnRateLimit = false
	session.Client = &http.Client{}

	p := &Publisher{
		session:  session,
		id:       strings.TrimSpace(cfg.WebhookID),
		token:    strings.TrimSpace(cfg.WebhookToken),
		username: strings.TrimSpace(cfg.Username),
		log:      log.With("component", "publisher.discord"),
	}
	if p.id == "" || p.token == "" {
		p.log.Warn("Discord webhook id or token is empty; publisher will not send messages")
	}

	return p, nil
}

// Name identifies the publisher in logs and metrics.
func (p *Publisher) Name() string {
	return publisherName
}

// Publish executes the webhook exactly once.
func (p *Publisher) Publish(ctx context.Context, payload message.Payload) error {
	if p.id == "" || p.token == "" {
		p.log.Warn("Discord webhook not configured; message skipped")
		return nil
	}

	params := &discordgo.WebhookParams{
		Content:  truncate(message.Summary(payload), maxContentRunes),
		Username: p.username,
		Embeds:   []*discordgo.MessageEmbed{embedFor(payload)},
	}

	if _, err := p.session.WebhookExecute(p.id, p.token, false, params, discordgo.WithContext(ctx)); err != nil {
		p.log.Error("Error sending message", "error", err)
		return translateError(err)
	}

	p.log.Info("Message sent successfully")
	return nil
}

func embedFor(payload message.Payload) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Timestamp", Value: strconv.FormatInt(payload.Timestamp, 10), Inline: true},
		{Name: "Reply", Value: strconv.FormatBool(payload.IsReply), Inline: true},
	}
	if chatID := payload.ChatIDOrEmpty(); chatID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Chat", Value: chatID, Inline: true})
	}
	if payload.Image != nil {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Image", Value: payload.Image.ID})
	}

	return &discordgo.MessageEmbed{Title: "Telegram message", Fields: fields}
}

func translateError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return &failure.StatusError{Code: restErr.Response.StatusCode}
	}

	return failure.Wrap(failure.CategoryTransport, "", err)
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-3]) + "..."
}
