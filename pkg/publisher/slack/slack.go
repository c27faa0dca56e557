// Package slack publishes payload summaries to a Slack incoming webhook.
package slack

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"tgrelay/pkg/config"
	"tgrelay/pkg/message"
	"tgrelay/pkg/publisher/failure"

	"github.com/slack-go/slack"
)

const publisherName = "slack"

// Publisher posts one webhook message per payload.
type Publisher struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
	log        *slog.Logger
}

// New builds a Slack publisher. An empty webhook URL turns every publish
// into a logged no-op.
func New(cfg config.SlackConfig, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}

	p := &Publisher{
		webhookURL: strings.TrimSpace(cfg.WebhookURL),
		channel:    strings.TrimSpace(cfg.Channel),
		username:   strings.TrimSpace(cfg.Username),
		client:     &http.Client{},
		log:        log.With("component", "publisher.slack"),
	}
	if p.webhookURL == "" {
		p.log.Warn("Slack webhook URL is empty; publisher will not send messages")
	}

	return p
}

// Name identifies the publisher in logs and metrics.
func (p *Publisher) Name() string {
	return publisherName
}

// Publish posts exactly one webhook message.
func (p *Publisher) Publish(ctx context.Context, payload message.Payload) error {
	if p.webhookURL == "" {
		p.log.Warn("Slack webhook URL not configured; message skipped")
		return nil
	}

	err := slack.PostWebhookCustomHTTPContext(ctx, p.webhookURL, p.client, p.buildMessage(payload))
	if err != nil {
		p.log.Error("Error sending message", "error", err)
		return translateError(err)
	}

	p.log.Info("Message sent successfully")
	return nil
}

func (p *Publisher) buildMessage(payload message.Payload) *slack.WebhookMessage {
	fields := []slack.AttachmentField{
		{Title: "Timestamp", Value: strconv.FormatInt(payload.Timestamp, 10), Short: true},
		{Title: "Reply", Value: strconv.FormatBool(payload.IsReply), Short: true},
	}
	if chatID := payload.ChatIDOrEmpty(); chatID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Chat", Value: chatID, Short: true})
	}
	if payload.Image != nil {
		fields = append(fields, slack.AttachmentField{Title: "Image", Value: payload.Image.ID, Short: false})
	}

	return &slack.WebhookMessage{
		Channel:  p.channel,
		Username: p.username,
		Text:     message.Summary(payload),
		Attachments: []slack.Attachment{{
			Fallback: message.Summary(payload),
			Fields:   fields,
		}},
	}
}

// httpStatusCoder is implemented by slack.StatusCodeError.
type httpStatusCoder interface {
	HTTPStatusCode() int
}

// translateError maps Slack status failures onto the shared status error.
func translateError(err error) error {
	var coder httpStatusCoder
	if errors.As(err, &coder) {
		return &failure.StatusError{Code: coder.HTTPStatusCode()}
	}

	return failure.Wrap(failure.CategoryTransport, "", err)
}
