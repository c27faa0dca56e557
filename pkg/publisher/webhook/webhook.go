// Package webhook publishes payloads as JSON POST requests.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tgrelay/pkg/config"
	"tgrelay/pkg/message"
	"tgrelay/pkg/publisher/failure"
)

const (
	publisherName   = "webhook"
	userAgent       = "tgrelay-webhook/1.0"
	signatureHeader = "X-Signature"
	signaturePrefix = "sha256="
	maxDrainBytes   = 64 << 10
)

// Publisher POSTs each payload to one configured URL. The URL is fixed at
// construction; an empty URL turns every publish into a logged no-op.
type Publisher struct {
	url     string
	secret  string
	headers map[string]string
	client  *http.Client
	log     *slog.Logger
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithHTTPClient overrides the HTTP client used for delivery.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		if client != nil {
			p.client = client
		}
	}
}

// New builds a webhook publisher. A zero timeout leaves the request unbounded
// apart from the caller's context.
func New(cfg config.WebhookConfig, log *slog.Logger, opts ...Option) *Publisher {
	if log == nil {
		log = slog.Default()
	}

	target := strings.TrimSpace(cfg.URL)
	p := &Publisher{
		url:     target,
		secret:  cfg.Secret,
		headers: cloneHeaders(cfg.Headers),
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		log:     log.With("component", "publisher.webhook", "target", redactURL(target)),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.url == "" {
		p.log.Warn("Webhook URL is empty; publisher will not send messages")
	}

	return p
}

// Name identifies the publisher in logs and metrics.
func (p *Publisher) Name() string {
	return publisherName
}

// Publish sends exactly one request. Non-2xx responses become
// *failure.StatusError; transport errors are returned as produced by the
// HTTP client.
func (p *Publisher) Publish(ctx context.Context, payload message.Payload) error {
	if p.url == "" {
		p.log.Warn("Webhook URL not configured; message skipped")
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return failure.Wrap(failure.CategoryEncode, "marshal webhook payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return failure.Wrap(failure.CategoryConfig, "create webhook request", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for key, value := range p.headers {
		req.Header.Set(key, value)
	}
	if p.secret != "" {
		req.Header.Set(signatureHeader, sign(p.secret, body))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Error("Error sending message", "error", err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &failure.StatusError{Code: resp.StatusCode}
		p.log.Error("Error sending message", "error", statusErr, "status", resp.StatusCode)
		return statusErr
	}

	p.log.Info("Message sent successfully", "status", resp.StatusCode, "at", time.Now().UTC().Format(time.RFC3339))
	return nil
}

// sign returns the hex HMAC-SHA256 of body, prefixed with the algorithm.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret. Receivers of
// tgrelay webhooks can use it to authenticate deliveries.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(sign(secret, body)), []byte(strings.TrimSpace(signature)))
}

func cloneHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}

	clone := make(map[string]string, len(headers))
	for key, value := range headers {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		clone[key] = value
	}
	return clone
}

// redactURL strips credentials and query strings, which commonly carry tokens.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	parsed.User = nil
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String()
}
