// Package websocket publishes payloads as JSON text frames over a
// short-lived WebSocket connection.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tgrelay/pkg/config"
	"tgrelay/pkg/message"
	"tgrelay/pkg/publisher/failure"

	"github.com/gorilla/websocket"
)

const (
	publisherName           = "websocket"
	defaultHandshakeTimeout = 10 * time.Second
	closeGracePeriod        = time.Second
)

// Publisher dials the endpoint for every publish, writes one frame and
// closes. No connection is shared between concurrent dispatches.
type Publisher struct {
	url    string
	token  string
	dialer websocket.Dialer
	log    *slog.Logger
}

// New builds a WebSocket publisher. An empty URL turns every publish into a
// logged no-op.
func New(cfg config.WebSocketConfig, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}

	timeout := time.Duration(cfg.HandshakeTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	p := &Publisher{
		url:    strings.TrimSpace(cfg.URL),
		token:  strings.TrimSpace(cfg.Token),
		dialer: websocket.Dialer{HandshakeTimeout: timeout, Proxy: http.ProxyFromEnvironment},
		log:    log.With("component", "publisher.websocket"),
	}
	if p.url == "" {
		p.log.Warn("WebSocket URL is empty; publisher will not send messages")
	}

	return p
}

// Name identifies the publisher in logs and metrics.
func (p *Publisher) Name() string {
	return publisherName
}

// Publish performs one dial and one write.
func (p *Publisher) Publish(ctx context.Context, payload message.Payload) error {
	if p.url == "" {
		p.log.Warn("WebSocket URL not configured; message skipped")
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return failure.Wrap(failure.CategoryEncode, "marshal websocket payload", err)
	}

	header := http.Header{}
	if p.token != "" {
		header.Set("Authorization", "Bearer "+p.token)
	}

	conn, resp, err := p.dialer.DialContext(ctx, p.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return fmt.Errorf("websocket handshake: %w", &failure.StatusError{Code: resp.StatusCode})
		}
		return failure.Wrap(failure.CategoryTransport, "dial websocket", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		p.log.Error("Error writing websocket frame", "error", err)
		return failure.Wrap(failure.CategoryTransport, "write websocket frame", err)
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(closeGracePeriod))

	p.log.Info("Message sent successfully", "bytes", len(data))
	return nil
}
