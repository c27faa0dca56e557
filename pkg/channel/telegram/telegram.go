package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"tgrelay/pkg/channel"
	"tgrelay/pkg/config"
	"tgrelay/pkg/message"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const (
	channelName         = "telegram"
	messagePreviewLimit = 240
	startupNotice       = "Bot started and listening!"
)

var allowedUpdates = []string{"message", "channel_post"}

// Adapter receives Telegram updates by long polling and hands each incoming
// message to the relay as a message.Event.
type Adapter struct {
	cfg        config.TelegramConfig
	allowFrom  map[string]struct{}
	botOptions []telego.BotOption
	log        *slog.Logger

	mu  sync.RWMutex
	bot *telego.Bot

	connected atomic.Bool
	inflight  sync.WaitGroup
}

// Option customizes the underlying telego bot.
type Option func(*Adapter)

// WithBotOptions appends telego bot options, such as a custom HTTP client.
func WithBotOptions(opts ...telego.BotOption) Option {
	return func(a *Adapter) {
		a.botOptions = append(a.botOptions, opts...)
	}
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger, opts ...Option) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}
	cfg.Token = token

	if log == nil {
		log = slog.Default()
	}

	a := &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
	}
	if server := strings.TrimSpace(cfg.APIServer); server != "" {
		a.botOptions = append(a.botOptions, telego.WithAPIServer(server))
	}
	a.botOptions = append(a.botOptions, telego.WithDiscardLogger())
	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Name returns the channel identifier used in logs and health output.
func (a *Adapter) Name() string {
	return channelName
}

// Connected reports whether long polling is active.
func (a *Adapter) Connected() bool {
	return a.connected.Load()
}

// Health calls getMe against the Bot API.
func (a *Adapter) Health(ctx context.Context) error {
	a.mu.RLock()
	bot := a.bot
	a.mu.RUnlock()

	if bot == nil {
		return errors.New("telegram bot not started")
	}
	if _, err := bot.GetMe(ctx); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	return nil
}

// Run authenticates, starts long polling, and invokes handler for every
// incoming message until ctx is canceled. Handler calls run on their own
// goroutines; Run waits for them before returning.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	bot, err := telego.NewBot(a.cfg.Token, a.botOptions...)
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}

	a.mu.Lock()
	a.bot = bot
	a.mu.Unlock()

	updates, err := bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        a.cfg.PollTimeoutSeconds,
		AllowedUpdates: allowedUpdates,
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.connected.Store(true)
	defer func() {
		a.connected.Store(false)
		a.inflight.Wait()
	}()

	a.log.Info("Telegram channel started", "username", me.Username)
	a.notifyStarted(ctx, bot)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			msg := incomingMessage(update)
			if msg == nil {
				continue
			}

			if !a.messageAllowed(msg) {
				a.log.Debug("Ignoring message from unauthorized sender", "chat_id", msg.Chat.ID, "sender_id", senderID(msg))
				continue
			}

			event := toEvent(msg, a.log)
			a.log.Info("Received message",
				"chat_id", msg.Chat.ID,
				"update_id", update.UpdateID,
				"content", previewText(messageText(msg)),
			)

			a.inflight.Add(1)
			go a.deliver(ctx, handler, event)
		}
	}
}

func (a *Adapter) deliver(ctx context.Context, handler channel.Handler, event message.Event) {
	defer a.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("Message handler panicked", "panic", fmt.Sprint(r))
		}
	}()

	handler(ctx, event)
}

// notifyStarted posts the startup notice when notify_chat_id is set.
func (a *Adapter) notifyStarted(ctx context.Context, bot *telego.Bot) {
	if a.cfg.NotifyChatID == 0 {
		return
	}

	if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(a.cfg.NotifyChatID), startupNotice)); err != nil {
		a.log.Warn("Failed to send startup notice", "chat_id", a.cfg.NotifyChatID, "error", err)
	}
}

// incomingMessage picks the message carried by an update, if any.
func incomingMessage(update telego.Update) *telego.Message {
	if update.Message != nil {
		return update.Message
	}
	return update.ChannelPost
}

// toEvent converts a Bot API message into the relay's inbound event.
func toEvent(msg *telego.Message, log *slog.Logger) message.Event {
	event := message.Event{Date: msg.Date}

	if text := messageText(msg); text != "" {
		event.Text = &text
	}

	chatID := msg.Chat.ID
	event.ChatID = &chatID

	if msg.ReplyToMessage != nil {
		replyID := int64(msg.ReplyToMessage.MessageID)
		event.ReplyToMsgID = &replyID
	}

	event.Photo = photoFrom(msg.Photo, log)
	return event
}

// photoFrom maps the largest photo size to the event photo. The raw field
// keeps every size as delivered.
func photoFrom(sizes []telego.PhotoSize, log *slog.Logger) *message.Photo {
	if len(sizes) == 0 {
		return nil
	}

	largest := sizes[0]
	for _, size := range sizes[1:] {
		if size.Width*size.Height > largest.Width*largest.Height {
			largest = size
		}
	}

	photo := &message.Photo{ID: largest.FileID}
	if largest.FileUniqueID != "" {
		uniqueID := largest.FileUniqueID
		photo.AccessHash = &uniqueID
	}

	raw, err := json.Marshal(sizes)
	if err != nil {
		if log != nil {
			log.Debug("Photo sizes could not be encoded", "error", err)
		}
		return photo
	}
	photo.Raw = raw

	return photo
}

// messageText returns the text, falling back to a media caption.
func messageText(msg *telego.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func senderID(msg *telego.Message) string {
	if msg.From == nil {
		return ""
	}
	return strconv.FormatInt(msg.From.ID, 10)
}

// messageAllowed checks the sender and chat against allow_from.
//
// When no allow list is configured, all messages are accepted.
func (a *Adapter) messageAllowed(msg *telego.Message) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	if sender := senderID(msg); sender != "" {
		if _, ok := a.allowFrom[sender]; ok {
			return true
		}
	}

	_, ok := a.allowFrom[strconv.FormatInt(msg.Chat.ID, 10)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if len(runes) <= messagePreviewLimit {
		return trimmed
	}

	return string(runes[:messagePreviewLimit]) + "..."
}
