package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"tgrelay/pkg/config"
	"tgrelay/pkg/logger"
	"tgrelay/pkg/message"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/require"
)

var testToken = "123456789:" + strings.Repeat("A", 35)

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("allowFromSet len = %d, want 2", len(allowed))
	}
	if _, ok := allowed["123"]; !ok {
		t.Fatal("allowFromSet missing 123")
	}
	if _, ok := allowed["456"]; !ok {
		t.Fatal("allowFromSet missing 456")
	}
	if allowFromSet([]string{" ", ""}) != nil {
		t.Fatal("allowFromSet of blanks should be nil")
	}
}

func TestMessageAllowed(t *testing.T) {
	adapter := &Adapter{allowFrom: map[string]struct{}{"1": {}, "-100": {}}}

	tests := []struct {
		name string
		msg  *telego.Message
		want bool
	}{
		{name: "allowed sender", msg: &telego.Message{From: &telego.User{ID: 1}, Chat: telego.Chat{ID: 5}}, want: true},
		{name: "denied sender", msg: &telego.Message{From: &telego.User{ID: 2}, Chat: telego.Chat{ID: 5}}, want: false},
		{name: "allowed channel", msg: &telego.Message{Chat: telego.Chat{ID: -100}}, want: true},
		{name: "unknown channel", msg: &telego.Message{Chat: telego.Chat{ID: -200}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := adapter.messageAllowed(tt.msg); got != tt.want {
				t.Fatalf("messageAllowed = %v, want %v", got, tt.want)
			}
		})
	}

	adapter.allowFrom = nil
	if !adapter.messageAllowed(&telego.Message{Chat: telego.Chat{ID: 9}}) {
		t.Fatal("expected message to be allowed when allowlist empty")
	}
}

func TestPreviewText(t *testing.T) {
	short := " hello "
	if got := previewText(short); got != "hello" {
		t.Fatalf("previewText short = %q, want %q", got, "hello")
	}

	long := strings.Repeat("a", messagePreviewLimit+20)
	got := previewText(long)
	if len(got) != messagePreviewLimit+3 {
		t.Fatalf("previewText long len = %d, want %d", len(got), messagePreviewLimit+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q, want ellipsis suffix", got)
	}
}

func TestPreviewTextKeepsRunesIntact(t *testing.T) {
	long := strings.Repeat("привет👋", messagePreviewLimit)
	got := previewText(long)

	if !utf8.ValidString(got) {
		t.Fatalf("previewText produced invalid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != messagePreviewLimit+3 {
		t.Fatalf("previewText rune count = %d, want %d", n, messagePreviewLimit+3)
	}

	short := "Привет, мир"
	if got := previewText(short); got != short {
		t.Fatalf("previewText short = %q, want %q", got, short)
	}
}

func TestToEventTextMessage(t *testing.T) {
	event := toEvent(&telego.Message{
		MessageID: 7,
		Date:      1700000000,
		Chat:      telego.Chat{ID: 12345},
		Text:      "hello",
	}, nil)

	if event.Text == nil || *event.Text != "hello" {
		t.Fatalf("text = %v, want hello", event.Text)
	}
	if event.ChatID == nil || *event.ChatID != 12345 {
		t.Fatalf("chat id = %v, want 12345", event.ChatID)
	}
	if event.Date != 1700000000 {
		t.Fatalf("date = %d", event.Date)
	}
	if event.ReplyToMsgID != nil {
		t.Fatalf("reply = %v, want nil", *event.ReplyToMsgID)
	}
	if event.Photo != nil {
		t.Fatalf("photo = %+v, want nil", event.Photo)
	}
}

func TestToEventPhotoReplyWithCaption(t *testing.T) {
	event := toEvent(&telego.Message{
		Chat:           telego.Chat{ID: 1},
		Caption:        "look",
		ReplyToMessage: &telego.Message{MessageID: 99},
		Photo: []telego.PhotoSize{
			{FileID: "small", FileUniqueID: "u-small", Width: 90, Height: 90},
			{FileID: "large", FileUniqueID: "u-large", Width: 1280, Height: 960},
			{FileID: "medium", FileUniqueID: "u-medium", Width: 320, Height: 240},
		},
	}, logger.Discard())

	require.NotNil(t, event.Text)
	require.Equal(t, "look", *event.Text)
	require.NotNil(t, event.ReplyToMsgID)
	require.Equal(t, int64(99), *event.ReplyToMsgID)

	require.NotNil(t, event.Photo)
	require.Equal(t, "large", event.Photo.ID)
	require.NotNil(t, event.Photo.AccessHash)
	require.Equal(t, "u-large", *event.Photo.AccessHash)

	var sizes []map[string]any
	require.NoError(t, json.Unmarshal(event.Photo.Raw, &sizes))
	require.Len(t, sizes, 3)

	payload := message.Normalize(event, nil)
	require.True(t, payload.IsReply)
	require.Equal(t, "large", payload.Image.ID)
	require.JSONEq(t, string(event.Photo.Raw), string(payload.Photo))
}

func TestIncomingMessage(t *testing.T) {
	msg := &telego.Message{Text: "m"}
	post := &telego.Message{Text: "p"}

	require.Same(t, msg, incomingMessage(telego.Update{Message: msg, ChannelPost: post}))
	require.Same(t, post, incomingMessage(telego.Update{ChannelPost: post}))
	require.Nil(t, incomingMessage(telego.Update{}))
}

func TestNewAdapterRequiresToken(t *testing.T) {
	_, err := NewAdapter(config.TelegramConfig{Token: "  "}, logger.Discard())
	require.Error(t, err)
}

func TestHealthBeforeRun(t *testing.T) {
	adapter, err := NewAdapter(config.TelegramConfig{Token: testToken}, logger.Discard())
	require.NoError(t, err)
	require.False(t, adapter.Connected())
	require.Error(t, adapter.Health(context.Background()))
}

// fakeBotAPI serves the handful of Bot API methods the adapter calls.
type fakeBotAPI struct {
	mu       sync.Mutex
	sent     []string
	updates  []json.RawMessage
	getMeErr atomic.Bool
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")

	switch method {
	case "getMe":
		if f.getMeErr.Load() {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"relay","username":"relay_bot"}}`))
	case "getUpdates":
		f.mu.Lock()
		pending := f.updates
		f.updates = nil
		f.mu.Unlock()

		if len(pending) == 0 {
			time.Sleep(20 * time.Millisecond)
		}
		result, _ := json.Marshal(pending)
		if len(pending) == 0 {
			result = []byte("[]")
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":` + string(result) + `}`))
	case "sendMessage":
		f.mu.Lock()
		f.sent = append(f.sent, string(body))
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
	}
}

func (f *fakeBotAPI) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestRunDeliversUpdatesAndTracksConnection(t *testing.T) {
	api := &fakeBotAPI{updates: []json.RawMessage{
		json.RawMessage(`{"update_id":1,"message":{"message_id":10,"date":1700000000,"chat":{"id":12345,"type":"private"},"from":{"id":5,"is_bot":false,"first_name":"a"},"text":"hello"}}`),
		json.RawMessage(`{"update_id":2,"channel_post":{"message_id":11,"date":1700000001,"chat":{"id":-100,"type":"channel"},"text":"post"}}`),
		json.RawMessage(`{"update_id":3,"edited_message":{"message_id":12,"date":1700000002,"chat":{"id":1,"type":"private"},"text":"edit"}}`),
	}}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	adapter, err := NewAdapter(config.TelegramConfig{
		Token:        testToken,
		APIServer:    server.URL,
		NotifyChatID: 42,
	}, logger.Discard())
	require.NoError(t, err)

	events := make(chan message.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- adapter.Run(ctx, func(_ context.Context, event message.Event) {
			events <- event
		})
	}()

	var got []message.Event
	for len(got) < 2 {
		select {
		case event := <-events:
			got = append(got, event)
		case <-time.After(5 * time.Second):
			cancel()
			t.Fatalf("received %d events, want 2", len(got))
		}
	}

	require.True(t, adapter.Connected())
	require.NoError(t, adapter.Health(context.Background()))

	texts := map[string]int64{}
	for _, event := range got {
		require.NotNil(t, event.Text)
		texts[*event.Text] = *event.ChatID
	}
	require.Equal(t, map[string]int64{"hello": 12345, "post": -100}, texts)

	sent := api.sentMessages()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0], startupNotice)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.False(t, adapter.Connected())
}

func TestRunFailsWhenGetMeFails(t *testing.T) {
	api := &fakeBotAPI{}
	api.getMeErr.Store(true)
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	adapter, err := NewAdapter(config.TelegramConfig{Token: testToken, APIServer: server.URL}, logger.Discard())
	require.NoError(t, err)

	err = adapter.Run(context.Background(), func(context.Context, message.Event) {})
	require.Error(t, err)
	require.False(t, adapter.Connected())
}

func TestRunRequiresHandler(t *testing.T) {
	adapter, err := NewAdapter(config.TelegramConfig{Token: testToken}, logger.Discard())
	require.NoError(t, err)
	require.Error(t, adapter.Run(context.Background(), nil))
}
