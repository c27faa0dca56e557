package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"tgrelay/pkg/config"
	"tgrelay/pkg/logger"
	"tgrelay/pkg/message"
	"tgrelay/pkg/publisher/failure"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeStreamClient struct {
	mu     sync.Mutex
	calls  []*redis.XAddArgs
	err    error
	closed bool
}

func (f *fakeStreamClient) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, a)
	return redis.NewStringResult("1700000000000-0", f.err)
}

func (f *fakeStreamClient) Close() error {
	f.closed = true
	return nil
}

func TestPublishAppendsEntry(t *testing.T) {
	client := &fakeStreamClient{}
	p := newWithClient(client, "tgrelay:messages", 500, logger.Discard())

	chatID := "42"
	require.NoError(t, p.Publish(context.Background(), message.Payload{Type: message.TypeMessage, Text: "hi", ChatID: &chatID}))

	require.Len(t, client.calls, 1)
	args := client.calls[0]
	require.Equal(t, "tgrelay:messages", args.Stream)
	require.Equal(t, int64(500), args.MaxLen)
	require.True(t, args.Approx)

	values, ok := args.Values.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "42", values["chat_id"])
	require.Equal(t, "message", values["type"])

	var decoded message.Payload
	require.NoError(t, json.Unmarshal([]byte(values["payload"].(string)), &decoded))
	require.Equal(t, "hi", decoded.Text)
}

func TestPublishWithoutMaxLenDoesNotTrim(t *testing.T) {
	client := &fakeStreamClient{}
	p := newWithClient(client, "s", 0, logger.Discard())

	require.NoError(t, p.Publish(context.Background(), message.Payload{}))
	require.Zero(t, client.calls[0].MaxLen)
	require.False(t, client.calls[0].Approx)
}

func TestPublishPropagatesRedisError(t *testing.T) {
	cause := errors.New("connection refused")
	p := newWithClient(&fakeStreamClient{err: cause}, "s", 0, logger.Discard())

	err := p.Publish(context.Background(), message.Payload{})
	require.ErrorIs(t, err, cause)
	require.Equal(t, failure.CategoryTransport, failure.CategoryFromError(err))
}

func TestPublishEmptyAddrSkips(t *testing.T) {
	p := New(config.RedisConfig{Enabled: true, Stream: "s"}, logger.Discard())

	require.NoError(t, p.Publish(context.Background(), message.Payload{}))
	require.NoError(t, p.Close())
}

func TestPublishEmptyStreamIsConfigError(t *testing.T) {
	p := newWithClient(&fakeStreamClient{}, "", 0, logger.Discard())

	err := p.Publish(context.Background(), message.Payload{})
	require.Equal(t, failure.CategoryConfig, failure.CategoryFromError(err))
}

func TestClose(t *testing.T) {
	client := &fakeStreamClient{}
	require.NoError(t, newWithClient(client, "s", 0, logger.Discard()).Close())
	require.True(t, client.closed)
}
