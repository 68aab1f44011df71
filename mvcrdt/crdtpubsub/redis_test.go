package crdtpubsub

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisPubSub(t *testing.T) {
	client := newTestRedisClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ps, err := NewRedisPubSub(client, nil)
	require.NoError(t, err)
	defer ps.Close()

	topic := "mvcrdt-test-" + uuid.NewString()

	var c1, c2 collector
	require.NoError(t, ps.Subscribe(ctx, topic, "r1", c1.handle))
	require.NoError(t, ps.Subscribe(ctx, topic, "r2", c2.handle))
	assert.Error(t, ps.Subscribe(ctx, topic, "r1", c1.handle))

	require.NoError(t, ps.PublishRaw(ctx, topic, []byte("payload"), EncodingFormatBase64))

	require.Eventually(t, func() bool { return c1.count() == 1 && c2.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, received{topic: topic, data: "payload", format: EncodingFormatBase64}, c1.messages()[0])

	require.NoError(t, ps.Unsubscribe(ctx, topic, "r2"))
	require.NoError(t, ps.PublishRaw(ctx, topic, []byte("again"), ""))

	require.Eventually(t, func() bool { return c1.count() == 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, c2.count())

	require.NoError(t, ps.Close())
	assert.ErrorIs(t, ps.PublishRaw(ctx, topic, []byte("x"), ""), ErrClosed)
}

func TestNewRedisPubSubNilClient(t *testing.T) {
	_, err := NewRedisPubSub(nil, nil)
	assert.Error(t, err)
}
