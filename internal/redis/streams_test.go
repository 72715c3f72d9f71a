package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxiaolai/http2-node/internal/config"
)

type statusEntry struct {
	Serial string `json:"serialNumber"`
	Status int    `json:"status"`
}

func newTestPublisher(t *testing.T, maxLen int64) (*miniredis.Miniredis, *redis.Client, *StreamPublisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(&config.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { _ = Close(client) })

	p := NewStreamPublisher(client, "devices:status:stream", maxLen)
	p.now = func() time.Time { return time.Unix(1700000000, 0) }
	return mr, client, p
}

func TestPublishJSON(t *testing.T) {
	ctx := context.Background()
	_, client, p := newTestPublisher(t, 0)
	require.NoError(t, Ping(ctx, client))

	id, err := p.PublishJSON(ctx, statusEntry{Serial: "S1", Status: 0})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := client.XRange(ctx, p.Stream(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.JSONEq(t, `{"serialNumber":"S1","status":0}`, msgs[0].Values["data"].(string))
	assert.Equal(t, "1700000000", msgs[0].Values["timestamp"])
}

func TestPublishBatch_AppendsInOrder(t *testing.T) {
	ctx := context.Background()
	_, client, p := newTestPublisher(t, 1000)

	ids, err := PublishBatch(ctx, p, []statusEntry{{Serial: "S1", Status: 1}, {Serial: "S2", Status: 2}})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	msgs, err := client.XRange(ctx, p.Stream(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ids[0], msgs[0].ID)
	assert.Contains(t, msgs[1].Values["data"], `"S2"`)
}

func TestPublishBatch_Empty(t *testing.T) {
	_, client, p := newTestPublisher(t, 0)

	ids, err := PublishBatch[statusEntry](context.Background(), p, nil)
	require.NoError(t, err)
	assert.Nil(t, ids)

	n, err := client.Exists(context.Background(), p.Stream()).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublish_Errors(t *testing.T) {
	ctx := context.Background()
	mr, _, p := newTestPublisher(t, 0)

	_, err := p.PublishJSON(ctx, map[string]any{"bad": make(chan int)})
	assert.ErrorContains(t, err, "marshal")

	mr.Close()
	_, err = PublishBatch(ctx, p, []statusEntry{{Serial: "S1"}})
	assert.ErrorContains(t, err, "devices:status:stream")
}
