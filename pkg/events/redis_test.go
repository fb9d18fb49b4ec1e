package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *RedisClient) {
	mr := miniredis.RunT(t)
	return mr, &RedisClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
}

func TestPublishAndPop(t *testing.T) {
	_, rc := newTestClient(t)
	ctx := context.Background()

	event := WebhookEvent{
		ID:     "evt_1",
		Type:   "checkout.session.completed",
		Object: json.RawMessage(`{"id":"cs_1"}`),
	}
	require.NoError(t, rc.PublishEvent(ctx, event))

	data, err := rc.PopEvent(ctx, time.Second)
	require.NoError(t, err)

	var got WebhookEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "evt_1", got.ID)
	assert.JSONEq(t, `{"id":"cs_1"}`, string(got.Object))
}

func TestClaim(t *testing.T) {
	mr, rc := newTestClient(t)
	ctx := context.Background()

	ok, err := rc.Claim(ctx, "processed:evt_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rc.Claim(ctx, "processed:evt_1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	mr.FastForward(2 * time.Minute)

	ok, err = rc.Claim(ctx, "processed:evt_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "claim expires with its ttl")
}

func TestPushToDLQ(t *testing.T) {
	mr, rc := newTestClient(t)

	require.NoError(t, rc.PushToDLQ(context.Background(), []byte("bad")))

	items, err := mr.List(FailedQueue)
	require.NoError(t, err)
	assert.Equal(t, []string{"bad"}, items)
}
