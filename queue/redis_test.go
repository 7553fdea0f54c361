package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisQueue(client, "test:")
}

func TestRedisQueue_EnqueueDequeue(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	require.NoError(t, q.Enqueue(ctx, "webhooks", []byte(`{"hello":"world"}`)))

	msg, err := q.Dequeue(ctx, "webhooks", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, `{"hello":"world"}`, string(msg.Payload))
	assert.NotEmpty(t, msg.ID)
}

func TestRedisQueue_Dequeue_TimeoutReturnsNil(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	msg, err := q.Dequeue(ctx, "empty", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestRedisQueue_CompleteJob_ClearsProcessing(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	require.NoError(t, q.Enqueue(ctx, "jobs", []byte("payload")))
	msg, err := q.Dequeue(ctx, "jobs", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, q.MarkProcessing(ctx, msg.ID, time.Now().Add(time.Minute)))
	require.NoError(t, q.CompleteJob(ctx, msg.ID))

	depth, err := q.GetQueueDepth(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestRedisQueue_FailJob_Requeues(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	require.NoError(t, q.Enqueue(ctx, "jobs", []byte("payload")))
	msg, err := q.Dequeue(ctx, "jobs", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, q.FailJob(ctx, msg.ID, true, "jobs", 0))

	depth, err := q.GetQueueDepth(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	redelivered, err := q.Dequeue(ctx, "jobs", time.Second)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, "payload", string(redelivered.Payload))
}

func TestRedisQueue_FailJob_NoRequeueDropsMessage(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	require.NoError(t, q.Enqueue(ctx, "jobs", []byte("payload")))
	msg, err := q.Dequeue(ctx, "jobs", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, q.FailJob(ctx, msg.ID, false, "jobs", 0))

	depth, err := q.GetQueueDepth(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}
