package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue over Redis lists (RPush/BLPop) plus a sorted
// set tracking in-flight messages by deadline, the same shape as the
// teacher's BLPop-based job queue.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue wraps an existing *redis.Client. prefix namespaces all keys
// this queue touches (defaults to "queue:" when empty).
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "queue:"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) queueKey(queueName string) string {
	return fmt.Sprintf("%s%s", q.prefix, queueName)
}

func (q *RedisQueue) processingKey() string {
	return fmt.Sprintf("%sprocessing", q.prefix)
}

func (q *RedisQueue) payloadKey(messageID string) string {
	return fmt.Sprintf("%spayload:%s", q.prefix, messageID)
}

// Enqueue RPushes payload onto queueName.
func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, payload []byte) error {
	return q.client.RPush(ctx, q.queueKey(queueName), payload).Err()
}

// Dequeue BLPops the next payload from queueName, assigns it a fresh
// message id, and stashes the payload under that id so FailJob can
// re-enqueue it without the caller needing to keep it around.
func (q *RedisQueue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Message, error) {
	result, err := q.client.BLPop(ctx, timeout, q.queueKey(queueName)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	id := uuid.NewString()
	if err := q.client.Set(ctx, q.payloadKey(id), result[1], time.Hour).Err(); err != nil {
		return nil, fmt.Errorf("failed to stash payload for %s: %w", id, err)
	}

	return &Message{ID: id, Payload: []byte(result[1])}, nil
}

// MarkProcessing adds messageID to the processing sorted set, scored by
// deadline. Nothing in this module reads the set back to redeliver stuck
// messages; CompleteJob and FailJob only remove the entry.
func (q *RedisQueue) MarkProcessing(ctx context.Context, messageID string, deadline time.Time) error {
	return q.client.ZAdd(ctx, q.processingKey(), redis.Z{
		Score:  float64(deadline.Unix()),
		Member: messageID,
	}).Err()
}

// CompleteJob removes messageID from the processing set and drops its
// stashed payload.
func (q *RedisQueue) CompleteJob(ctx context.Context, messageID string) error {
	if err := q.client.ZRem(ctx, q.processingKey(), messageID).Err(); err != nil {
		return err
	}
	return q.client.Del(ctx, q.payloadKey(messageID)).Err()
}

// FailJob clears messageID's processing entry and, if requeue is true,
// republishes its stashed payload onto queueName.
func (q *RedisQueue) FailJob(ctx context.Context, messageID string, requeue bool, queueName string, retryCount int) error {
	payload, err := q.client.Get(ctx, q.payloadKey(messageID)).Bytes()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to load payload for %s: %w", messageID, err)
	}

	if err := q.CompleteJob(ctx, messageID); err != nil {
		return err
	}

	if requeue && len(payload) > 0 {
		return q.Enqueue(ctx, queueName, payload)
	}
	return nil
}

// GetQueueDepth returns the number of messages waiting on queueName.
func (q *RedisQueue) GetQueueDepth(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, q.queueKey(queueName)).Result()
}

// Close closes the underlying Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
