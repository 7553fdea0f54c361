// Package queue defines the job-queue contract the aggregation worker and
// webhook dispatcher consume, and the two concrete transports (Redis,
// RabbitMQ) that implement it. The queue runtime itself — durability,
// redelivery policy, ordering across messages — is an external
// collaborator per spec.md §1; this package only defines the shape the
// core needs and the two transports available to satisfy it.
package queue

import (
	"context"
	"time"
)

// Message is one dequeued unit of work. Payload is the JSON-encoded job
// document (a PendingAggJob or a webhook delivery request); ID identifies
// the message for MarkProcessing/CompleteJob/FailJob.
type Message struct {
	ID      string
	Payload []byte
}

// Queue is the job-queue contract. Implementations must be safe for
// concurrent use by multiple worker goroutines dequeuing from the same
// queue name.
type Queue interface {
	// Enqueue publishes payload (already JSON-encoded) onto queueName.
	Enqueue(ctx context.Context, queueName string, payload []byte) error

	// Dequeue blocks up to timeout for the next message on queueName. A
	// nil Message with a nil error means the timeout elapsed with nothing
	// available.
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Message, error)

	// MarkProcessing records that messageID is being worked, with a
	// deadline after which it is eligible for redelivery if never
	// completed or failed.
	MarkProcessing(ctx context.Context, messageID string, deadline time.Time) error

	// CompleteJob acknowledges successful processing of messageID.
	CompleteJob(ctx context.Context, messageID string) error

	// FailJob acknowledges failed processing of messageID. If requeue is
	// true the message's payload is put back onto queueName unchanged.
	// When requeue is false, RedisQueue drops the message and RabbitQueue
	// still republishes it. retryCount is accepted but neither transport
	// records it in the message.
	FailJob(ctx context.Context, messageID string, requeue bool, queueName string, retryCount int) error

	// Close releases any underlying connection.
	Close() error
}
