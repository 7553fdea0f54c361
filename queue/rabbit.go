// Package queue: RabbitMQ transport.
//
// RabbitQueue is the alternate Queue implementation, selected with
// METERING_QUEUE_TRANSPORT=rabbitmq. It favors AMQP's own ack/nack machinery over a
// separate processing set: Dequeue hands back a manual-ack delivery,
// CompleteJob acks it, and FailJob nacks it with requeue driven by the
// caller. A durable queue is declared per queue name on first use.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// RabbitQueue implements Queue over a single AMQP connection/channel pair.
type RabbitQueue struct {
	conn AMQPConnection
	ch   AMQPChannel

	mu       sync.Mutex
	declared map[string]bool
	pending  map[string]amqp.Delivery // messageID -> delivery, awaiting ack/nack
}

var _ Queue = (*RabbitQueue)(nil)

// NewRabbitQueue dials url and returns a ready RabbitQueue.
func NewRabbitQueue(url string) (*RabbitQueue, error) {
	return NewRabbitQueueWithDialer(url, &RealAMQPDialer{})
}

// NewRabbitQueueWithDialer allows injecting a fake AMQPDialer for tests.
func NewRabbitQueueWithDialer(url string, dialer AMQPDialer) (*RabbitQueue, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &RabbitQueue{
		conn:     conn,
		ch:       ch,
		declared: make(map[string]bool),
		pending:  make(map[string]amqp.Delivery),
	}, nil
}

func (q *RabbitQueue) ensureDeclared(queueName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared[queueName] {
		return nil
	}
	_, err := q.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", queueName, err)
	}
	q.declared[queueName] = true
	return nil
}

// Enqueue publishes payload to the default exchange with queueName as
// routing key.
func (q *RabbitQueue) Enqueue(_ context.Context, queueName string, payload []byte) error {
	if err := q.ensureDeclared(queueName); err != nil {
		return err
	}
	err := q.ch.Publish("", queueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Dequeue consumes a single message from queueName with manual ack. The
// timeout bounds how long we wait for one delivery; callers are expected
// to call Dequeue repeatedly from a worker loop (see worker.Pool).
func (q *RabbitQueue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Message, error) {
	if err := q.ensureDeclared(queueName); err != nil {
		return nil, err
	}

	deliveries, err := q.ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %q: %w", queueName, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d, ok := <-deliveries:
		if !ok {
			return nil, nil
		}
		id := fmt.Sprintf("%s-%d", queueName, d.DeliveryTag)
		q.mu.Lock()
		q.pending[id] = d
		q.mu.Unlock()
		return &Message{ID: id, Payload: d.Body}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MarkProcessing is a no-op for RabbitMQ: AMQP already tracks unacked
// deliveries against the channel, so there is no separate processing set
// to maintain the way the Redis transport needs one.
func (q *RabbitQueue) MarkProcessing(_ context.Context, _ string, _ time.Time) error {
	return nil
}

// CompleteJob acks the delivery associated with messageID.
func (q *RabbitQueue) CompleteJob(_ context.Context, messageID string) error {
	d, ok := q.takePending(messageID)
	if !ok {
		return nil
	}
	return d.Ack(false)
}

// FailJob nacks the delivery. When requeue is true we let RabbitMQ
// redeliver it; otherwise we nack without requeue and republish it
// ourselves, since the job's deterministic id (spec.md §3) makes a
// duplicate publish safe either way.
func (q *RabbitQueue) FailJob(ctx context.Context, messageID string, requeue bool, queueName string, retryCount int) error {
	d, ok := q.takePending(messageID)
	if !ok {
		return nil
	}
	if requeue {
		return d.Nack(false, true)
	}
	if err := d.Nack(false, false); err != nil {
		return err
	}
	return q.Enqueue(ctx, queueName, d.Body)
}

func (q *RabbitQueue) takePending(messageID string) (amqp.Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.pending[messageID]
	if ok {
		delete(q.pending, messageID)
	}
	return d, ok
}

// Close closes the channel and connection.
func (q *RabbitQueue) Close() error {
	if q.ch != nil {
		q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
