package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codehooks-metering/metering-engine/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQueue is an in-memory queue.Queue sufficient to drive pool tests
// without a real Redis/AMQP transport.
type fakeQueue struct {
	mu       sync.Mutex
	messages []*queue.Message
	failed   []string
	marked   []string
	completed []string
}

func (f *fakeQueue) push(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, &queue.Message{ID: payloadToID(payload), Payload: payload})
}

func payloadToID(payload []byte) string { return string(payload) }

func (f *fakeQueue) Enqueue(_ context.Context, _ string, payload []byte) error {
	f.push(payload)
	return nil
}

func (f *fakeQueue) Dequeue(ctx context.Context, _ string, timeout time.Duration) (*queue.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		if len(f.messages) > 0 {
			msg := f.messages[0]
			f.messages = f.messages[1:]
			f.mu.Unlock()
			return msg, nil
		}
		f.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *fakeQueue) MarkProcessing(_ context.Context, messageID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, messageID)
	return nil
}

func (f *fakeQueue) CompleteJob(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, messageID)
	return nil
}

func (f *fakeQueue) FailJob(_ context.Context, messageID string, _ bool, _ string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, messageID)
	return nil
}

func (f *fakeQueue) Close() error { return nil }

// recordingProcessor records every payload it sees and optionally fails on
// a configured set of payloads.
type recordingProcessor struct {
	mu       sync.Mutex
	seen     [][]byte
	failOn   map[string]bool
	retry    bool
	seenCond chan struct{}
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{failOn: map[string]bool{}, seenCond: make(chan struct{}, 100)}
}

func (p *recordingProcessor) Process(_ context.Context, payload []byte) error {
	p.mu.Lock()
	p.seen = append(p.seen, payload)
	fail := p.failOn[string(payload)]
	p.mu.Unlock()
	p.seenCond <- struct{}{}
	if fail {
		return errors.New("processing failed")
	}
	return nil
}

func (p *recordingProcessor) Retryable(error) bool { return p.retry }
func (p *recordingProcessor) Timeout() time.Duration { return time.Second }

func (p *recordingProcessor) waitForCount(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.seenCond:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d processed messages, got fewer", n)
		}
	}
}

func TestPool_ProcessesEnqueuedMessages(t *testing.T) {
	q := &fakeQueue{}
	q.push([]byte("job-1"))
	q.push([]byte("job-2"))

	proc := newRecordingProcessor()
	pool := NewPool(q, proc, Config{QueueName: "test", Workers: 2, PollTimeout: 50 * time.Millisecond, ErrorBackoff: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	proc.waitForCount(t, 2)
	cancel()
	pool.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, q.completed)
}

func TestPool_FailedJobRecordedAsFailed(t *testing.T) {
	q := &fakeQueue{}
	q.push([]byte("bad-job"))

	proc := newRecordingProcessor()
	proc.failOn["bad-job"] = true
	pool := NewPool(q, proc, Config{QueueName: "test", Workers: 1, PollTimeout: 50 * time.Millisecond, ErrorBackoff: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	proc.waitForCount(t, 1)
	cancel()
	pool.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.failed, 1)
	assert.Equal(t, "bad-job", q.failed[0])
	assert.Empty(t, q.completed)
}

func TestPool_StopDrainsRunningWorkers(t *testing.T) {
	q := &fakeQueue{}
	proc := newRecordingProcessor()
	pool := NewPool(q, proc, DefaultConfig("test"))

	ctx := context.Background()
	pool.Start(ctx)
	pool.Stop()

	// Stop must return only after worker goroutines have exited; a second
	// Stop call should be a safe no-op rather than blocking forever.
	assert.NotPanics(t, func() { pool.Stop() })
}
