// Package worker provides a generic worker pool for processing queued jobs.
// It drives both the aggregation worker and the webhook dispatcher: each
// gets its own Pool over its own queue name, with a Processor implementing
// the domain-specific handling of one dequeued payload.
package worker

import (
	"context"
	"time"

	"github.com/codehooks-metering/metering-engine/common"
	"github.com/codehooks-metering/metering-engine/queue"
)

// Processor handles one dequeued message's payload. Process should return a
// nil error on success; any non-nil error marks the job failed and, when
// Retryable reports true for that error, eligible for requeue.
type Processor interface {
	Process(ctx context.Context, payload []byte) error

	// Retryable reports whether a failed job should be requeued rather than
	// dropped (RabbitQueue republishes either way; see queue.Queue.FailJob).
	// Implementations typically cap retries by inspecting state
	// they track themselves (FailJob's retryCount is transport-local and
	// not threaded back here).
	Retryable(err error) bool

	// Timeout bounds how long a single Process call may run.
	Timeout() time.Duration
}

// Config configures one worker pool instance.
type Config struct {
	QueueName    string
	Workers      int
	PollTimeout  time.Duration // Dequeue block duration per poll
	ErrorBackoff time.Duration // sleep after a Dequeue error before retrying
}

// DefaultConfig returns sane defaults for a single queue's pool.
func DefaultConfig(queueName string) Config {
	return Config{
		QueueName:    queueName,
		Workers:      5,
		PollTimeout:  5 * time.Second,
		ErrorBackoff: 1 * time.Second,
	}
}

// Pool runs Config.Workers goroutines, each looping Dequeue->Process against
// the same queue name, until Stop's context is canceled.
type Pool struct {
	cfg       Config
	q         queue.Queue
	processor Processor
	log       *common.ContextLogger

	stopFn context.CancelFunc
	done   chan struct{}
}

// NewPool creates a worker pool over q, dispatching dequeued payloads to
// processor. cfg.Workers goroutines run concurrently against cfg.QueueName.
func NewPool(q queue.Queue, processor Processor, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 1 * time.Second
	}

	return &Pool{
		cfg:       cfg,
		q:         q,
		processor: processor,
		log: common.NewContextLogger(common.Logger, map[string]interface{}{
			"component": "worker_pool",
			"queue":     cfg.QueueName,
		}),
	}
}

// Start launches the pool's workers. It returns immediately; workers run
// until the context passed to Start is canceled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.stopFn = cancel
	p.done = make(chan struct{})

	p.log.WithField("workers", p.cfg.Workers).Info("starting worker pool")

	var running int
	doneCh := make(chan struct{}, p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		running++
		go func(id int) {
			defer func() { doneCh <- struct{}{} }()
			p.runWorker(ctx, id)
		}(i)
	}

	go func() {
		for i := 0; i < running; i++ {
			<-doneCh
		}
		close(p.done)
	}()
}

// Stop signals all workers to exit and blocks until they have drained.
func (p *Pool) Stop() {
	if p.stopFn == nil {
		return
	}
	p.log.Info("stopping worker pool")
	p.stopFn()
	<-p.done
	p.log.Info("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	log := p.log.WithField("worker_id", id)
	log.Debug("worker started")
	defer log.Debug("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := p.processNext(ctx, log); err != nil {
			log.WithError(err).Warn("dequeue failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.ErrorBackoff):
			}
		}
	}
}

func (p *Pool) processNext(ctx context.Context, log *common.ContextLogger) error {
	msg, err := p.q.Dequeue(ctx, p.cfg.QueueName, p.cfg.PollTimeout)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	jobLog := log.WithField("message_id", msg.ID)

	timeout := p.processor.Timeout()
	if err := p.q.MarkProcessing(ctx, msg.ID, time.Now().Add(timeout)); err != nil {
		jobLog.WithError(err).Warn("failed to mark message processing")
	}

	procCtx, cancel := context.WithTimeout(ctx, timeout)
	procErr := p.processor.Process(procCtx, msg.Payload)
	cancel()

	if procErr != nil {
		requeue := p.processor.Retryable(procErr)
		jobLog.WithError(procErr).WithField("requeue", requeue).Warn("job processing failed")
		if failErr := p.q.FailJob(ctx, msg.ID, requeue, p.cfg.QueueName, 0); failErr != nil {
			jobLog.WithError(failErr).Error("failed to record job failure")
		}
		return nil
	}

	jobLog.Debug("job processed")
	if err := p.q.CompleteJob(ctx, msg.ID); err != nil {
		jobLog.WithError(err).Error("failed to mark job complete")
	}
	return nil
}
