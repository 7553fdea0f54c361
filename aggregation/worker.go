// Package aggregation implements spec.md §4.8 AggregationWorker: the
// queue-driven processor that reduces events into an Aggregation document
// and, on first completion, enqueues webhook deliveries.
package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codehooks-metering/metering-engine/common"
	"github.com/codehooks-metering/metering-engine/lock"
	"github.com/codehooks-metering/metering-engine/metrics"
	"github.com/codehooks-metering/metering-engine/model"
	"github.com/codehooks-metering/metering-engine/operator"
	"github.com/codehooks-metering/metering-engine/queue"
	"github.com/codehooks-metering/metering-engine/store"
	"github.com/codehooks-metering/metering-engine/timeindex"
	"github.com/codehooks-metering/metering-engine/worker"
)

// QueueName is the queue the scheduler publishes PendingAggJob payloads to
// and this package's Processor consumes from.
const QueueName = "process-aggregation-job"

// WebhookQueueName is the queue Processor enqueues delivery jobs onto when
// an aggregation completes for the first time.
const WebhookQueueName = "deliver-aggregation-webhook"

// lockTTL bounds how long a worker may hold an aggregation id's lock;
// spec.md §4.4 fixes this at two minutes so a crashed holder self-heals.
const lockTTL = 2 * time.Minute

// WebhookJob is the payload Processor enqueues onto WebhookQueueName; the
// webhook package's dispatcher decodes it to know what to deliver and where.
type WebhookJob struct {
	AggregationID string          `json:"aggregationId"`
	WebhookURL    string          `json:"webhookUrl"`
	WebhookSecret string          `json:"webhookSecret"`
	CustomerID    string          `json:"customerId"`
	Period        model.PeriodType `json:"period"`
}

// Processor implements worker.Processor over process-aggregation-job
// messages: each payload is a JSON-encoded model.PendingAggJob.
type Processor struct {
	store   store.Store
	locks   lock.Service
	queue   queue.Queue
	config  func() model.Config
	log     *common.ContextLogger
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewProcessor builds an aggregation job processor. cfg is called on every
// job so config reloads (if the caller supports them) take effect without
// restarting workers.
func NewProcessor(s store.Store, locks lock.Service, q queue.Queue, cfg func() model.Config) *Processor {
	return &Processor{
		store:  s,
		locks:  locks,
		queue:  q,
		config: cfg,
		log:    common.NewContextLogger(common.Logger, map[string]interface{}{"component": "aggregation_worker"}),
		now:    time.Now,
	}
}

// WithMetrics attaches a metrics.Metrics instance for job-outcome counters
// and duration observations. Optional: a nil metrics bundle is a no-op.
func (p *Processor) WithMetrics(m *metrics.Metrics) *Processor {
	p.metrics = m
	return p
}

var _ worker.Processor = (*Processor)(nil)

// Timeout bounds one job's processing time.
func (p *Processor) Timeout() time.Duration { return 60 * time.Second }

// Retryable reports true for every processing error: spec.md §4.8's failure
// semantics hand retry policy to the queue, and the deterministic id plus
// existence checks make every retry safe.
func (p *Processor) Retryable(error) bool { return true }

// Process implements the eight-step algorithm of spec.md §4.8.
func (p *Processor) Process(ctx context.Context, payload []byte) error {
	start := p.clockNow()
	outcome := metrics.JobResultError
	defer func() {
		if p.metrics == nil {
			return
		}
		p.metrics.AggregationJobs.WithLabelValues(outcome).Inc()
		p.metrics.AggregationDuration.Observe(p.clockNow().Sub(start).Seconds())
	}()

	var job model.PendingAggJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("aggregation: decode job payload: %w", err)
	}

	log := p.log.WithFields(map[string]interface{}{
		"customer_id": job.CustomerID,
		"period_type": job.PeriodType,
		"period_key":  job.PeriodKey,
	})

	aggID := model.AggregationID(job.CustomerID, job.PeriodType, job.PeriodKey)
	lockKey := "agg_lock_" + aggID
	log = log.WithField("aggregation_id", aggID)

	acquired, err := p.locks.Acquire(ctx, lockKey, lockTTL)
	if err != nil {
		return fmt.Errorf("aggregation: acquire lock %s: %w", lockKey, err)
	}
	if p.metrics != nil {
		if acquired {
			p.metrics.LockAcquireTotal.WithLabelValues(metrics.LockAcquired).Inc()
		} else {
			p.metrics.LockAcquireTotal.WithLabelValues(metrics.LockContended).Inc()
		}
	}
	if !acquired {
		outcome = metrics.JobResultSkippedLocked
		log.Debug("lock contended, assuming another worker owns this job")
		return nil
	}
	defer func() {
		if err := p.locks.Release(ctx, lockKey); err != nil {
			log.WithError(err).Warn("failed to release lock")
		}
	}()

	now := p.now()
	periodComplete := now.After(job.PeriodEnd)

	_, err = p.store.FindAggregation(ctx, aggID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("aggregation: find %s: %w", aggID, err)
	}
	exists := err == nil

	if periodComplete && exists {
		outcome = metrics.JobResultSkippedFinal
		log.Debug("aggregation already finalized, skipping")
		return p.deleteJob(ctx, job.ID, log)
	}

	cfg := p.config()
	periodField := timeindex.FieldForPeriod(job.PeriodType)

	events := make(map[string]float64)
	eventCounts := make(map[string]int)
	for eventType, etc := range cfg.Events {
		matched, err := p.store.QueryEventsForAggregation(ctx, store.EventFilter{
			CustomerID:  job.CustomerID,
			EventType:   eventType,
			PeriodField: periodField,
			PeriodKey:   job.PeriodKey,
			Op:          etc.Op,
		})
		if err != nil {
			log.WithError(err).WithField("event_type", eventType).Warn("failed to query events, omitting from result")
			continue
		}

		result, err := operator.Reduce(etc.Op, matched)
		if err != nil {
			log.WithError(err).WithField("event_type", eventType).Warn("unknown operator, omitting from result")
			continue
		}
		if result.NoData {
			continue
		}
		events[eventType] = result.Value
		eventCounts[eventType] = result.Count
	}

	if len(events) == 0 {
		outcome = metrics.JobResultNoData
		log.Debug("no data produced, deleting job without creating an aggregation")
		return p.deleteJob(ctx, job.ID, log)
	}

	isNew := !exists
	if isNew {
		agg := &model.Aggregation{
			ID:          aggID,
			CustomerID:  job.CustomerID,
			Period:      job.PeriodType,
			PeriodStart: job.PeriodStart,
			PeriodEnd:   job.PeriodEnd,
			PeriodKey:   job.PeriodKey,
			Timestamp:   now,
			Events:      events,
			EventCounts: eventCounts,
			WebhookStatus: model.WebhookStatus{
				Delivered: false,
				Attempts:  0,
			},
		}
		if err := p.store.InsertAggregation(ctx, agg); err != nil {
			return fmt.Errorf("aggregation: insert %s: %w", aggID, err)
		}
	} else {
		err := p.store.UpdateAggregation(ctx, aggID, store.AggregationPatch{
			Timestamp:   &now,
			Events:      events,
			EventCounts: eventCounts,
		})
		if err != nil {
			return fmt.Errorf("aggregation: update %s: %w", aggID, err)
		}
	}

	if isNew && periodComplete {
		if err := p.enqueueWebhooks(ctx, cfg, job, log); err != nil {
			log.WithError(err).Error("failed to enqueue webhook deliveries")
		}
	}

	outcome = metrics.JobResultOK
	return p.deleteJob(ctx, job.ID, log)
}

// clockNow resolves p.now() safely even if a test left it nil.
func (p *Processor) clockNow() time.Time {
	if p.now == nil {
		return time.Now()
	}
	return p.now()
}

func (p *Processor) enqueueWebhooks(ctx context.Context, cfg model.Config, job model.PendingAggJob, log *common.ContextLogger) error {
	aggID := model.AggregationID(job.CustomerID, job.PeriodType, job.PeriodKey)
	for _, wh := range cfg.EnabledWebhooks() {
		wj := WebhookJob{
			AggregationID: aggID,
			WebhookURL:    wh.URL,
			WebhookSecret: wh.Secret,
			CustomerID:    job.CustomerID,
			Period:        job.PeriodType,
		}
		payload, err := json.Marshal(wj)
		if err != nil {
			return fmt.Errorf("aggregation: encode webhook job: %w", err)
		}
		if err := p.queue.Enqueue(ctx, WebhookQueueName, payload); err != nil {
			log.WithError(err).WithField("webhook_url", wh.URL).Error("failed to enqueue webhook delivery")
			continue
		}
	}
	return nil
}

func (p *Processor) deleteJob(ctx context.Context, jobID string, log *common.ContextLogger) error {
	if err := p.store.DeletePendingJob(ctx, jobID); err != nil {
		log.WithError(err).Warn("failed to delete pending job row")
	}
	return nil
}
