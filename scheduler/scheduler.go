// Package scheduler implements spec.md §4.7 JobScheduler: the two entry
// points that populate the JobBoard from configured periods and enqueue the
// resulting rows onto the aggregation worker's queue. It never computes an
// aggregation itself; all reduction work is delegated to aggregation.Processor.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/codehooks-metering/metering-engine/aggregation"
	"github.com/codehooks-metering/metering-engine/common"
	"github.com/codehooks-metering/metering-engine/model"
	"github.com/codehooks-metering/metering-engine/queue"
	"github.com/codehooks-metering/metering-engine/store"
	"github.com/codehooks-metering/metering-engine/timeindex"
)

// Result reports the manual trigger's outcome, per spec.md §4.7 step 5.
type Result struct {
	JobsCreated       int `json:"jobsCreated"`
	JobsUpdated       int `json:"jobsUpdated"`
	JobsQueued        int `json:"jobsQueued"`
	CustomersFound    int `json:"customersFound"`
	PeriodsConfigured int `json:"periodsConfigured"`
	EventsScanned     int `json:"eventsScanned"`
}

// boundsFunc resolves a period type to the window the scheduler should
// probe and create jobs for: previous-completed for cron, current for the
// manual trigger.
type boundsFunc func(periodType model.PeriodType) (timeindex.Bounds, error)

// Scheduler runs the cron and manual-trigger entry points against a Store.
type Scheduler struct {
	store  store.Store
	config func() model.Config
	now    func() time.Time
	log    *common.ContextLogger
}

// New builds a Scheduler. cfg is re-read on every run so config changes take
// effect without restarting the process.
func New(s store.Store, cfg func() model.Config) *Scheduler {
	return &Scheduler{
		store:  s,
		config: cfg,
		now:    time.Now,
		log:    common.NewContextLogger(common.Logger, map[string]interface{}{"component": "scheduler"}),
	}
}

// RunCron executes spec.md §4.7's cron entry point: previous-completed
// periods only, silently skipping when no periods are configured (this is
// a recurring tick, not a caller waiting on a response).
func (sch *Scheduler) RunCron(ctx context.Context, q queue.Queue) error {
	cfg := sch.config()
	if len(cfg.Periods) == 0 {
		sch.log.Warn("no periods configured, skipping cron run")
		return nil
	}

	now := sch.now()
	_, err := sch.run(ctx, cfg, q, func(pt model.PeriodType) (timeindex.Bounds, error) {
		return timeindex.PreviousCompletedBounds(pt, now)
	}, model.SourceCron)
	return err
}

// RunTrigger executes spec.md §4.7's manual-trigger entry point: current,
// possibly-incomplete periods, returning counts for the caller to surface.
func (sch *Scheduler) RunTrigger(ctx context.Context, q queue.Queue) (Result, error) {
	cfg := sch.config()
	if len(cfg.Periods) == 0 {
		return Result{}, fmt.Errorf("%w: no periods configured", model.ErrConfigInvalid)
	}

	now := sch.now()
	return sch.run(ctx, cfg, q, func(pt model.PeriodType) (timeindex.Bounds, error) {
		return timeindex.CurrentBounds(pt, now)
	}, model.SourceTrigger)
}

// run implements the shared body of both entry points: stream customers,
// probe each configured period for existing data, upsert pending jobs for
// unfinished work, then bulk-enqueue and mark queued.
func (sch *Scheduler) run(ctx context.Context, cfg model.Config, q queue.Queue, bounds boundsFunc, source model.JobSource) (Result, error) {
	result := Result{PeriodsConfigured: len(cfg.Periods)}

	ids, err := sch.store.StreamCustomerIDs(ctx)
	if err != nil {
		return result, fmt.Errorf("scheduler: stream customer ids: %w", err)
	}
	customers := make([]string, 0)
	for id := range ids {
		customers = append(customers, id)
	}
	result.CustomersFound = len(customers)

	now := sch.now()
	createdOrUpdated := 0
	for _, periodType := range cfg.Periods {
		b, err := bounds(periodType)
		if err != nil {
			sch.log.WithError(err).WithField("period_type", periodType).Warn("skipping unresolvable period bounds")
			continue
		}

		periodField := timeindex.FieldForPeriod(periodType)
		exists, err := sch.store.EventExistsForPeriod(ctx, periodField, b.Key)
		if err != nil {
			sch.log.WithError(err).WithField("period_type", periodType).Warn("probe failed, skipping period")
			continue
		}
		if !exists {
			continue
		}
		result.EventsScanned++

		for _, customerID := range customers {
			aggID := model.AggregationID(customerID, periodType, b.Key)

			if source == model.SourceCron {
				if _, err := sch.store.FindAggregation(ctx, aggID); err == nil {
					// Already finalized; nothing left to do for this customer.
					continue
				}
			}

			job := &model.PendingAggJob{
				ID:          aggID,
				CustomerID:  customerID,
				PeriodType:  periodType,
				PeriodKey:   b.Key,
				PeriodStart: b.Start,
				PeriodEnd:   b.End,
				CreatedAt:   now,
				Source:      source,
			}
			created, err := sch.store.UpsertPendingJob(ctx, job)
			if err != nil {
				sch.log.WithError(err).WithField("job_id", job.ID).Warn("failed to upsert pending job")
				continue
			}
			createdOrUpdated++
			if created {
				result.JobsCreated++
			} else {
				result.JobsUpdated++
			}
		}
	}

	if createdOrUpdated == 0 {
		return result, nil
	}

	queued, err := sch.store.BulkEnqueuePending(ctx, q, aggregation.QueueName)
	if err != nil {
		return result, fmt.Errorf("scheduler: bulk enqueue: %w", err)
	}
	result.JobsQueued = queued

	if err := sch.store.MarkPendingQueued(ctx); err != nil {
		return result, fmt.Errorf("scheduler: mark queued: %w", err)
	}

	return result, nil
}
