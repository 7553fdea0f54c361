package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/codehooks-metering/metering-engine/model"
	"github.com/codehooks-metering/metering-engine/queue"
	"github.com/codehooks-metering/metering-engine/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingQueue struct {
	enqueued int
}

func (q *countingQueue) Enqueue(_ context.Context, _ string, _ []byte) error {
	q.enqueued++
	return nil
}
func (q *countingQueue) Dequeue(_ context.Context, _ string, _ time.Duration) (*queue.Message, error) {
	return nil, nil
}
func (q *countingQueue) MarkProcessing(_ context.Context, _ string, _ time.Time) error { return nil }
func (q *countingQueue) CompleteJob(_ context.Context, _ string) error                 { return nil }
func (q *countingQueue) FailJob(_ context.Context, _ string, _ bool, _ string, _ int) error {
	return nil
}
func (q *countingQueue) Close() error { return nil }

func cfgWithDaily() model.Config {
	return model.Config{
		Periods: []model.PeriodType{model.PeriodDaily},
		Events:  map[string]model.EventTypeConfig{"api_call": {Op: model.OpSum}},
	}
}

func TestScheduler_RunCron_NoPeriodsConfigured_NoopsSilently(t *testing.T) {
	s := store.NewMemoryStore()
	sch := New(s, func() model.Config { return model.Config{} })
	q := &countingQueue{}

	require.NoError(t, sch.RunCron(context.Background(), q))
	assert.Zero(t, q.enqueued)
}

func TestScheduler_RunCron_CreatesAndQueuesJobsForCompletedPeriod(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	completedDay := "20260316"
	require.NoError(t, s.InsertEvent(ctx, &model.Event{
		ID: "e1", CustomerID: "cust1", EventType: "api_call", Value: 10,
		ReceivedAt: time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC),
		PeriodKeys: model.PeriodKeys{Day: completedDay},
	}))

	sch := New(s, cfgWithDaily)
	sch.now = func() time.Time { return time.Date(2026, 3, 17, 0, 30, 0, 0, time.UTC) }

	q := &countingQueue{}
	require.NoError(t, sch.RunCron(ctx, q))

	assert.Equal(t, 1, q.enqueued)

	jobID := model.AggregationID("cust1", model.PeriodDaily, completedDay)
	_, err := s.FindAggregation(ctx, jobID) // not computed yet, scheduler only queues
	assert.Error(t, err)
}

func TestScheduler_RunCron_SkipsCustomerAlreadyFinalized(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	completedDay := "20260316"
	require.NoError(t, s.InsertEvent(ctx, &model.Event{
		ID: "e1", CustomerID: "cust1", EventType: "api_call", Value: 10,
		ReceivedAt: time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC),
		PeriodKeys: model.PeriodKeys{Day: completedDay},
	}))

	jobID := model.AggregationID("cust1", model.PeriodDaily, completedDay)
	require.NoError(t, s.InsertAggregation(ctx, &model.Aggregation{ID: jobID, CustomerID: "cust1", Period: model.PeriodDaily}))

	sch := New(s, cfgWithDaily)
	sch.now = func() time.Time { return time.Date(2026, 3, 17, 0, 30, 0, 0, time.UTC) }

	q := &countingQueue{}
	require.NoError(t, sch.RunCron(ctx, q))

	assert.Zero(t, q.enqueued, "a finalized aggregation must not be re-queued by cron")
}

func TestScheduler_RunTrigger_NoPeriodsConfigured_ReturnsConfigError(t *testing.T) {
	s := store.NewMemoryStore()
	sch := New(s, func() model.Config { return model.Config{} })

	_, err := sch.RunTrigger(context.Background(), &countingQueue{})
	assert.ErrorIs(t, err, model.ErrConfigInvalid)
}

func TestScheduler_RunTrigger_QueuesCurrentIncompletePeriod(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	now := time.Date(2026, 3, 17, 12, 0, 0, 0, time.UTC)
	today := now.Format("20060102")
	require.NoError(t, s.InsertEvent(ctx, &model.Event{
		ID: "e1", CustomerID: "cust1", EventType: "api_call", Value: 10,
		ReceivedAt: now,
		PeriodKeys: model.PeriodKeys{Day: today},
	}))

	sch := New(s, cfgWithDaily)
	sch.now = func() time.Time { return now }

	q := &countingQueue{}
	result, err := sch.RunTrigger(ctx, q)
	require.NoError(t, err)

	assert.Equal(t, 1, result.CustomersFound)
	assert.Equal(t, 1, result.JobsCreated)
	assert.Equal(t, 1, result.JobsQueued)
	assert.Equal(t, 1, q.enqueued)
}

func TestScheduler_RunTrigger_ReRunUpdatesNotCreates(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	now := time.Date(2026, 3, 17, 12, 0, 0, 0, time.UTC)
	today := now.Format("20060102")
	require.NoError(t, s.InsertEvent(ctx, &model.Event{
		ID: "e1", CustomerID: "cust1", EventType: "api_call", Value: 10,
		ReceivedAt: now, PeriodKeys: model.PeriodKeys{Day: today},
	}))

	sch := New(s, cfgWithDaily)
	sch.now = func() time.Time { return now }

	q1 := &countingQueue{}
	_, err := sch.RunTrigger(ctx, q1)
	require.NoError(t, err)

	q2 := &countingQueue{}
	result, err := sch.RunTrigger(ctx, q2)
	require.NoError(t, err)

	assert.Equal(t, 0, result.JobsCreated)
	assert.Equal(t, 1, result.JobsUpdated)
}
