// Package store implements spec.md's EventStore, JobBoard, and
// AggregationStore (§4.3, §4.5, §4.6) behind one Store interface, backed by
// either CouchDB (CouchStore) or an in-memory map (MemoryStore).
package store

import (
	"context"
	"time"

	"github.com/codehooks-metering/metering-engine/model"
	"github.com/codehooks-metering/metering-engine/queue"
)

// EventFilter selects the events one aggregation job needs: a single
// customer, event type, and period key on a specific period field.
type EventFilter struct {
	CustomerID  string
	EventType   string
	PeriodField string // e.g. "periodKeys.day"
	PeriodKey   string
	Op          model.Operator // determines sort order: first=asc, last=desc, else unordered
}

// EventQuery is the broader filter behind GET /events for operational
// inspection; any zero field is unconstrained.
type EventQuery struct {
	CustomerID string
	EventType  string
	From       time.Time
	To         time.Time
	Limit      int
}

// AggregationQuery is the filter behind GET /aggregations. Results are
// ordered by PeriodStart descending; any zero field is unconstrained.
type AggregationQuery struct {
	CustomerID string
	Period     model.PeriodType
	From       time.Time
	To         time.Time
	Limit      int
}

// AggregationPatch is a partial update to an existing Aggregation. Nil
// fields are left untouched; WebhookStatus is a pointer so "don't touch
// webhookStatus" (spec.md §4.8 step 6) is expressible alongside "overwrite
// webhookStatus" (the dispatcher's patch in §4.9).
type AggregationPatch struct {
	Timestamp     *time.Time
	Events        map[string]float64
	EventCounts   map[string]int
	WebhookStatus *model.WebhookStatus
}

// Store is the persistence contract the scheduler and workers depend on.
// Implementations must be safe for concurrent use.
type Store interface {
	InsertEvent(ctx context.Context, e *model.Event) error
	StreamCustomerIDs(ctx context.Context) (<-chan string, error)
	QueryEventsForAggregation(ctx context.Context, filter EventFilter) ([]*model.Event, error)
	EventExistsForPeriod(ctx context.Context, periodField, periodKey string) (bool, error)
	QueryEvents(ctx context.Context, filter EventQuery) ([]*model.Event, error)

	UpsertPendingJob(ctx context.Context, job *model.PendingAggJob) (created bool, err error)
	BulkEnqueuePending(ctx context.Context, q queue.Queue, queueName string) (int, error)
	MarkPendingQueued(ctx context.Context) error
	DeletePendingJob(ctx context.Context, id string) error

	FindAggregation(ctx context.Context, id string) (*model.Aggregation, error)
	InsertAggregation(ctx context.Context, agg *model.Aggregation) error
	UpdateAggregation(ctx context.Context, id string, patch AggregationPatch) error
	QueryAggregations(ctx context.Context, filter AggregationQuery) ([]*model.Aggregation, error)

	Close() error
}
