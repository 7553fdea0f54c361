package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codehooks-metering/metering-engine/model"
	"github.com/codehooks-metering/metering-engine/queue"
)

// MemoryStore is a mutex-protected in-memory Store, used by tests and by
// `serve` when store_backend is "memory" (the default).
type MemoryStore struct {
	mu sync.Mutex

	events  []*model.Event
	nextSeq uint64

	pending map[string]*model.PendingAggJob
	aggs    map[string]*model.Aggregation
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty, ready MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending: make(map[string]*model.PendingAggJob),
		aggs:    make(map[string]*model.Aggregation),
	}
}

func (s *MemoryStore) InsertEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Seq = s.nextSeq
	s.nextSeq++
	s.events = append(s.events, e)
	return nil
}

func (s *MemoryStore) StreamCustomerIDs(_ context.Context) (<-chan string, error) {
	s.mu.Lock()
	seen := make(map[string]bool)
	ids := make([]string, 0)
	for _, e := range s.events {
		if !seen[e.CustomerID] {
			seen[e.CustomerID] = true
			ids = append(ids, e.CustomerID)
		}
	}
	s.mu.Unlock()

	out := make(chan string, len(ids))
	for _, id := range ids {
		out <- id
	}
	close(out)
	return out, nil
}

func (s *MemoryStore) fieldValue(e *model.Event, periodField string) string {
	switch periodField {
	case "periodKeys.minute":
		return e.PeriodKeys.Minute
	case "periodKeys.hour":
		return e.PeriodKeys.Hour
	case "periodKeys.day":
		return e.PeriodKeys.Day
	case "periodKeys.week":
		return e.PeriodKeys.Week
	case "periodKeys.month":
		return e.PeriodKeys.Month
	case "periodKeys.year":
		return e.PeriodKeys.Year
	default:
		return ""
	}
}

func (s *MemoryStore) QueryEventsForAggregation(_ context.Context, filter EventFilter) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*model.Event
	for _, e := range s.events {
		if e.CustomerID != filter.CustomerID || e.EventType != filter.EventType {
			continue
		}
		if s.fieldValue(e, filter.PeriodField) != filter.PeriodKey {
			continue
		}
		matched = append(matched, e)
	}

	switch filter.Op {
	case model.OpFirst:
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].ReceivedAt.Before(matched[j].ReceivedAt)
		})
	case model.OpLast:
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
		})
	}
	return matched, nil
}

func (s *MemoryStore) EventExistsForPeriod(_ context.Context, periodField, periodKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if s.fieldValue(e, periodField) == periodKey {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) QueryEvents(_ context.Context, filter EventQuery) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*model.Event
	for _, e := range s.events {
		if filter.CustomerID != "" && e.CustomerID != filter.CustomerID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if !filter.From.IsZero() && e.ReceivedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.ReceivedAt.After(filter.To) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) UpsertPendingJob(_ context.Context, job *model.PendingAggJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.pending[job.ID]
	job.Status = model.JobPending
	if !existed {
		job.CreatedAt = time.Now().UTC()
	}
	cp := *job
	s.pending[job.ID] = &cp
	return !existed, nil
}

func (s *MemoryStore) BulkEnqueuePending(ctx context.Context, q queue.Queue, queueName string) (int, error) {
	s.mu.Lock()
	pending := make([]*model.PendingAggJob, 0)
	for _, job := range s.pending {
		if job.Status == model.JobPending {
			pending = append(pending, job)
		}
	}
	s.mu.Unlock()

	count := 0
	for _, job := range pending {
		payload, err := marshalJob(job)
		if err != nil {
			return count, err
		}
		if err := q.Enqueue(ctx, queueName, payload); err != nil {
			return count, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) MarkPendingQueued(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, job := range s.pending {
		if job.Status == model.JobPending {
			job.Status = model.JobQueued
			job.QueuedAt = &now
		}
	}
	return nil
}

func (s *MemoryStore) DeletePendingJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return nil
}

func (s *MemoryStore) FindAggregation(_ context.Context, id string) (*model.Aggregation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.aggs[id]
	if !ok {
		return nil, fmt.Errorf("aggregation %s: %w", id, model.ErrNotFound)
	}
	cp := *agg
	return &cp, nil
}

func (s *MemoryStore) InsertAggregation(_ context.Context, agg *model.Aggregation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.aggs[agg.ID]; exists {
		return fmt.Errorf("aggregation %s already exists", agg.ID)
	}
	agg.Version = "1"
	cp := *agg
	s.aggs[agg.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateAggregation(_ context.Context, id string, patch AggregationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.aggs[id]
	if !ok {
		return fmt.Errorf("aggregation %s: %w", id, model.ErrNotFound)
	}
	if patch.Timestamp != nil {
		agg.Timestamp = *patch.Timestamp
	}
	if patch.Events != nil {
		agg.Events = patch.Events
	}
	if patch.EventCounts != nil {
		agg.EventCounts = patch.EventCounts
	}
	if patch.WebhookStatus != nil {
		agg.WebhookStatus = *patch.WebhookStatus
	}
	agg.Version = fmt.Sprintf("%d", mustParseVersion(agg.Version)+1)
	return nil
}

func mustParseVersion(v string) int {
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func (s *MemoryStore) QueryAggregations(_ context.Context, filter AggregationQuery) ([]*model.Aggregation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*model.Aggregation
	for _, agg := range s.aggs {
		if filter.CustomerID != "" && agg.CustomerID != filter.CustomerID {
			continue
		}
		if filter.Period != "" && agg.Period != filter.Period {
			continue
		}
		if !filter.From.IsZero() && agg.PeriodStart.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && agg.PeriodStart.After(filter.To) {
			continue
		}
		cp := *agg
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].PeriodStart.After(matched[j].PeriodStart)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) Close() error { return nil }
