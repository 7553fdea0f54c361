package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/codehooks-metering/metering-engine/model"
	"github.com/codehooks-metering/metering-engine/queue"
)

// CouchStore implements Store over three CouchDB databases: events,
// aggregations, and pending_agg_jobs. Document revisions are preserved on
// every update, the same optimistic-concurrency pattern the teacher's
// CouchDBRepository uses.
type CouchStore struct {
	client *kivik.Client
	events *kivik.DB
	aggs   *kivik.DB
	jobs   *kivik.DB
}

var _ Store = (*CouchStore)(nil)

// NewCouchStore connects to url (with optional basic-auth user/password
// injected into the URL, as the teacher does) and ensures the three
// databases and their Mango indexes exist.
func NewCouchStore(ctx context.Context, url, user, password string) (*CouchStore, error) {
	connectionURL := url
	if user != "" && password != "" && !strings.Contains(connectionURL, "@") {
		parts := strings.SplitN(connectionURL, "://", 2)
		if len(parts) == 2 {
			connectionURL = fmt.Sprintf("%s://%s:%s@%s", parts[0], user, password, parts[1])
		}
	}

	client, err := kivik.New("couch", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create CouchDB client: %w", err)
	}

	events, err := openOrCreate(ctx, client, "events")
	if err != nil {
		return nil, err
	}
	aggs, err := openOrCreate(ctx, client, "aggregations")
	if err != nil {
		return nil, err
	}
	jobs, err := openOrCreate(ctx, client, "pending_agg_jobs")
	if err != nil {
		return nil, err
	}

	s := &CouchStore{client: client, events: events, aggs: aggs, jobs: jobs}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func openOrCreate(ctx context.Context, client *kivik.Client, name string) (*kivik.DB, error) {
	db := client.DB(name)
	if err := db.Err(); err != nil {
		if err := client.CreateDB(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to create database %q: %w", name, err)
		}
		db = client.DB(name)
	}
	return db, nil
}

func indexDef(fields ...string) map[string]interface{} {
	return map[string]interface{}{
		"index": map[string]interface{}{"fields": fields},
		"type":  "json",
	}
}

func (s *CouchStore) ensureIndexes(ctx context.Context) error {
	eventFieldSets := [][]string{
		{"customerId", "eventType", "periodKeys.minute"},
		{"customerId", "eventType", "periodKeys.hour"},
		{"customerId", "eventType", "periodKeys.day"},
		{"customerId", "eventType", "periodKeys.week"},
		{"customerId", "eventType", "periodKeys.month"},
		{"customerId", "eventType", "periodKeys.year"},
		{"receivedAt"},
	}
	for _, fields := range eventFieldSets {
		if err := s.events.CreateIndex(ctx, "", "", indexDef(fields...)); err != nil {
			return fmt.Errorf("failed to create event index on %v: %w", fields, err)
		}
	}
	if err := s.jobs.CreateIndex(ctx, "", "", indexDef("status")); err != nil {
		return fmt.Errorf("failed to create job index: %w", err)
	}
	if err := s.aggs.CreateIndex(ctx, "", "", indexDef("customerId", "period")); err != nil {
		return fmt.Errorf("failed to create aggregation index: %w", err)
	}
	return nil
}

// InsertEvent writes e, assigning Seq from a small retrying counter
// document so first/last tie-breaks reflect true insertion order even
// under concurrent ingest.
func (s *CouchStore) InsertEvent(ctx context.Context, e *model.Event) error {
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}
	e.Seq = seq

	doc := eventDoc(e)
	if _, err := s.events.Put(ctx, e.ID, doc); err != nil {
		return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
	}
	return nil
}

// nextSeq increments a single "_local/seq_counter" document, retrying on
// revision conflicts, which CouchDB surfaces for concurrent writers
// racing the same document.
func (s *CouchStore) nextSeq(ctx context.Context) (uint64, error) {
	const counterID = "_local/seq_counter"
	for attempt := 0; attempt < 5; attempt++ {
		var doc struct {
			Rev   string `json:"_rev,omitempty"`
			Value uint64 `json:"value"`
		}
		err := s.events.Get(ctx, counterID).ScanDoc(&doc)
		if err != nil && !isNotFound(err) {
			return 0, fmt.Errorf("failed to read sequence counter: %w", err)
		}

		next := doc.Value + 1
		update := map[string]interface{}{"value": next}
		if doc.Rev != "" {
			update["_rev"] = doc.Rev
		}
		if _, err := s.events.Put(ctx, counterID, update); err != nil {
			if isConflict(err) {
				continue
			}
			return 0, fmt.Errorf("failed to advance sequence counter: %w", err)
		}
		return next, nil
	}
	return 0, fmt.Errorf("failed to advance sequence counter after retries")
}

func eventDoc(e *model.Event) map[string]interface{} {
	data, _ := json.Marshal(e)
	var doc map[string]interface{}
	_ = json.Unmarshal(data, &doc)
	doc["_id"] = e.ID
	return doc
}

// StreamCustomerIDs projects only customerId via a Mango Find with a
// fields clause, scanning rows lazily into the returned channel so the
// caller never materializes the full event set.
func (s *CouchStore) StreamCustomerIDs(ctx context.Context) (<-chan string, error) {
	out := make(chan string, 64)

	selector := map[string]interface{}{"customerId": map[string]interface{}{"$gt": nil}}
	rows := s.events.Find(ctx, map[string]interface{}{
		"selector": selector,
		"fields":   []string{"customerId"},
	})

	go func() {
		defer close(out)
		defer rows.Close()

		seen := make(map[string]bool)
		for rows.Next() {
			var row struct {
				CustomerID string `json:"customerId"`
			}
			if err := rows.ScanDoc(&row); err != nil {
				continue
			}
			if row.CustomerID == "" || seen[row.CustomerID] {
				continue
			}
			seen[row.CustomerID] = true
			select {
			case out <- row.CustomerID:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (s *CouchStore) QueryEventsForAggregation(ctx context.Context, filter EventFilter) ([]*model.Event, error) {
	selector := map[string]interface{}{
		"customerId": filter.CustomerID,
		"eventType":  filter.EventType,
		filter.PeriodField: filter.PeriodKey,
	}

	query := map[string]interface{}{"selector": selector}
	switch filter.Op {
	case model.OpFirst:
		query["sort"] = []map[string]string{{"receivedAt": "asc"}}
	case model.OpLast:
		query["sort"] = []map[string]string{{"receivedAt": "desc"}}
	}

	rows := s.events.Find(ctx, query)
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.ScanDoc(&e); err != nil {
			continue
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *CouchStore) EventExistsForPeriod(ctx context.Context, periodField, periodKey string) (bool, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{periodField: periodKey},
		"limit":    1,
	}
	rows := s.events.Find(ctx, query)
	defer rows.Close()
	return rows.Next(), rows.Err()
}

func (s *CouchStore) QueryEvents(ctx context.Context, filter EventQuery) ([]*model.Event, error) {
	selector := map[string]interface{}{}
	if filter.CustomerID != "" {
		selector["customerId"] = filter.CustomerID
	}
	if filter.EventType != "" {
		selector["eventType"] = filter.EventType
	}
	if !filter.From.IsZero() || !filter.To.IsZero() {
		rangeSel := map[string]interface{}{}
		if !filter.From.IsZero() {
			rangeSel["$gte"] = filter.From.UTC().Format(time.RFC3339Nano)
		}
		if !filter.To.IsZero() {
			rangeSel["$lte"] = filter.To.UTC().Format(time.RFC3339Nano)
		}
		selector["receivedAt"] = rangeSel
	} else {
		// Mango requires the sort field to appear in the selector.
		selector["receivedAt"] = map[string]interface{}{"$gt": nil}
	}

	query := map[string]interface{}{
		"selector": selector,
		"sort":     []map[string]string{{"receivedAt": "desc"}},
	}
	if filter.Limit > 0 {
		query["limit"] = filter.Limit
	}

	rows := s.events.Find(ctx, query)
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.ScanDoc(&e); err != nil {
			continue
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *CouchStore) UpsertPendingJob(ctx context.Context, job *model.PendingAggJob) (bool, error) {
	var existing map[string]interface{}
	err := s.jobs.Get(ctx, job.ID).ScanDoc(&existing)
	created := err != nil

	job.Status = model.JobPending
	if created {
		job.CreatedAt = time.Now().UTC()
	}

	doc := jobDoc(job)
	if rev, ok := existing["_rev"].(string); ok {
		doc["_rev"] = rev
	}

	if _, err := s.jobs.Put(ctx, job.ID, doc); err != nil {
		return false, fmt.Errorf("failed to upsert pending job %s: %w", job.ID, err)
	}
	return created, nil
}

func jobDoc(job *model.PendingAggJob) map[string]interface{} {
	data, _ := json.Marshal(job)
	var doc map[string]interface{}
	_ = json.Unmarshal(data, &doc)
	doc["_id"] = job.ID
	return doc
}

func (s *CouchStore) BulkEnqueuePending(ctx context.Context, q queue.Queue, queueName string) (int, error) {
	rows := s.jobs.Find(ctx, map[string]interface{}{
		"selector": map[string]interface{}{"status": string(model.JobPending)},
	})
	defer rows.Close()

	count := 0
	for rows.Next() {
		var job model.PendingAggJob
		if err := rows.ScanDoc(&job); err != nil {
			continue
		}
		payload, err := marshalJob(&job)
		if err != nil {
			return count, err
		}
		if err := q.Enqueue(ctx, queueName, payload); err != nil {
			return count, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
		}
		count++
	}
	return count, rows.Err()
}

func (s *CouchStore) MarkPendingQueued(ctx context.Context) error {
	rows := s.jobs.Find(ctx, map[string]interface{}{
		"selector": map[string]interface{}{"status": string(model.JobPending)},
	})
	defer rows.Close()

	now := time.Now().UTC()
	var docs []interface{}
	for rows.Next() {
		var doc map[string]interface{}
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		doc["status"] = string(model.JobQueued)
		doc["queuedAt"] = now.Format(time.RFC3339Nano)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	_, err := s.jobs.BulkDocs(ctx, docs)
	if err != nil {
		return fmt.Errorf("failed to mark pending jobs queued: %w", err)
	}
	return nil
}

func (s *CouchStore) DeletePendingJob(ctx context.Context, id string) error {
	var doc map[string]interface{}
	if err := s.jobs.Get(ctx, id).ScanDoc(&doc); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load job %s for delete: %w", id, err)
	}
	rev, _ := doc["_rev"].(string)
	if _, err := s.jobs.Delete(ctx, id, rev); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

func (s *CouchStore) FindAggregation(ctx context.Context, id string) (*model.Aggregation, error) {
	var doc map[string]interface{}
	if err := s.aggs.Get(ctx, id).ScanDoc(&doc); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("aggregation %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load aggregation %s: %w", id, err)
	}

	rev, _ := doc["_rev"].(string)
	data, _ := json.Marshal(doc)
	var agg model.Aggregation
	if err := json.Unmarshal(data, &agg); err != nil {
		return nil, fmt.Errorf("failed to decode aggregation %s: %w", id, err)
	}
	agg.Version = rev
	return &agg, nil
}

func (s *CouchStore) InsertAggregation(ctx context.Context, agg *model.Aggregation) error {
	doc := aggregationDoc(agg)
	rev, err := s.aggs.Put(ctx, agg.ID, doc)
	if err != nil {
		return fmt.Errorf("failed to insert aggregation %s: %w", agg.ID, err)
	}
	agg.Version = rev
	return nil
}

func aggregationDoc(agg *model.Aggregation) map[string]interface{} {
	data, _ := json.Marshal(agg)
	var doc map[string]interface{}
	_ = json.Unmarshal(data, &doc)
	doc["_id"] = agg.ID
	if agg.Version != "" {
		doc["_rev"] = agg.Version
	}
	return doc
}

func (s *CouchStore) UpdateAggregation(ctx context.Context, id string, patch AggregationPatch) error {
	var existing map[string]interface{}
	if err := s.aggs.Get(ctx, id).ScanDoc(&existing); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("aggregation %s: %w", id, model.ErrNotFound)
		}
		return fmt.Errorf("failed to load aggregation %s: %w", id, err)
	}

	if patch.Timestamp != nil {
		existing["timestamp"] = patch.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if patch.Events != nil {
		existing["events"] = patch.Events
	}
	if patch.EventCounts != nil {
		existing["eventCounts"] = patch.EventCounts
	}
	if patch.WebhookStatus != nil {
		data, _ := json.Marshal(patch.WebhookStatus)
		var ws map[string]interface{}
		_ = json.Unmarshal(data, &ws)
		existing["webhookStatus"] = ws
	}

	if _, err := s.aggs.Put(ctx, id, existing); err != nil {
		return fmt.Errorf("failed to update aggregation %s: %w", id, err)
	}
	return nil
}

func (s *CouchStore) QueryAggregations(ctx context.Context, filter AggregationQuery) ([]*model.Aggregation, error) {
	selector := map[string]interface{}{}
	if filter.CustomerID != "" {
		selector["customerId"] = filter.CustomerID
	}
	if filter.Period != "" {
		selector["period"] = string(filter.Period)
	}
	if !filter.From.IsZero() || !filter.To.IsZero() {
		rangeSel := map[string]interface{}{}
		if !filter.From.IsZero() {
			rangeSel["$gte"] = filter.From.UTC().Format(time.RFC3339Nano)
		}
		if !filter.To.IsZero() {
			rangeSel["$lte"] = filter.To.UTC().Format(time.RFC3339Nano)
		}
		selector["periodStart"] = rangeSel
	} else {
		selector["periodStart"] = map[string]interface{}{"$gt": nil}
	}

	query := map[string]interface{}{
		"selector": selector,
		"sort":     []map[string]string{{"periodStart": "desc"}},
	}
	if filter.Limit > 0 {
		query["limit"] = filter.Limit
	}

	rows := s.aggs.Find(ctx, query)
	defer rows.Close()

	var out []*model.Aggregation
	for rows.Next() {
		var agg model.Aggregation
		if err := rows.ScanDoc(&agg); err != nil {
			continue
		}
		out = append(out, &agg)
	}
	return out, rows.Err()
}

func (s *CouchStore) Close() error {
	return s.client.Close()
}

func isNotFound(err error) bool {
	return kivik.HTTPStatus(err) == 404
}

func isConflict(err error) bool {
	return kivik.HTTPStatus(err) == 409
}
