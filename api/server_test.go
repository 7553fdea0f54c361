package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codehooks-metering/metering-engine/common"
	"github.com/codehooks-metering/metering-engine/config"
	"github.com/codehooks-metering/metering-engine/ingest"
	"github.com/codehooks-metering/metering-engine/metrics"
	"github.com/codehooks-metering/metering-engine/model"
	"github.com/codehooks-metering/metering-engine/queue"
	"github.com/codehooks-metering/metering-engine/scheduler"
	"github.com/codehooks-metering/metering-engine/store"
	"github.com/codehooks-metering/metering-engine/timeindex"
)

// fakeQueue is a minimal in-memory queue.Queue for exercising the trigger
// endpoint without a real Redis/RabbitMQ transport.
type fakeQueue struct {
	enqueued int
}

func (q *fakeQueue) Enqueue(context.Context, string, []byte) error { q.enqueued++; return nil }
func (q *fakeQueue) Dequeue(context.Context, string, time.Duration) (*queue.Message, error) {
	return nil, nil
}
func (q *fakeQueue) MarkProcessing(context.Context, string, time.Time) error { return nil }
func (q *fakeQueue) CompleteJob(context.Context, string) error              { return nil }
func (q *fakeQueue) FailJob(context.Context, string, bool, string, int) error {
	return nil
}
func (q *fakeQueue) Close() error { return nil }

var _ queue.Queue = (*fakeQueue)(nil)

func testHandlers(t *testing.T) (*Handlers, *store.MemoryStore, *fakeQueue) {
	t.Helper()
	s := store.NewMemoryStore()
	meteringCfg := model.Config{
		Periods: []model.PeriodType{model.PeriodDaily},
		Events:  map[string]model.EventTypeConfig{"api_call": {Op: model.OpSum}},
	}
	appCfg := config.AppConfig{Metering: meteringCfg, HTTPAddr: ":8080", StoreBackend: "memory"}

	q := &fakeQueue{}
	sched := scheduler.New(s, func() model.Config { return meteringCfg })

	h := &Handlers{
		Store:     s,
		Config:    func() config.AppConfig { return appCfg },
		Ingest:    ingest.NewService(s),
		Scheduler: sched,
		Queue:     q,
		Metrics:   metrics.New(),
		Log:       common.NewContextLogger(common.Logger, map[string]interface{}{"component": "api_test"}),
	}
	return h, s, q
}

func TestPostUsage_ValidEvent_Returns201(t *testing.T) {
	h, _, _ := testHandlers(t)
	e := NewServer(h)

	body, _ := json.Marshal(map[string]interface{}{"customerId": "cust1", "value": 42})
	req := httptest.NewRequest(http.MethodPost, "/usage/api_call", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestPostUsage_UnknownEventType_Returns422(t *testing.T) {
	h, _, _ := testHandlers(t)
	e := NewServer(h)

	body, _ := json.Marshal(map[string]interface{}{"customerId": "cust1", "value": 1})
	req := httptest.NewRequest(http.MethodPost, "/usage/unknown", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPostUsageBatch_OverCap_Returns413(t *testing.T) {
	h, _, _ := testHandlers(t)
	e := NewServer(h)

	batch := make([]map[string]interface{}, 1001)
	for i := range batch {
		batch[i] = map[string]interface{}{"eventType": "api_call", "customerId": "cust1", "value": 1}
	}
	body, _ := json.Marshal(batch)
	req := httptest.NewRequest(http.MethodPost, "/usagebatch", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPostUsageBatch_AllValid_Returns201(t *testing.T) {
	h, _, _ := testHandlers(t)
	e := NewServer(h)

	batch := []map[string]interface{}{
		{"eventType": "api_call", "customerId": "cust1", "value": 1},
		{"eventType": "api_call", "customerId": "cust1", "value": 2},
	}
	body, _ := json.Marshal(batch)
	req := httptest.NewRequest(http.MethodPost, "/usagebatch", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp["successCount"])
	assert.Equal(t, 0, resp["failedCount"])
}

func TestGetEvents_ReturnsStoredEventsDescending(t *testing.T) {
	h, s, _ := testHandlers(t)
	e := NewServer(h)

	base := time.Date(2026, 3, 17, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertEvent(context.Background(), &model.Event{CustomerID: "cust1", EventType: "api_call", Value: 1, ReceivedAt: base}))
	require.NoError(t, s.InsertEvent(context.Background(), &model.Event{CustomerID: "cust1", EventType: "api_call", Value: 2, ReceivedAt: base.Add(time.Hour)}))

	req := httptest.NewRequest(http.MethodGet, "/events?customerId=cust1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []model.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, 2.0, events[0].Value, "most recent event must sort first")
}

func TestGetAggregations_FiltersByPeriod(t *testing.T) {
	h, s, _ := testHandlers(t)
	e := NewServer(h)

	require.NoError(t, s.InsertAggregation(context.Background(), &model.Aggregation{
		ID: "cust1_daily_20260317", CustomerID: "cust1", Period: model.PeriodDaily,
		PeriodStart: time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC),
	}))

	req := httptest.NewRequest(http.MethodGet, "/aggregations?period=daily", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var aggs []model.Aggregation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &aggs))
	require.Len(t, aggs, 1)
}

func TestPostTrigger_Returns202AndEnqueuesJobs(t *testing.T) {
	h, s, q := testHandlers(t)
	e := NewServer(h)

	now := time.Now().UTC()
	require.NoError(t, s.InsertEvent(context.Background(), &model.Event{
		CustomerID: "cust1", EventType: "api_call", Value: 1, ReceivedAt: now, PeriodKeys: timeindex.Keys(now),
	}))

	req := httptest.NewRequest(http.MethodPost, "/aggregations/trigger", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, q.enqueued, "trigger must bulk-enqueue the jobs it created")
}

func TestGetConfig_MasksWebhookSecrets(t *testing.T) {
	h, _, _ := testHandlers(t)
	appCfg := h.Config()
	appCfg.Metering.Webhooks = []model.WebhookConfig{{URL: "https://example.com/hook", Secret: "supersecretvalue", Enabled: true}}
	h.Config = func() config.AppConfig { return appCfg }
	e := NewServer(h)

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "supersecretvalue")
}

func TestGetHealth_Returns200(t *testing.T) {
	h, _, _ := testHandlers(t)
	e := NewServer(h)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["goVersion"])
}

func TestGetMetrics_ServesPrometheusFormat(t *testing.T) {
	h, _, _ := testHandlers(t)
	e := NewServer(h)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
