// Package model defines the domain types shared across the metering
// aggregation engine: usage events, completed/in-progress aggregations,
// the scheduler's worklist rows, and the process-wide configuration.
//
// None of these types know how they are persisted; the store and queue
// packages are responsible for mapping them onto CouchDB documents, Redis
// keys, or in-memory maps.
package model

import "time"

// PeriodType enumerates the aggregation granularities the engine supports.
type PeriodType string

const (
	PeriodHourly  PeriodType = "hourly"
	PeriodDaily   PeriodType = "daily"
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
	PeriodYearly  PeriodType = "yearly"
)

// Operator enumerates the seven reduction functions OperatorEngine supports.
type Operator string

const (
	OpSum   Operator = "sum"
	OpAvg   Operator = "avg"
	OpMin   Operator = "min"
	OpMax   Operator = "max"
	OpCount Operator = "count"
	OpFirst Operator = "first"
	OpLast  Operator = "last"
)

// Event is an immutable usage record. PeriodKeys is populated at ingest
// time from ReceivedAt via timeindex.Keys, once, and never recomputed.
type Event struct {
	ID         string                 `json:"id"`
	CustomerID string                 `json:"customerId"`
	EventType  string                 `json:"eventType"`
	Value      float64                `json:"value"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	ReceivedAt time.Time              `json:"receivedAt"`
	PeriodKeys PeriodKeys             `json:"periodKeys"`
	// Seq disambiguates events with identical ReceivedAt in first/last
	// tie-breaks; it reflects store insertion order and is assigned by
	// the store on InsertEvent, never by the caller.
	Seq uint64 `json:"seq"`
}

// PeriodKeys holds the six canonical period keys for one instant.
type PeriodKeys struct {
	Minute string `json:"minute"`
	Hour   string `json:"hour"`
	Day    string `json:"day"`
	Week   string `json:"week"`
	Month  string `json:"month"`
	Year   string `json:"year"`
}

// FieldFor returns the period key for the given period type, and the
// EventStore field name it is indexed under.
func (k PeriodKeys) FieldFor(p PeriodType) (field, key string) {
	switch p {
	case PeriodHourly:
		return "periodKeys.hour", k.Hour
	case PeriodDaily:
		return "periodKeys.day", k.Day
	case PeriodWeekly:
		return "periodKeys.week", k.Week
	case PeriodMonthly:
		return "periodKeys.month", k.Month
	case PeriodYearly:
		return "periodKeys.year", k.Year
	default:
		return "", ""
	}
}

// WebhookStatus tracks delivery outcome for one aggregation document. It is
// written only by the webhook dispatcher, and only ever via AggregationWorker
// for its zero-value initial insert.
type WebhookStatus struct {
	Delivered     bool       `json:"delivered"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"lastError,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	DryRun        bool       `json:"dryRun,omitempty"`
}

// Aggregation is the completed or in-progress reduction for one
// (customer, period, periodKey). ID is deterministic:
// "{customerID}_{period}_{periodKey}".
type Aggregation struct {
	ID            string             `json:"id"`
	CustomerID    string             `json:"customerId"`
	Period        PeriodType         `json:"period"`
	PeriodStart   time.Time          `json:"periodStart"`
	PeriodEnd     time.Time          `json:"periodEnd"`
	PeriodKey     string             `json:"periodKey"`
	Timestamp     time.Time          `json:"timestamp"`
	Events        map[string]float64 `json:"events"`
	EventCounts   map[string]int     `json:"eventCounts"`
	WebhookStatus WebhookStatus      `json:"webhookStatus"`
	// Version is an internal optimistic-concurrency token, analogous to
	// a CouchDB _rev; it never appears in the webhook envelope or in
	// /aggregations responses.
	Version string `json:"-"`
}

// AggregationID builds the deterministic id for a (customer, period, key).
func AggregationID(customerID string, period PeriodType, periodKey string) string {
	return customerID + "_" + string(period) + "_" + periodKey
}

// JobStatus is the lifecycle state of a PendingAggJob row.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobQueued  JobStatus = "queued"
)

// JobSource records which trigger created a job row.
type JobSource string

const (
	SourceCron    JobSource = "cron"
	SourceTrigger JobSource = "trigger"
)

// PendingAggJob is a worklist row; its ID is the same deterministic id the
// aggregation it will produce will use.
type PendingAggJob struct {
	ID          string     `json:"id"`
	CustomerID  string     `json:"customerId"`
	PeriodType  PeriodType `json:"periodType"`
	PeriodKey   string     `json:"periodKey"`
	PeriodStart time.Time  `json:"periodStart"`
	PeriodEnd   time.Time  `json:"periodEnd"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	QueuedAt    *time.Time `json:"queuedAt,omitempty"`
	Source      JobSource  `json:"source"`
	Version     string     `json:"-"`
}

// EventTypeConfig binds one configured event type to its reduction operator.
type EventTypeConfig struct {
	Op Operator `json:"op"`
}

// WebhookConfig describes one subscriber endpoint.
type WebhookConfig struct {
	URL     string `json:"url" mapstructure:"url"`
	Secret  string `json:"secret" mapstructure:"secret"`
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
}

// Config is the immutable, process-wide configuration loaded at startup.
type Config struct {
	Periods  []PeriodType               `json:"periods" mapstructure:"periods"`
	Events   map[string]EventTypeConfig `json:"events" mapstructure:"events"`
	Webhooks []WebhookConfig            `json:"webhooks" mapstructure:"webhooks"`
}

// HasPeriod reports whether p is one of the enabled period types.
func (c Config) HasPeriod(p PeriodType) bool {
	for _, want := range c.Periods {
		if want == p {
			return true
		}
	}
	return false
}

// EnabledWebhooks returns only the webhooks configured as enabled.
func (c Config) EnabledWebhooks() []WebhookConfig {
	out := make([]WebhookConfig, 0, len(c.Webhooks))
	for _, w := range c.Webhooks {
		if w.Enabled {
			out = append(out, w)
		}
	}
	return out
}
