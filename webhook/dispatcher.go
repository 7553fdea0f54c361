// Package webhook implements spec.md §4.9 WebhookDispatcher: the
// queue-driven processor that signs and delivers one aggregation.completed
// notification per enabled subscriber.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/codehooks-metering/metering-engine/aggregation"
	"github.com/codehooks-metering/metering-engine/common"
	"github.com/codehooks-metering/metering-engine/metrics"
	"github.com/codehooks-metering/metering-engine/model"
	"github.com/codehooks-metering/metering-engine/store"
	"github.com/codehooks-metering/metering-engine/version"
	"github.com/codehooks-metering/metering-engine/worker"
)

// httpTimeout bounds a single delivery attempt, per spec.md §4.9 step 4.
const httpTimeout = 10 * time.Second

// Envelope is the signed, delivered notification body.
type Envelope struct {
	Type       string          `json:"type"`
	CustomerID string          `json:"customerId"`
	Period     string          `json:"period"`
	Data       EnvelopeData    `json:"data"`
	Created    int64           `json:"created"`
}

// EnvelopeData is the nested payload of Envelope, mirroring the fields of
// the completed Aggregation document.
type EnvelopeData struct {
	PeriodStart time.Time          `json:"periodStart"`
	PeriodEnd   time.Time          `json:"periodEnd"`
	PeriodKey   string             `json:"periodKey"`
	Timestamp   time.Time          `json:"timestamp"`
	Events      map[string]float64 `json:"events"`
	EventCounts map[string]int     `json:"eventCounts"`
}

// Processor implements worker.Processor over deliver-aggregation-webhook
// messages: each payload is a JSON-encoded aggregation.WebhookJob.
type Processor struct {
	store   store.Store
	client  *http.Client
	dryRun  bool
	log     *common.ContextLogger
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewProcessor builds a webhook delivery processor. When dryRun is true, no
// HTTP request is made; the intended request is logged and the aggregation
// is patched as delivered with dryRun=true, per spec.md §4.9 step 5.
func NewProcessor(s store.Store, dryRun bool) *Processor {
	return &Processor{
		store:  s,
		client: &http.Client{Timeout: httpTimeout},
		dryRun: dryRun,
		log:    common.NewContextLogger(common.Logger, map[string]interface{}{"component": "webhook_dispatcher"}),
		now:    time.Now,
	}
}

// WithMetrics attaches a metrics.Metrics instance for delivery-outcome
// counters. Optional: a nil metrics bundle is a no-op.
func (p *Processor) WithMetrics(m *metrics.Metrics) *Processor {
	p.metrics = m
	return p
}

var _ worker.Processor = (*Processor)(nil)

// Timeout bounds one delivery's processing time, covering HTTP plus store I/O.
func (p *Processor) Timeout() time.Duration { return httpTimeout + 5*time.Second }

// Retryable reports true for every delivery failure: spec.md §4.9's
// at-least-once guarantee hands retry policy to the queue.
func (p *Processor) Retryable(error) bool { return true }

// Process implements the seven-step algorithm of spec.md §4.9.
func (p *Processor) Process(ctx context.Context, payload []byte) error {
	var job aggregation.WebhookJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("webhook: decode job payload: %w", err)
	}

	log := p.log.WithFields(map[string]interface{}{
		"aggregation_id": job.AggregationID,
		"webhook_url":    job.WebhookURL,
	})

	agg, err := p.store.FindAggregation(ctx, job.AggregationID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Debug("aggregation no longer exists, nothing to deliver")
			return nil
		}
		return fmt.Errorf("webhook: find aggregation %s: %w", job.AggregationID, err)
	}

	now := p.now()
	envelope := Envelope{
		Type:       "aggregation.completed",
		CustomerID: agg.CustomerID,
		Period:     string(agg.Period),
		Data: EnvelopeData{
			PeriodStart: agg.PeriodStart,
			PeriodEnd:   agg.PeriodEnd,
			PeriodKey:   agg.PeriodKey,
			Timestamp:   agg.Timestamp,
			Events:      agg.Events,
			EventCounts: agg.EventCounts,
		},
		Created: now.Unix(),
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("webhook: encode envelope: %w", err)
	}

	timestamp := now.Unix()
	signature := sign(job.WebhookSecret, timestamp, body)

	if p.dryRun {
		log.WithFields(map[string]interface{}{
			"signature": signature,
			"timestamp": timestamp,
			"payload":   string(body),
		}).Info("dry run: webhook delivery suppressed")
		p.countDelivery(metrics.WebhookDryRun)
		return p.markDelivered(ctx, job.AggregationID, now, true)
	}

	status, err := p.deliver(ctx, job.WebhookURL, body, signature, timestamp)
	if err != nil {
		log.WithError(err).Warn("webhook delivery transport error")
		p.countDelivery(metrics.WebhookFailed)
		return p.markFailed(ctx, job.AggregationID, now, err.Error())
	}
	if status < 200 || status >= 300 {
		msg := fmt.Sprintf("unexpected status %d", status)
		log.WithField("status", status).Warn("webhook delivery rejected")
		p.countDelivery(metrics.WebhookFailed)
		return p.markFailed(ctx, job.AggregationID, now, msg)
	}

	log.WithField("status", status).Debug("webhook delivered")
	p.countDelivery(metrics.WebhookDelivered)
	return p.markDelivered(ctx, job.AggregationID, now, false)
}

func (p *Processor) countDelivery(result string) {
	if p.metrics == nil {
		return
	}
	p.metrics.WebhookDeliveries.WithLabelValues(result).Inc()
}

func sign(secret string, timestamp int64, body []byte) string {
	basestring := fmt.Sprintf("%d.%s", timestamp, body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(basestring))
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

func (p *Processor) deliver(ctx context.Context, url string, body []byte, signature string, timestamp int64) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", timestamp))
	req.Header.Set("User-Agent", "Codehooks-Metering/"+version.GetEngineVersion())
	req.ContentLength = int64(len(body))

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (p *Processor) markDelivered(ctx context.Context, aggID string, now time.Time, dryRun bool) error {
	existing, err := p.store.FindAggregation(ctx, aggID)
	if err != nil {
		return fmt.Errorf("webhook: reload aggregation %s: %w", aggID, err)
	}
	status := existing.WebhookStatus
	status.Delivered = true
	status.DeliveredAt = ptrTime(now)
	status.Attempts++
	status.DryRun = dryRun
	return p.store.UpdateAggregation(ctx, aggID, store.AggregationPatch{WebhookStatus: &status})
}

func (p *Processor) markFailed(ctx context.Context, aggID string, now time.Time, message string) error {
	existing, err := p.store.FindAggregation(ctx, aggID)
	if err != nil {
		return fmt.Errorf("webhook: reload aggregation %s: %w", aggID, err)
	}
	status := existing.WebhookStatus
	status.LastError = message
	status.LastAttemptAt = ptrTime(now)
	status.Attempts++
	if err := p.store.UpdateAggregation(ctx, aggID, store.AggregationPatch{WebhookStatus: &status}); err != nil {
		return err
	}
	// The patch itself succeeded, but delivery did not: surface the
	// delivery failure so the queue retries this message per its policy.
	return fmt.Errorf("webhook: delivery failed: %s", message)
}

func ptrTime(t time.Time) *time.Time { return &t }
