package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/codehooks-metering/metering-engine/ingest"
)

const maxBatchSize = 1000

// postUsage implements POST /usage/{eventType} per spec.md §6.
func (h *Handlers) postUsage(c echo.Context) error {
	cfg := h.Config().Metering

	var body struct {
		CustomerID string                 `json:"customerId"`
		Value      float64                `json:"value"`
		Metadata   map[string]interface{} `json:"metadata,omitempty"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}

	req := ingest.Request{
		EventType:  c.Param("eventType"),
		CustomerID: body.CustomerID,
		Value:      body.Value,
		Metadata:   body.Metadata,
	}

	evt, err := h.Ingest.Ingest(c.Request().Context(), cfg, req)
	if err != nil {
		return h.respondIngestError(c, err)
	}

	h.countIngested(req.EventType)
	return c.JSON(http.StatusCreated, evt)
}

// postUsageBatch implements POST /usagebatch per spec.md §6.
func (h *Handlers) postUsageBatch(c echo.Context) error {
	cfg := h.Config().Metering

	var reqs []ingest.Request
	if err := c.Bind(&reqs); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}

	if len(reqs) > maxBatchSize {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]int{
			"received":  len(reqs),
			"maxAllowed": maxBatchSize,
		})
	}

	if len(cfg.Events) == 0 {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": ingest.ErrNoEventTypesConfigured.Error()})
	}

	type indexError struct {
		Index  int      `json:"index"`
		Errors []string `json:"errors"`
	}
	var validationErrors []indexError
	for i, req := range reqs {
		if verr := h.Ingest.Validate(cfg, req); verr != nil {
			validationErrors = append(validationErrors, indexError{Index: i, Errors: verr.Details})
		}
	}
	if len(validationErrors) > 0 {
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{"errors": validationErrors})
	}

	successCount, failedCount := 0, 0
	for _, req := range reqs {
		if _, err := h.Ingest.Ingest(c.Request().Context(), cfg, req); err != nil {
			failedCount++
			continue
		}
		h.countIngested(req.EventType)
		successCount++
	}

	if failedCount == 0 {
		return c.JSON(http.StatusCreated, map[string]int{"successCount": successCount, "failedCount": failedCount})
	}
	return c.JSON(http.StatusMultiStatus, map[string]int{"successCount": successCount, "failedCount": failedCount})
}

func (h *Handlers) respondIngestError(c echo.Context, err error) error {
	var verr *ingest.ValidationError
	if errors.As(err, &verr) {
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"error":   "validation failed",
			"details": verr.Details,
		})
	}
	if errors.Is(err, ingest.ErrNoEventTypesConfigured) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	}
	h.Log.WithError(err).Error("ingest failed")
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func (h *Handlers) countIngested(eventType string) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.EventsIngested.WithLabelValues(eventType).Inc()
}
