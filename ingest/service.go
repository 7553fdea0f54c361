// Package ingest implements the validate-and-store half of spec.md §6's
// usage endpoints: turning a raw request body into a stored model.Event,
// stamped with its six canonical period keys.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/codehooks-metering/metering-engine/model"
	"github.com/codehooks-metering/metering-engine/store"
	"github.com/codehooks-metering/metering-engine/timeindex"
)

// ErrNoEventTypesConfigured is returned when Config.Events is empty, the
// condition spec.md §6 maps to a 503 on the ingest endpoints.
var ErrNoEventTypesConfigured = errors.New("ingest: no event types configured")

// ValidationError collects one or more per-field problems with a submitted
// event; the api package renders it as a 422 {error, details[]} body.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ingest: validation failed: %v", e.Details)
}

// Request is one event as submitted to POST /usage/{eventType} or one
// element of the POST /usagebatch array.
type Request struct {
	EventType string                 `json:"eventType,omitempty"`
	CustomerID string                `json:"customerId"`
	Value      float64               `json:"value"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Service validates and stores usage events against the currently loaded
// configuration's known event types.
type Service struct {
	store store.Store
	now   func() time.Time
}

// NewService builds an ingest service backed by s.
func NewService(s store.Store) *Service {
	return &Service{store: s, now: time.Now}
}

// Validate checks req against cfg's known event types without storing
// anything; used by both the single and batch endpoints so validation
// ordering (shape, then per-field) stays identical across both.
func (svc *Service) Validate(cfg model.Config, req Request) *ValidationError {
	var details []string

	if len(cfg.Events) == 0 {
		return nil // caller checks ErrNoEventTypesConfigured separately
	}
	if _, known := cfg.Events[req.EventType]; !known {
		details = append(details, fmt.Sprintf("eventType %q is not configured", req.EventType))
	}
	if req.CustomerID == "" {
		details = append(details, "customerId must be a non-empty string")
	}
	if math.IsNaN(req.Value) || math.IsInf(req.Value, 0) {
		details = append(details, "value must be a finite number")
	}

	if len(details) == 0 {
		return nil
	}
	return &ValidationError{Details: details}
}

// Ingest validates req against cfg and, if valid, stores it. now is stamped
// once at call time and used both as ReceivedAt and as the basis for the six
// period keys.
func (svc *Service) Ingest(ctx context.Context, cfg model.Config, req Request) (*model.Event, error) {
	if len(cfg.Events) == 0 {
		return nil, ErrNoEventTypesConfigured
	}
	if verr := svc.Validate(cfg, req); verr != nil {
		return nil, verr
	}

	now := svc.now().UTC()
	event := &model.Event{
		ID:         uuid.New().String(),
		CustomerID: req.CustomerID,
		EventType:  req.EventType,
		Value:      req.Value,
		Metadata:   req.Metadata,
		ReceivedAt: now,
		PeriodKeys: timeindex.Keys(now),
	}
	if err := svc.store.InsertEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("ingest: insert event: %w", err)
	}
	return event, nil
}
