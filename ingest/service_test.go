package ingest

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codehooks-metering/metering-engine/model"
	"github.com/codehooks-metering/metering-engine/store"
)

func testCfg() model.Config {
	return model.Config{
		Periods: []model.PeriodType{model.PeriodDaily},
		Events:  map[string]model.EventTypeConfig{"api_call": {Op: model.OpSum}},
	}
}

func TestIngest_ValidEvent_IsStoredWithPeriodKeys(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewService(s)

	evt, err := svc.Ingest(context.Background(), testCfg(), Request{
		EventType: "api_call", CustomerID: "cust1", Value: 42,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, evt.ID)
	assert.NotEmpty(t, evt.PeriodKeys.Day)

	stored, err := s.QueryEvents(context.Background(), store.EventQuery{CustomerID: "cust1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 42.0, stored[0].Value)
}

func TestIngest_UnknownEventType_ReturnsValidationError(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewService(s)

	_, err := svc.Ingest(context.Background(), testCfg(), Request{
		EventType: "unknown", CustomerID: "cust1", Value: 1,
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Details[0], "unknown")
}

func TestIngest_EmptyCustomerID_ReturnsValidationError(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewService(s)

	_, err := svc.Ingest(context.Background(), testCfg(), Request{
		EventType: "api_call", CustomerID: "", Value: 1,
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestIngest_NonFiniteValue_ReturnsValidationError(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewService(s)

	_, err := svc.Ingest(context.Background(), testCfg(), Request{
		EventType: "api_call", CustomerID: "cust1", Value: math.Inf(1),
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestIngest_NoEventTypesConfigured_ReturnsSentinel(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewService(s)

	_, err := svc.Ingest(context.Background(), model.Config{}, Request{
		EventType: "api_call", CustomerID: "cust1", Value: 1,
	})
	assert.ErrorIs(t, err, ErrNoEventTypesConfigured)
}
