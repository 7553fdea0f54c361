package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllSeries(t *testing.T) {
	m := New()
	require.NotNil(t, m.Registry)

	m.EventsIngested.WithLabelValues("api_call").Inc()
	m.AggregationJobs.WithLabelValues(JobResultOK).Inc()
	m.WebhookDeliveries.WithLabelValues(WebhookDelivered).Inc()
	m.LockAcquireTotal.WithLabelValues(LockAcquired).Inc()
	m.AggregationDuration.Observe(0.25)

	count, err := testutil.GatherAndCount(m.Registry)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestNew_ReturnsIndependentRegistries(t *testing.T) {
	m1 := New()
	m2 := New()

	m1.EventsIngested.WithLabelValues("api_call").Inc()

	value := testutil.ToFloat64(m1.EventsIngested.WithLabelValues("api_call"))
	assert.Equal(t, float64(1), value)

	value2 := testutil.ToFloat64(m2.EventsIngested.WithLabelValues("api_call"))
	assert.Equal(t, float64(0), value2)
}
