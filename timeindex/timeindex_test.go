package timeindex

import (
	"testing"
	"time"

	"github.com/codehooks-metering/metering-engine/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	// 2026-01-13 is a Tuesday in ISO week 3 of 2026.
	ts := time.Date(2026, 1, 13, 9, 5, 30, 0, time.UTC)
	keys := Keys(ts)

	assert.Equal(t, "202601130905", keys.Minute)
	assert.Equal(t, "2026011309", keys.Hour)
	assert.Equal(t, "20260113", keys.Day)
	assert.Equal(t, "202601", keys.Month)
	assert.Equal(t, "2026", keys.Year)
	assert.Equal(t, "202603", keys.Week)
}

func TestCurrentBounds_ContainsNow(t *testing.T) {
	now := time.Date(2026, 3, 17, 14, 22, 9, 0, time.UTC)

	for _, p := range []model.PeriodType{
		model.PeriodHourly, model.PeriodDaily, model.PeriodWeekly,
		model.PeriodMonthly, model.PeriodYearly,
	} {
		b, err := CurrentBounds(p, now)
		require.NoError(t, err)
		assert.False(t, now.Before(b.Start), "period %s: now before start", p)
		assert.False(t, now.After(b.End), "period %s: now after end", p)
	}
}

func TestCurrentBounds_Daily(t *testing.T) {
	now := time.Date(2026, 3, 17, 14, 22, 9, 0, time.UTC)
	b, err := CurrentBounds(model.PeriodDaily, now)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC), b.Start)
	assert.Equal(t, time.Date(2026, 3, 17, 23, 59, 59, 999000000, time.UTC), b.End)
	assert.Equal(t, "20260317", b.Key)
}

func TestCurrentBounds_Weekly_MondayStart(t *testing.T) {
	// 2026-03-17 is a Tuesday.
	now := time.Date(2026, 3, 17, 14, 22, 9, 0, time.UTC)
	b, err := CurrentBounds(model.PeriodWeekly, now)
	require.NoError(t, err)

	assert.Equal(t, time.Monday, b.Start.Weekday())
	assert.Equal(t, time.Sunday, b.End.Weekday())
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), b.Start)
}

func TestCurrentBounds_UnknownPeriod(t *testing.T) {
	_, err := CurrentBounds("fortnightly", time.Now().UTC())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConfigInvalid)
}

func TestPreviousCompletedBounds_Daily(t *testing.T) {
	now := time.Date(2026, 3, 17, 0, 0, 30, 0, time.UTC)
	prev, err := PreviousCompletedBounds(model.PeriodDaily, now)
	require.NoError(t, err)

	assert.Equal(t, "20260316", prev.Key)
	assert.True(t, prev.Complete(now))
}

func TestBoundaryEventAtPeriodEndIsIncluded(t *testing.T) {
	now := time.Date(2026, 3, 17, 12, 0, 0, 0, time.UTC)
	b, err := CurrentBounds(model.PeriodDaily, now)
	require.NoError(t, err)

	// An event whose receivedAt equals periodEnd exactly still belongs to
	// this period: periodEnd is inclusive, so it is not "after" itself.
	assert.False(t, b.End.After(b.End))
	assert.True(t, b.Complete(b.End.Add(time.Millisecond)))
	assert.False(t, b.Complete(b.End))
}
