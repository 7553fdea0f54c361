// Package timeindex implements spec.md §4.1 TimeIndex: the canonical
// mapping from a UTC instant to period keys and period boundary intervals.
// Every function here is pure; none touch the store, the clock package
// excepted only insofar as callers pass in the "now" they care about.
package timeindex

import (
	"fmt"
	"time"

	"github.com/codehooks-metering/metering-engine/model"
)

// Keys returns the six canonical, zero-padded period keys for t, in UTC.
func Keys(t time.Time) model.PeriodKeys {
	t = t.UTC()
	_, isoWeek := t.ISOWeek()
	return model.PeriodKeys{
		Minute: t.Format("200601021504"),
		Hour:   t.Format("2006010215"),
		Day:    t.Format("20060102"),
		Week:   fmt.Sprintf("%04d%02d", isoYear(t), isoWeek),
		Month:  t.Format("200601"),
		Year:   t.Format("2006"),
	}
}

func isoYear(t time.Time) int {
	y, _ := t.ISOWeek()
	return y
}

// Bounds is the inclusive [Start, End] interval identifying one period,
// plus the period key that names it.
type Bounds struct {
	Start time.Time
	End   time.Time
	Key   string
}

// Complete reports whether the period is finished as of now (periodEnd is
// strictly before now).
func (b Bounds) Complete(now time.Time) bool {
	return now.After(b.End)
}

// CurrentBounds returns the bounds of the period containing now.
func CurrentBounds(periodType model.PeriodType, now time.Time) (Bounds, error) {
	now = now.UTC()
	switch periodType {
	case model.PeriodHourly:
		start := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, time.UTC)
		end := start.Add(time.Hour).Add(-time.Millisecond)
		return Bounds{start, end, start.Format("2006010215")}, nil
	case model.PeriodDaily:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 0, 1).Add(-time.Millisecond)
		return Bounds{start, end, start.Format("20060102")}, nil
	case model.PeriodWeekly:
		start := mondayStartOf(now)
		end := start.AddDate(0, 0, 7).Add(-time.Millisecond)
		y, w := start.ISOWeek()
		return Bounds{start, end, fmt.Sprintf("%04d%02d", y, w)}, nil
	case model.PeriodMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, 0).Add(-time.Millisecond)
		return Bounds{start, end, start.Format("200601")}, nil
	case model.PeriodYearly:
		start := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(1, 0, 0).Add(-time.Millisecond)
		return Bounds{start, end, start.Format("2006")}, nil
	default:
		return Bounds{}, fmt.Errorf("%w: unknown period type %q", model.ErrConfigInvalid, periodType)
	}
}

// PreviousCompletedBounds returns the bounds of the period immediately
// preceding the one containing now.
func PreviousCompletedBounds(periodType model.PeriodType, now time.Time) (Bounds, error) {
	current, err := CurrentBounds(periodType, now)
	if err != nil {
		return Bounds{}, err
	}
	// Stepping back by one unit from the start of the current period and
	// re-deriving bounds avoids duplicating the per-type arithmetic above.
	probe := current.Start.Add(-time.Millisecond)
	return CurrentBounds(periodType, probe)
}

// mondayStartOf returns 00:00:00.000 UTC of the Monday in t's ISO week.
func mondayStartOf(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	// time.Weekday: Sunday=0 ... Saturday=6; ISO week starts Monday.
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// FieldForPeriod maps a period type to the EventStore field name the
// aggregation worker filters on.
func FieldForPeriod(p model.PeriodType) string {
	switch p {
	case model.PeriodHourly:
		return "periodKeys.hour"
	case model.PeriodDaily:
		return "periodKeys.day"
	case model.PeriodWeekly:
		return "periodKeys.week"
	case model.PeriodMonthly:
		return "periodKeys.month"
	case model.PeriodYearly:
		return "periodKeys.year"
	default:
		return ""
	}
}
