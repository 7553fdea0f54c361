// Package operator implements spec.md §4.2 OperatorEngine: pure reduction
// of a finite collection of events to a single numeric value plus a
// contributing-event count, for each of the seven configured operators.
package operator

import (
	"fmt"

	"github.com/codehooks-metering/metering-engine/model"
)

// Result is the outcome of reducing a collection of events. NoData is set
// when the operator has nothing meaningful to report for an empty input
// (avg, min, max, first, last); sum/count always produce a value.
type Result struct {
	Value  float64
	Count  int
	NoData bool
}

// Reduce applies op to events, which must already be sorted the way the
// operator needs (ascending ReceivedAt for "first", descending for "last";
// any order otherwise) — store.QueryEventsForAggregation guarantees this.
func Reduce(op model.Operator, events []*model.Event) (Result, error) {
	switch op {
	case model.OpSum:
		return reduceSum(events), nil
	case model.OpAvg:
		return reduceAvg(events), nil
	case model.OpMin:
		return reduceMin(events), nil
	case model.OpMax:
		return reduceMax(events), nil
	case model.OpCount:
		return reduceCount(events), nil
	case model.OpFirst:
		return reduceFirst(events), nil
	case model.OpLast:
		return reduceLast(events), nil
	default:
		return Result{}, fmt.Errorf("%w: unknown operator %q", model.ErrConfigInvalid, op)
	}
}

func reduceSum(events []*model.Event) Result {
	var sum float64
	for _, e := range events {
		sum += e.Value
	}
	return Result{Value: sum, Count: len(events)}
}

func reduceAvg(events []*model.Event) Result {
	if len(events) == 0 {
		return Result{NoData: true}
	}
	var sum float64
	for _, e := range events {
		sum += e.Value
	}
	return Result{Value: sum / float64(len(events)), Count: len(events)}
}

func reduceMin(events []*model.Event) Result {
	if len(events) == 0 {
		return Result{NoData: true}
	}
	min := events[0].Value
	for _, e := range events[1:] {
		if e.Value < min {
			min = e.Value
		}
	}
	return Result{Value: min, Count: len(events)}
}

func reduceMax(events []*model.Event) Result {
	if len(events) == 0 {
		return Result{NoData: true}
	}
	max := events[0].Value
	for _, e := range events[1:] {
		if e.Value > max {
			max = e.Value
		}
	}
	return Result{Value: max, Count: len(events)}
}

func reduceCount(events []*model.Event) Result {
	return Result{Value: float64(len(events)), Count: len(events)}
}

// reduceFirst expects events sorted ascending by ReceivedAt, with ties
// broken by Seq (store insertion order), and returns the earliest value.
func reduceFirst(events []*model.Event) Result {
	if len(events) == 0 {
		return Result{NoData: true}
	}
	best := events[0]
	for _, e := range events[1:] {
		if e.ReceivedAt.Before(best.ReceivedAt) ||
			(e.ReceivedAt.Equal(best.ReceivedAt) && e.Seq < best.Seq) {
			best = e
		}
	}
	return Result{Value: best.Value, Count: len(events)}
}

// reduceLast expects events sorted descending by ReceivedAt, with ties
// broken by Seq, and returns the latest value.
func reduceLast(events []*model.Event) Result {
	if len(events) == 0 {
		return Result{NoData: true}
	}
	best := events[0]
	for _, e := range events[1:] {
		if e.ReceivedAt.After(best.ReceivedAt) ||
			(e.ReceivedAt.Equal(best.ReceivedAt) && e.Seq > best.Seq) {
			best = e
		}
	}
	return Result{Value: best.Value, Count: len(events)}
}

// ValidOp reports whether op is one of the seven known operators; used at
// config-load time so unknown operators fail loudly before any aggregation
// runs, per spec.md §9's closed-sum dispatch design.
func ValidOp(op model.Operator) bool {
	switch op {
	case model.OpSum, model.OpAvg, model.OpMin, model.OpMax, model.OpCount, model.OpFirst, model.OpLast:
		return true
	default:
		return false
	}
}
