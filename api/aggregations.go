package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/codehooks-metering/metering-engine/model"
	"github.com/codehooks-metering/metering-engine/store"
)

// getAggregations implements GET /aggregations per spec.md §6.
func (h *Handlers) getAggregations(c echo.Context) error {
	filter := store.AggregationQuery{
		CustomerID: c.QueryParam("customerId"),
		Period:     model.PeriodType(c.QueryParam("period")),
	}

	if from, ok, err := parseISO8601(c.QueryParam("from")); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "from must be ISO-8601"})
	} else if ok {
		filter.From = from
	}
	if to, ok, err := parseISO8601(c.QueryParam("to")); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "to must be ISO-8601"})
	} else if ok {
		filter.To = to
	}
	if limitStr := c.QueryParam("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
		}
		filter.Limit = limit
	}

	aggs, err := h.Store.QueryAggregations(c.Request().Context(), filter)
	if err != nil {
		h.Log.WithError(err).Error("query aggregations failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	if aggs == nil {
		aggs = []*model.Aggregation{}
	}
	return c.JSON(http.StatusOK, aggs)
}

// postTrigger implements POST /aggregations/trigger per spec.md §6 and §4.7.
func (h *Handlers) postTrigger(c echo.Context) error {
	result, err := h.Scheduler.RunTrigger(c.Request().Context(), h.Queue)
	if err != nil {
		h.Log.WithError(err).Error("manual trigger failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.JSON(http.StatusAccepted, result)
}
