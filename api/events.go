package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/codehooks-metering/metering-engine/model"
	"github.com/codehooks-metering/metering-engine/store"
)

const defaultEventsLimit = 100

// getEvents implements GET /events per spec.md §6.
func (h *Handlers) getEvents(c echo.Context) error {
	filter := store.EventQuery{
		CustomerID: c.QueryParam("customerId"),
		EventType:  c.QueryParam("eventType"),
		Limit:      defaultEventsLimit,
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

	events, err := h.Store.QueryEvents(c.Request().Context(), filter)
	if err != nil {
		h.Log.WithError(err).Error("query events failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	if events == nil {
		events = []*model.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

// parseISO8601 returns (zero, false, nil) when s is empty.
func parseISO8601(s string) (time.Time, bool, error) {
	if s == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}
