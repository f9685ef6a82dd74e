package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rohanthewiz/rweb"
	"github.com/rohanthewiz/serr"

	"kiroproxy/db"
)

// parseFlowQuery validates the flow list query parameters. The getter
// indirection keeps it testable without a live server.
func parseFlowQuery(get func(string) string) (db.FlowQuery, error) {
	var q db.FlowQuery

	if v := get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, serr.New("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	if v := get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, serr.New("offset must be a non-negative integer")
		}
		q.Offset = n
	}
	q.Model = get("model")
	if v := get("statusCode"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 100 || n > 599 {
			return q, serr.New("statusCode must be a valid HTTP status")
		}
		q.StatusCode = n
	}
	if v := get("minDurationMs"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return q, serr.New("minDurationMs must be a non-negative integer")
		}
		q.MinDurationMs = n
	}
	if v := get("startTime"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, serr.New("startTime must be RFC3339")
		}
		q.StartTime = &t
	}
	if v := get("endTime"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, serr.New("endTime must be RFC3339")
		}
		q.EndTime = &t
	}
	if q.StartTime != nil && q.EndTime != nil && q.EndTime.Before(*q.StartTime) {
		return q, serr.New("endTime must not precede startTime")
	}
	if v := get("onlyErrors"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return q, serr.New("onlyErrors must be a boolean")
		}
		q.OnlyErrors = b
	}
	return q, nil
}

type flowListResponse struct {
	Flows []db.FlowRecord `json:"flows"`
	Total int64           `json:"total"`
}

// flowsReady guards the flow endpoints; the proxy runs without the flow
// database when it failed to open at startup.
func flowsReady(c rweb.Context) (bool, error) {
	if deps.Flows != nil {
		return true, nil
	}
	return false, adminFault(c, http.StatusServiceUnavailable, "unavailable", "flow log is not available")
}

func listFlowsHandler(c rweb.Context) error {
	if ok, err := flowsReady(c); !ok {
		return err
	}
	q, err := parseFlowQuery(c.Request().QueryParam)
	if err != nil {
		return adminFault(c, http.StatusBadRequest, "invalid_request", err.Error())
	}
	flows, total, err := deps.Flows.Query(q)
	if err != nil {
		return adminFault(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
	if flows == nil {
		flows = []db.FlowRecord{}
	}
	return c.WriteJSON(flowListResponse{Flows: flows, Total: total})
}

func clearFlowsHandler(c rweb.Context) error {
	if ok, err := flowsReady(c); !ok {
		return err
	}
	var before *time.Time
	if v := c.Request().QueryParam("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return adminFault(c, http.StatusBadRequest, "invalid_request", "before must be RFC3339")
		}
		before = &t
	}
	deleted, err := deps.Flows.Clear(before)
	if err != nil {
		return adminFault(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
	return c.WriteJSON(map[string]any{"success": true, "deleted": deleted})
}

func flowStatsHandler(c rweb.Context) error {
	if ok, err := flowsReady(c); !ok {
		return err
	}
	stats, err := deps.Flows.Stats()
	if err != nil {
		return adminFault(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
	return c.WriteJSON(stats)
}
