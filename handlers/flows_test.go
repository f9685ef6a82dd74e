package handlers

import (
	"testing"
	"time"
)

func queryGetter(params map[string]string) func(string) string {
	return func(k string) string { return params[k] }
}

func TestParseFlowQueryFull(t *testing.T) {
	q, err := parseFlowQuery(queryGetter(map[string]string{
		"limit":         "50",
		"offset":        "10",
		"model":         "claude-sonnet-4-20250514",
		"statusCode":    "200",
		"minDurationMs": "250",
		"startTime":     "2026-08-20T00:00:00Z",
		"endTime":       "2026-08-21T00:00:00Z",
		"onlyErrors":    "true",
	}))
	if err != nil {
		t.Fatalf("parseFlowQuery: %v", err)
	}

	if q.Limit != 50 || q.Offset != 10 {
		t.Errorf("paging = %d/%d, want 50/10", q.Limit, q.Offset)
	}
	if q.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q", q.Model)
	}
	if q.StatusCode != 200 || q.MinDurationMs != 250 {
		t.Errorf("filters = %d/%d", q.StatusCode, q.MinDurationMs)
	}
	wantStart := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	if q.StartTime == nil || !q.StartTime.Equal(wantStart) {
		t.Errorf("startTime = %v, want %v", q.StartTime, wantStart)
	}
	if q.EndTime == nil || !q.EndTime.Equal(wantStart.Add(24*time.Hour)) {
		t.Errorf("endTime = %v", q.EndTime)
	}
	if !q.OnlyErrors {
		t.Error("onlyErrors not set")
	}
}

func TestParseFlowQueryEmpty(t *testing.T) {
	q, err := parseFlowQuery(queryGetter(nil))
	if err != nil {
		t.Fatalf("parseFlowQuery: %v", err)
	}
	if q.Limit != 0 || q.Offset != 0 || q.Model != "" || q.StartTime != nil || q.EndTime != nil || q.OnlyErrors {
		t.Errorf("empty query produced filters: %+v", q)
	}
}

func TestParseFlowQueryRejects(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]string
		wantErr string
	}{
		{"negative limit", map[string]string{"limit": "-1"}, "limit must be a non-negative integer"},
		{"junk limit", map[string]string{"limit": "ten"}, "limit must be a non-negative integer"},
		{"negative offset", map[string]string{"offset": "-5"}, "offset must be a non-negative integer"},
		{"status too small", map[string]string{"statusCode": "99"}, "statusCode must be a valid HTTP status"},
		{"status too large", map[string]string{"statusCode": "600"}, "statusCode must be a valid HTTP status"},
		{"negative duration", map[string]string{"minDurationMs": "-250"}, "minDurationMs must be a non-negative integer"},
		{"bad start time", map[string]string{"startTime": "yesterday"}, "startTime must be RFC3339"},
		{"bad end time", map[string]string{"endTime": "2026-08-21"}, "endTime must be RFC3339"},
		{
			"inverted range",
			map[string]string{"startTime": "2026-08-21T00:00:00Z", "endTime": "2026-08-20T00:00:00Z"},
			"endTime must not precede startTime",
		},
		{"vague onlyErrors", map[string]string{"onlyErrors": "maybe"}, "onlyErrors must be a boolean"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseFlowQuery(queryGetter(tc.params))
			if err == nil {
				t.Fatal("expected an error")
			}
			if err.Error() != tc.wantErr {
				t.Errorf("error = %q, want %q", err.Error(), tc.wantErr)
			}
		})
	}
}
