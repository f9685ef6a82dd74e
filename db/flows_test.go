package db

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *FlowStore {
	t.Helper()
	database, err := InitDB(filepath.Join(t.TempDir(), "flows.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return &FlowStore{db: database, queue: make(chan FlowRecord, flowQueueSize), done: make(chan struct{})}
}

func seed(t *testing.T, fs *FlowStore, recs ...FlowRecord) {
	t.Helper()
	if err := fs.insert(recs); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func at(day, hour int) time.Time {
	return time.Date(2025, 6, day, hour, 0, 0, 0, time.UTC)
}

func TestFlowStoreQueueDrainsOnClose(t *testing.T) {
	database, err := InitDB(filepath.Join(t.TempDir(), "flows.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	fs := NewFlowStore(database)
	for i := 0; i < 40; i++ {
		fs.Record(FlowRecord{
			RequestID:  "req",
			Method:     "POST",
			Path:       "/v1/messages",
			Model:      "claude-sonnet-4.5",
			StatusCode: 200,
			DurationMs: int64(i),
		})
	}
	fs.Close()

	flows, total, err := fs.Query(FlowQuery{Limit: 1000})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 40 || len(flows) != 40 {
		t.Errorf("persisted %d flows (total %d), want 40", len(flows), total)
	}
}

func TestFlowRoundTrip(t *testing.T) {
	fs := newTestStore(t)
	want := FlowRecord{
		RequestID:    "abc-123",
		Timestamp:    at(1, 10),
		Method:       "POST",
		Path:         "/v1/messages",
		Model:        "claude-opus-4.5",
		Stream:       true,
		InputTokens:  42,
		OutputTokens: 17,
		DurationMs:   512,
		StatusCode:   200,
		Error:        "",
		UserID:       "user-1",
	}
	seed(t, fs, want)

	flows, total, err := fs.Query(FlowQuery{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 1 || len(flows) != 1 {
		t.Fatalf("got %d flows, want 1", len(flows))
	}
	got := flows[0]
	if got.ID == 0 {
		t.Error("id was not assigned")
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, want.Timestamp)
	}
	got.ID, got.Timestamp = 0, want.Timestamp
	if got != want {
		t.Errorf("record round trip:\n got %+v\nwant %+v", got, want)
	}
}

func TestFlowQueryFilters(t *testing.T) {
	fs := newTestStore(t)
	seed(t, fs,
		FlowRecord{RequestID: "1", Timestamp: at(1, 9), Method: "POST", Path: "/v1/messages", Model: "claude-sonnet-4.5", StatusCode: 200, DurationMs: 100},
		FlowRecord{RequestID: "2", Timestamp: at(1, 10), Method: "POST", Path: "/v1/messages", Model: "claude-opus-4.5", StatusCode: 200, DurationMs: 900},
		FlowRecord{RequestID: "3", Timestamp: at(2, 9), Method: "POST", Path: "/v1/messages", Model: "claude-sonnet-4.5", StatusCode: 503, DurationMs: 50},
		FlowRecord{RequestID: "4", Timestamp: at(2, 10), Method: "POST", Path: "/v1/messages", Model: "claude-sonnet-4.5", StatusCode: 200, DurationMs: 300, Error: "stream aborted"},
	)

	start := at(2, 0)
	end := at(1, 23)

	tests := []struct {
		name string
		q    FlowQuery
		want []string
	}{
		{"all newest first", FlowQuery{}, []string{"4", "3", "2", "1"}},
		{"by model", FlowQuery{Model: "claude-opus-4.5"}, []string{"2"}},
		{"by status", FlowQuery{StatusCode: 503}, []string{"3"}},
		{"min duration", FlowQuery{MinDurationMs: 300}, []string{"4", "2"}},
		{"start time", FlowQuery{StartTime: &start}, []string{"4", "3"}},
		{"end time", FlowQuery{EndTime: &end}, []string{"2", "1"}},
		{"only errors", FlowQuery{OnlyErrors: true}, []string{"4", "3"}},
		{"combined", FlowQuery{Model: "claude-sonnet-4.5", OnlyErrors: true, StatusCode: 503}, []string{"3"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			flows, total, err := fs.Query(tc.q)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if int(total) != len(tc.want) {
				t.Errorf("total = %d, want %d", total, len(tc.want))
			}
			if len(flows) != len(tc.want) {
				t.Fatalf("got %d flows, want %d", len(flows), len(tc.want))
			}
			for i, id := range tc.want {
				if flows[i].RequestID != id {
					t.Errorf("flows[%d].RequestID = %s, want %s", i, flows[i].RequestID, id)
				}
			}
		})
	}
}

func TestFlowQueryPaging(t *testing.T) {
	fs := newTestStore(t)
	for i := 1; i <= 5; i++ {
		seed(t, fs, FlowRecord{
			RequestID: string(rune('0' + i)), Timestamp: at(1, i),
			Method: "POST", Path: "/v1/messages", StatusCode: 200,
		})
	}

	flows, total, err := fs.Query(FlowQuery{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(flows) != 2 || flows[0].RequestID != "3" || flows[1].RequestID != "2" {
		t.Errorf("page = %v", flows)
	}
}

func TestFlowStats(t *testing.T) {
	fs := newTestStore(t)
	seed(t, fs,
		FlowRecord{RequestID: "a", Timestamp: at(1, 1), Method: "POST", Path: "/v1/messages", Model: "claude-sonnet-4.5", StatusCode: 200, DurationMs: 100, InputTokens: 10, OutputTokens: 20},
		FlowRecord{RequestID: "b", Timestamp: at(1, 2), Method: "POST", Path: "/v1/messages", Model: "claude-sonnet-4.5", StatusCode: 200, DurationMs: 300, InputTokens: 5, OutputTokens: 5},
		FlowRecord{RequestID: "c", Timestamp: at(1, 3), Method: "POST", Path: "/v1/messages", Model: "claude-opus-4.5", StatusCode: 500, DurationMs: 200, InputTokens: 1, OutputTokens: 2},
		FlowRecord{RequestID: "d", Timestamp: at(1, 4), Method: "POST", Path: "/v1/count_tokens", StatusCode: 200, DurationMs: 0, Error: "boom"},
	)

	st, err := fs.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalRequests != 4 || st.SuccessCount != 2 || st.ErrorCount != 2 {
		t.Errorf("counts = %d/%d/%d, want 4/2/2", st.TotalRequests, st.SuccessCount, st.ErrorCount)
	}
	if st.AvgDurationMs != 150 {
		t.Errorf("avg duration = %v, want 150", st.AvgDurationMs)
	}
	if st.TotalInputTokens != 16 || st.TotalOutputTokens != 27 {
		t.Errorf("token totals = %d/%d, want 16/27", st.TotalInputTokens, st.TotalOutputTokens)
	}
	if len(st.PerModel) != 2 {
		t.Fatalf("perModel = %v", st.PerModel)
	}
	if st.PerModel[0].Model != "claude-sonnet-4.5" || st.PerModel[0].Count != 2 ||
		st.PerModel[0].InputTokens != 15 || st.PerModel[0].OutputTokens != 25 {
		t.Errorf("perModel[0] = %+v", st.PerModel[0])
	}
	if st.PerModel[1].Model != "claude-opus-4.5" || st.PerModel[1].Count != 1 {
		t.Errorf("perModel[1] = %+v", st.PerModel[1])
	}
}

func TestFlowClear(t *testing.T) {
	fs := newTestStore(t)
	seed(t, fs,
		FlowRecord{RequestID: "old", Timestamp: at(1, 0), Method: "POST", Path: "/v1/messages", StatusCode: 200},
		FlowRecord{RequestID: "new", Timestamp: at(3, 0), Method: "POST", Path: "/v1/messages", StatusCode: 200},
	)

	cutoff := at(2, 0)
	n, err := fs.Clear(&cutoff)
	if err != nil {
		t.Fatalf("Clear(before): %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	flows, _, err := fs.Query(FlowQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(flows) != 1 || flows[0].RequestID != "new" {
		t.Errorf("remaining = %v", flows)
	}

	n, err = fs.Clear(nil)
	if err != nil {
		t.Fatalf("Clear(nil): %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	_, total, err := fs.Query(FlowQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("total after clear = %d", total)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.db")
	first, err := InitDB(path)
	if err != nil {
		t.Fatalf("first InitDB: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second, err := InitDB(path)
	if err != nil {
		t.Fatalf("second InitDB: %v", err)
	}
	t.Cleanup(func() { second.Close() })

	var version int
	if err := second.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Errorf("migration version = %d, want 1", version)
	}
}
