package db

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

const (
	// flowQueueSize bounds the record queue; the proxy never blocks on
	// the flow log.
	flowQueueSize = 256

	// flowBatchSize is how many records one insert transaction carries.
	flowBatchSize = 32

	// flowFlushEvery caps how long a partial batch may sit in memory.
	flowFlushEvery = time.Second
)

// FlowRecord is one proxied request.
type FlowRecord struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"requestId"`
	Timestamp    time.Time `json:"timestamp"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Model        string    `json:"model,omitempty"`
	Stream       bool      `json:"stream"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	DurationMs   int64     `json:"durationMs"`
	StatusCode   int       `json:"statusCode"`
	Error        string    `json:"error,omitempty"`
	UserID       string    `json:"userId,omitempty"`
}

// FlowQuery filters and pages the flow listing.
type FlowQuery struct {
	Limit         int
	Offset        int
	Model         string
	StatusCode    int
	MinDurationMs int64
	StartTime     *time.Time
	EndTime       *time.Time
	OnlyErrors    bool
}

// ModelStats aggregates flows per model.
type ModelStats struct {
	Model        string `json:"model"`
	Count        int64  `json:"count"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// FlowStats summarizes the whole flow log.
type FlowStats struct {
	TotalRequests     int64        `json:"totalRequests"`
	SuccessCount      int64        `json:"successCount"`
	ErrorCount        int64        `json:"errorCount"`
	AvgDurationMs     float64      `json:"avgDurationMs"`
	TotalInputTokens  int64        `json:"totalInputTokens"`
	TotalOutputTokens int64        `json:"totalOutputTokens"`
	PerModel          []ModelStats `json:"perModel"`
}

// FlowStore buffers flow records and writes them to duckdb in batches.
// Record never blocks; a full queue drops the record with a warning.
type FlowStore struct {
	db    *DB
	queue chan FlowRecord
	done  chan struct{}
}

// NewFlowStore starts the background writer.
func NewFlowStore(database *DB) *FlowStore {
	fs := &FlowStore{
		db:    database,
		queue: make(chan FlowRecord, flowQueueSize),
		done:  make(chan struct{}),
	}
	go fs.run()
	return fs
}

// Record enqueues one flow record without blocking.
func (fs *FlowStore) Record(rec FlowRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	select {
	case fs.queue <- rec:
	default:
		logger.Warn("Flow record dropped, queue full", "path", rec.Path, "status", rec.StatusCode)
	}
}

// Close flushes queued records and stops the writer.
func (fs *FlowStore) Close() {
	close(fs.queue)
	<-fs.done
}

func (fs *FlowStore) run() {
	defer close(fs.done)

	ticker := time.NewTicker(flowFlushEvery)
	defer ticker.Stop()

	batch := make([]FlowRecord, 0, flowBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := fs.insert(batch); err != nil {
			logger.LogErr(err, "failed to persist flow batch", "count", strconv.Itoa(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-fs.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= flowBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (fs *FlowStore) insert(batch []FlowRecord) error {
	return fs.db.Transaction(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO flows (request_id, ts, method, path, model, stream,
				input_tokens, output_tokens, duration_ms, status_code, error, user_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return serr.Wrap(err, "failed to prepare flow insert")
		}
		defer stmt.Close()

		for _, r := range batch {
			_, err := stmt.Exec(r.RequestID, r.Timestamp.UTC(), r.Method, r.Path, r.Model, r.Stream,
				r.InputTokens, r.OutputTokens, r.DurationMs, r.StatusCode, r.Error, r.UserID)
			if err != nil {
				return serr.Wrap(err, "failed to insert flow record")
			}
		}
		return nil
	})
}

// Query returns matching flows newest first plus the total match count
// before paging. Limit defaults to 100 and is capped at 1000.
func (fs *FlowStore) Query(q FlowQuery) ([]FlowRecord, int64, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	where, args := flowFilter(q)

	var total int64
	if err := fs.db.QueryRow("SELECT COUNT(*) FROM flows"+where, args...).Scan(&total); err != nil {
		return nil, 0, serr.Wrap(err, "failed to count flows")
	}

	rows, err := fs.db.Query(`
		SELECT id, request_id, ts, method, path, model, stream,
			input_tokens, output_tokens, duration_ms, status_code, error, user_id
		FROM flows`+where+`
		ORDER BY ts DESC, id DESC
		LIMIT ? OFFSET ?
	`, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	flows := make([]FlowRecord, 0, q.Limit)
	for rows.Next() {
		var r FlowRecord
		err := rows.Scan(&r.ID, &r.RequestID, &r.Timestamp, &r.Method, &r.Path, &r.Model, &r.Stream,
			&r.InputTokens, &r.OutputTokens, &r.DurationMs, &r.StatusCode, &r.Error, &r.UserID)
		if err != nil {
			return nil, 0, serr.Wrap(err, "failed to scan flow record")
		}
		flows = append(flows, r)
	}
	return flows, total, rows.Err()
}

func flowFilter(q FlowQuery) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if q.Model != "" {
		conds = append(conds, "model = ?")
		args = append(args, q.Model)
	}
	if q.StatusCode != 0 {
		conds = append(conds, "status_code = ?")
		args = append(args, q.StatusCode)
	}
	if q.MinDurationMs > 0 {
		conds = append(conds, "duration_ms >= ?")
		args = append(args, q.MinDurationMs)
	}
	if q.StartTime != nil {
		conds = append(conds, "ts >= ?")
		args = append(args, q.StartTime.UTC())
	}
	if q.EndTime != nil {
		conds = append(conds, "ts <= ?")
		args = append(args, q.EndTime.UTC())
	}
	if q.OnlyErrors {
		conds = append(conds, "(status_code >= 400 OR error <> '')")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Stats aggregates the whole flow log. Sums are cast to BIGINT because
// duckdb widens integer sums to HUGEINT.
func (fs *FlowStore) Stats() (*FlowStats, error) {
	st := &FlowStats{PerModel: []ModelStats{}}

	err := fs.db.QueryRow(`
		SELECT COUNT(*),
			CAST(COALESCE(SUM(CASE WHEN status_code < 400 AND error = '' THEN 1 ELSE 0 END), 0) AS BIGINT),
			CAST(COALESCE(SUM(CASE WHEN status_code >= 400 OR error <> '' THEN 1 ELSE 0 END), 0) AS BIGINT),
			COALESCE(AVG(duration_ms), 0),
			CAST(COALESCE(SUM(input_tokens), 0) AS BIGINT),
			CAST(COALESCE(SUM(output_tokens), 0) AS BIGINT)
		FROM flows
	`).Scan(&st.TotalRequests, &st.SuccessCount, &st.ErrorCount, &st.AvgDurationMs,
		&st.TotalInputTokens, &st.TotalOutputTokens)
	if err != nil {
		return nil, serr.Wrap(err, "failed to aggregate flow stats")
	}

	rows, err := fs.db.Query(`
		SELECT model, COUNT(*),
			CAST(COALESCE(SUM(input_tokens), 0) AS BIGINT),
			CAST(COALESCE(SUM(output_tokens), 0) AS BIGINT)
		FROM flows
		WHERE model <> ''
		GROUP BY model
		ORDER BY COUNT(*) DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m ModelStats
		if err := rows.Scan(&m.Model, &m.Count, &m.InputTokens, &m.OutputTokens); err != nil {
			return nil, serr.Wrap(err, "failed to scan model stats")
		}
		st.PerModel = append(st.PerModel, m)
	}
	return st, rows.Err()
}

// Clear deletes flows older than before, or every flow when before is
// nil. Returns the number of deleted rows.
func (fs *FlowStore) Clear(before *time.Time) (int64, error) {
	var res sql.Result
	var err error
	if before != nil {
		res, err = fs.db.Exec("DELETE FROM flows WHERE ts < ?", before.UTC())
	} else {
		res, err = fs.db.Exec("DELETE FROM flows")
	}
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, serr.Wrap(err, "failed to read affected rows")
	}
	return n, nil
}
