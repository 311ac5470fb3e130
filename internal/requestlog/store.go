// Package requestlog is the durable, indexed request/response log (C3):
// a SQLite-backed store, schema ported from the reference Rust
// implementation's logging.rs, serialized behind a single writer mutex.
package requestlog

import (
	"database/sql"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sreymja/mtls-proxy/internal/errs"
)

// Request is one inbound exchange, logged before the upstream call completes.
type Request struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	URI       string    `json:"uri"`
	Headers   string    `json:"headers"`
	BodySize  int64     `json:"body_size"`
	ClientIP  string    `json:"client_ip"`
}

// Response pairs with a Request by RequestID once the upstream call finishes.
type Response struct {
	RequestID  string    `json:"request_id"`
	Timestamp  time.Time `json:"timestamp"`
	StatusCode int       `json:"status_code"`
	Headers    string    `json:"headers"`
	BodySize   int64     `json:"body_size"`
	DurationMs int64     `json:"duration_ms"`
}

// Pair is a joined (Request, Response) row; Response is nil when the
// request has not yet completed or the proxy crashed mid-forward.
type Pair struct {
	Request  Request   `json:"request"`
	Response *Response `json:"response"`
}

// Filter narrows Search results.
type Filter struct {
	Start  time.Time
	End    time.Time
	Method string
	Status int // 0 = any
	Limit  int
	Offset int
}

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	method TEXT NOT NULL,
	uri TEXT NOT NULL,
	headers TEXT NOT NULL,
	body_size INTEGER NOT NULL,
	client_ip TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp);

CREATE TABLE IF NOT EXISTS responses (
	request_id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	headers TEXT NOT NULL,
	body_size INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	FOREIGN KEY(request_id) REFERENCES requests(id)
);
CREATE INDEX IF NOT EXISTS idx_responses_timestamp ON responses(timestamp);
`

// Store is a mutex-guarded connection to the request/response database.
// A single writer is sufficient per spec.md §4.3; WAL mode is enabled so
// readers on the same connection pool don't block behind an in-flight write
// any longer than necessary.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Newf(errs.DatabaseError, "open request log database %s", path).WithDetails(err.Error())
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, errs.Newf(errs.DatabaseError, "enable WAL mode").WithDetails(err.Error())
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errs.Newf(errs.DatabaseError, "create request log schema").WithDetails(err.Error())
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LogRequest inserts one request row. A primary-key violation (duplicate
// id) is surfaced as an error but must never crash the caller.
func (s *Store) LogRequest(r Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO requests (id, timestamp, method, uri, headers, body_size, client_ip) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp.UTC().Format(time.RFC3339Nano), r.Method, r.URI, r.Headers, r.BodySize, r.ClientIP,
	)
	if err != nil {
		return errs.Newf(errs.DatabaseError, "insert request log row %s", r.ID).WithDetails(err.Error())
	}
	return nil
}

// LogResponse inserts one response row, after the upstream call terminates
// (success, network error, or synthesized timeout response).
func (s *Store) LogResponse(r Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO responses (request_id, timestamp, status_code, headers, body_size, duration_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.Timestamp.UTC().Format(time.RFC3339Nano), r.StatusCode, r.Headers, r.BodySize, r.DurationMs,
	)
	if err != nil {
		return errs.Newf(errs.DatabaseError, "insert response log row %s", r.RequestID).WithDetails(err.Error())
	}
	return nil
}

// GetByID returns the request/response pair for id, if present.
func (s *Store) GetByID(id string) (*Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT id, timestamp, method, uri, headers, body_size, client_ip FROM requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Newf(errs.DatabaseError, "get request %s", id).WithDetails(err.Error())
	}

	resp, err := s.lookupResponse(id)
	if err != nil {
		return nil, err
	}
	return &Pair{Request: req, Response: resp}, nil
}

func (s *Store) lookupResponse(id string) (*Response, error) {
	row := s.db.QueryRow(`SELECT request_id, timestamp, status_code, headers, body_size, duration_ms FROM responses WHERE request_id = ?`, id)
	var r Response
	var ts string
	err := row.Scan(&r.RequestID, &ts, &r.StatusCode, &r.Headers, &r.BodySize, &r.DurationMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Newf(errs.DatabaseError, "get response %s", id).WithDetails(err.Error())
	}
	r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	return &r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (Request, error) {
	var r Request
	var ts string
	err := row.Scan(&r.ID, &ts, &r.Method, &r.URI, &r.Headers, &r.BodySize, &r.ClientIP)
	if err != nil {
		return r, err
	}
	r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	return r, nil
}

// Search returns request/response pairs ⟕-joined (left join on responses)
// ordered by request timestamp descending, within filter.Start/End and the
// optional Method/Status predicates. A request without a paired response is
// returned with Response == nil.
func (s *Store) Search(f Filter) ([]Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	start := f.Start
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	end := f.End
	if end.IsZero() {
		end = time.Now().UTC().AddDate(100, 0, 0)
	}

	query := `SELECT r.id, r.timestamp, r.method, r.uri, r.headers, r.body_size, r.client_ip,
		resp.request_id, resp.timestamp, resp.status_code, resp.headers, resp.body_size, resp.duration_ms
		FROM requests r
		LEFT JOIN responses resp ON resp.request_id = r.id
		WHERE r.timestamp >= ? AND r.timestamp <= ?`
	args := []any{start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano)}

	if f.Method != "" {
		query += " AND r.method = ?"
		args = append(args, f.Method)
	}
	if f.Status != 0 {
		query += " AND resp.status_code = ?"
		args = append(args, f.Status)
	}
	query += " ORDER BY r.timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errs.Newf(errs.DatabaseError, "search request log").WithDetails(err.Error())
	}
	defer rows.Close()

	var out []Pair
	for rows.Next() {
		var req Request
		var reqTS string
		var respID, respTS, respHeaders sql.NullString
		var respStatus, respBodySize, respDuration sql.NullInt64

		if err := rows.Scan(&req.ID, &reqTS, &req.Method, &req.URI, &req.Headers, &req.BodySize, &req.ClientIP,
			&respID, &respTS, &respStatus, &respHeaders, &respBodySize, &respDuration); err != nil {
			return nil, errs.Newf(errs.DatabaseError, "scan search row").WithDetails(err.Error())
		}
		req.Timestamp, _ = time.Parse(time.RFC3339Nano, reqTS)

		pair := Pair{Request: req}
		if respID.Valid {
			ts, _ := time.Parse(time.RFC3339Nano, respTS.String)
			pair.Response = &Response{
				RequestID:  respID.String,
				Timestamp:  ts,
				StatusCode: int(respStatus.Int64),
				Headers:    respHeaders.String,
				BodySize:   respBodySize.Int64,
				DurationMs: respDuration.Int64,
			}
		}
		out = append(out, pair)
	}
	return out, rows.Err()
}

// Cleanup deletes rows older than retention, responses first to respect the
// foreign key, then requests, then reclaims space via VACUUM.
func (s *Store) Cleanup(retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	if _, err := s.db.Exec(`DELETE FROM responses WHERE timestamp < ?`, cutoff); err != nil {
		return errs.Newf(errs.DatabaseError, "cleanup responses").WithDetails(err.Error())
	}
	if _, err := s.db.Exec(`DELETE FROM requests WHERE timestamp < ?`, cutoff); err != nil {
		return errs.Newf(errs.DatabaseError, "cleanup requests").WithDetails(err.Error())
	}
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return errs.Newf(errs.DatabaseError, "vacuum request log").WithDetails(err.Error())
	}
	return nil
}

// Stats returns simple derived dashboard counters for the control API.
type Stats struct {
	TotalRequests  int64 `json:"total_requests"`
	TotalResponses int64 `json:"total_responses"`
}

// Stats computes aggregate counts across the whole store.
func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM requests`).Scan(&st.TotalRequests); err != nil {
		return st, errs.Newf(errs.DatabaseError, "count requests").WithDetails(err.Error())
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM responses`).Scan(&st.TotalResponses); err != nil {
		return st, errs.Newf(errs.DatabaseError, "count responses").WithDetails(err.Error())
	}
	return st, nil
}
