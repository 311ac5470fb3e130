// Package audit is the control plane's durable, tamper-evident event log
// (C4): a single SQLite table, each row's chain_hash covering its own
// content and the previous row's hash so retroactive edits are detectable.
package audit

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "modernc.org/sqlite"

	"github.com/sreymja/mtls-proxy/internal/errs"
)

// EventKind enumerates the control-plane operations that produce an audit row.
type EventKind string

const (
	ConfigUpdate     EventKind = "config-update"
	CertUpload       EventKind = "cert-upload"
	CertDelete       EventKind = "cert-delete"
	ConfigValidate   EventKind = "config-validate"
	ServerStart      EventKind = "server-start"
	ServerStop       EventKind = "server-stop"
)

// Event is one durable audit row.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"event_kind"`
	Details   string    `json:"details"`
	User      string    `json:"user,omitempty"`
	IP        string    `json:"ip,omitempty"`
	ChainHash uint64    `json:"chain_hash"`
}

// genesisHash seeds the chain for the very first row ever written.
const genesisHash uint64 = 0xA17C0DE

const schema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	event_kind TEXT NOT NULL,
	details TEXT NOT NULL,
	user TEXT,
	ip TEXT,
	chain_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_event_kind ON audit_logs(event_kind);
`

// Store wraps a single SQLite connection behind a writer mutex, matching
// the blocking-worker dispatch spec.md §4.4/§9 require for the control
// plane: every write is awaited before the calling mutation reports success.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	lastHash uint64
}

// Open opens (creating if necessary) the audit database at path and
// primes the hash chain from the most recently written row.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Newf(errs.AuditLogError, "open audit database %s", path).WithDetails(err.Error())
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, errs.Newf(errs.AuditLogError, "enable WAL mode").WithDetails(err.Error())
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errs.Newf(errs.AuditLogError, "create audit schema").WithDetails(err.Error())
	}

	s := &Store{db: db, lastHash: genesisHash}
	var last sql.NullString
	err = db.QueryRow(`SELECT chain_hash FROM audit_logs ORDER BY id DESC LIMIT 1`).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		_ = db.Close()
		return nil, errs.Newf(errs.AuditLogError, "prime chain hash").WithDetails(err.Error())
	}
	if last.Valid {
		var h uint64
		if _, scanErr := fmt.Sscanf(last.String, "%x", &h); scanErr == nil {
			s.lastHash = h
		}
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func rowDigest(prev uint64, timestamp, kind, details, user, ip string) uint64 {
	h := xxhash.New()
	var prevBuf [8]byte
	binary.BigEndian.PutUint64(prevBuf[:], prev)
	_, _ = h.Write(prevBuf[:])
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(timestamp))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(details))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(user))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(ip))
	return h.Sum64()
}

// Log appends one audit event. The operation's success MUST NOT be reported
// to the original caller until this returns nil — the audit row is durable
// before the control-plane mutation is considered complete.
func (s *Store) Log(kind EventKind, details, user, ip string) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := time.Now().UTC()
	tsStr := ts.Format(time.RFC3339Nano)
	hash := rowDigest(s.lastHash, tsStr, string(kind), details, user, ip)

	res, err := s.db.Exec(
		`INSERT INTO audit_logs (timestamp, event_kind, details, user, ip, chain_hash) VALUES (?, ?, ?, ?, ?, ?)`,
		tsStr, string(kind), details, nullableString(user), nullableString(ip), fmt.Sprintf("%x", hash),
	)
	if err != nil {
		return Event{}, errs.Newf(errs.AuditLogError, "insert audit row").WithDetails(err.Error())
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Event{}, errs.Newf(errs.AuditLogError, "read inserted audit row id").WithDetails(err.Error())
	}
	s.lastHash = hash

	return Event{ID: id, Timestamp: ts, Kind: kind, Details: details, User: user, IP: ip, ChainHash: hash}, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Filter narrows Query results.
type Filter struct {
	Kind   EventKind // "" = any
	Limit  int
	Offset int
}

// Query returns audit events ordered by timestamp descending.
func (s *Store) Query(f Filter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, timestamp, event_kind, details, user, ip, chain_hash FROM audit_logs`
	var args []any
	if f.Kind != "" {
		query += ` WHERE event_kind = ?`
		args = append(args, string(f.Kind))
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errs.Newf(errs.AuditLogError, "query audit log").WithDetails(err.Error())
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts string
		var user, ip, hashHex sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.Details, &user, &ip, &hashHex); err != nil {
			return nil, errs.Newf(errs.AuditLogError, "scan audit row").WithDetails(err.Error())
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.User = user.String
		e.IP = ip.String
		fmt.Sscanf(hashHex.String, "%x", &e.ChainHash)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats are the totals exposed by GET /ui/api/audit/stats.
type Stats struct {
	Total           int64 `json:"total"`
	Today           int64 `json:"today"`
	ConfigUpdates   int64 `json:"config_updates"`
	CertOperations  int64 `json:"cert_operations"`
	ChainIntact     bool  `json:"chain_intact"`
	ChainBrokenAtID int64 `json:"chain_broken_at_id,omitempty"`
}

// Stats computes the audit stats dashboard numbers plus chain integrity.
func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	total, err := s.countWhere(``)
	if err != nil {
		s.mu.Unlock()
		return Stats{}, err
	}
	today, err := s.countWhere(`WHERE timestamp >= ?`, time.Now().UTC().Truncate(24*time.Hour).Format(time.RFC3339Nano))
	if err != nil {
		s.mu.Unlock()
		return Stats{}, err
	}
	configUpdates, err := s.countWhere(`WHERE event_kind = ?`, string(ConfigUpdate))
	if err != nil {
		s.mu.Unlock()
		return Stats{}, err
	}
	certOps, err := s.countWhere(`WHERE event_kind IN (?, ?)`, string(CertUpload), string(CertDelete))
	if err != nil {
		s.mu.Unlock()
		return Stats{}, err
	}
	s.mu.Unlock()

	ok, brokenAt, err := s.VerifyChain()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Total:           total,
		Today:           today,
		ConfigUpdates:   configUpdates,
		CertOperations:  certOps,
		ChainIntact:     ok,
		ChainBrokenAtID: brokenAt,
	}, nil
}

func (s *Store) countWhere(clause string, args ...any) (int64, error) {
	var n int64
	q := `SELECT COUNT(*) FROM audit_logs ` + clause
	if err := s.db.QueryRow(q, args...).Scan(&n); err != nil {
		return 0, errs.Newf(errs.AuditLogError, "count audit rows").WithDetails(err.Error())
	}
	return n, nil
}

// VerifyChain walks the table in ascending id order, recomputing each row's
// expected hash from its stored predecessor's hash. It reports the first
// row whose stored chain_hash does not match, which means that row was
// edited, or the row before it was deleted, out of band. Because each row is
// checked against its predecessor's stored hash, rows after a single
// tampered row still verify.
func (s *Store) VerifyChain() (ok bool, brokenAtID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, qerr := s.db.Query(`SELECT id, timestamp, event_kind, details, user, ip, chain_hash FROM audit_logs ORDER BY id ASC`)
	if qerr != nil {
		return false, 0, errs.Newf(errs.AuditLogError, "verify chain query").WithDetails(qerr.Error())
	}
	defer rows.Close()

	prev := genesisHash
	for rows.Next() {
		var id int64
		var ts, kind, details string
		var user, ip, hashHex sql.NullString
		if err := rows.Scan(&id, &ts, &kind, &details, &user, &ip, &hashHex); err != nil {
			return false, 0, errs.Newf(errs.AuditLogError, "verify chain scan").WithDetails(err.Error())
		}
		var stored uint64
		fmt.Sscanf(hashHex.String, "%x", &stored)
		expected := rowDigest(prev, ts, kind, details, user.String, ip.String)
		if expected != stored {
			return false, id, nil
		}
		prev = stored
	}
	return true, 0, rows.Err()
}
