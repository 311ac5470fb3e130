package requestlog

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "requests.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLogRequestAndResponse_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	req := Request{ID: "req-1", Timestamp: now, Method: "GET", URI: "https://origin.test/v1/models", Headers: "{}", BodySize: 0, ClientIP: "10.0.0.1"}
	if err := s.LogRequest(req); err != nil {
		t.Fatalf("log request: %v", err)
	}

	resp := Response{RequestID: "req-1", Timestamp: now.Add(50 * time.Millisecond), StatusCode: 200, Headers: "{}", BodySize: 12, DurationMs: 50}
	if err := s.LogResponse(resp); err != nil {
		t.Fatalf("log response: %v", err)
	}

	pair, err := s.GetByID("req-1")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if pair == nil || pair.Response == nil {
		t.Fatalf("expected paired row, got %+v", pair)
	}
	if pair.Response.StatusCode != 200 {
		t.Fatalf("expected status 200, got %d", pair.Response.StatusCode)
	}
}

func TestGetByID_RequestWithoutResponse(t *testing.T) {
	s := openTestStore(t)
	req := Request{ID: "req-inflight", Timestamp: time.Now().UTC(), Method: "POST", URI: "https://origin.test/x", Headers: "{}", BodySize: 4, ClientIP: "10.0.0.2"}
	if err := s.LogRequest(req); err != nil {
		t.Fatalf("log request: %v", err)
	}
	pair, err := s.GetByID("req-inflight")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if pair == nil {
		t.Fatalf("expected a row")
	}
	if pair.Response != nil {
		t.Fatalf("expected nil response side for in-flight request")
	}
}

func TestLogRequest_DuplicateIDErrorsWithoutCrashing(t *testing.T) {
	s := openTestStore(t)
	req := Request{ID: "dup", Timestamp: time.Now().UTC(), Method: "GET", URI: "https://origin.test/y", Headers: "{}", ClientIP: "10.0.0.3"}
	if err := s.LogRequest(req); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.LogRequest(req); err == nil {
		t.Fatalf("expected PK violation error on duplicate id")
	}
}

func TestSearch_OrdersDescendingAndFilters(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i, method := range []string{"GET", "POST", "GET"} {
		r := Request{
			ID:        string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Method:    method,
			URI:       "https://origin.test/",
			Headers:   "{}",
			ClientIP:  "10.0.0.1",
		}
		if err := s.LogRequest(r); err != nil {
			t.Fatalf("log request %d: %v", i, err)
		}
	}

	pairs, err := s.Search(Filter{Start: base.Add(-time.Minute), End: time.Now().UTC(), Method: "GET", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("expected 2 GET rows, got %d", len(pairs))
	}
	if pairs[0].Request.Timestamp.Before(pairs[1].Request.Timestamp) {
		t.Fatalf("expected descending order by timestamp")
	}
}

func TestCleanup_RemovesOldRows(t *testing.T) {
	s := openTestStore(t)
	old := Request{ID: "old", Timestamp: time.Now().UTC().Add(-48 * time.Hour), Method: "GET", URI: "https://origin.test/", Headers: "{}", ClientIP: "10.0.0.1"}
	if err := s.LogRequest(old); err != nil {
		t.Fatalf("log request: %v", err)
	}
	if err := s.Cleanup(24 * time.Hour); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	pair, err := s.GetByID("old")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if pair != nil {
		t.Fatalf("expected old row to be cleaned up")
	}
}
