package audit

import (
	"path/filepath"
	"testing"

	"go.uber.org/goleak"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestStore_OpenCloseLeavesNoGoroutines guards against the pure-Go SQLite
// driver or the writer-mutex path leaking a goroutine across the
// durability-before-ack Log() calls required by spec.md §4.4/§9.
func TestStore_OpenCloseLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Log(ServerStart, "boot", "", ""); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestLog_EachMutationProducesOneRow(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Log(ConfigUpdate, "target_url changed", "", "127.0.0.1"); err != nil {
		t.Fatalf("log: %v", err)
	}
	events, err := s.Query(Filter{Kind: ConfigUpdate, Limit: 10})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one config-update row, got %d", len(events))
	}
}

func TestVerifyChain_IntactAfterWrites(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := s.Log(ServerStart, "boot", "", ""); err != nil {
			t.Fatalf("log %d: %v", i, err)
		}
	}
	ok, brokenAt, err := s.VerifyChain()
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !ok || brokenAt != 0 {
		t.Fatalf("expected intact chain, got ok=%v brokenAt=%d", ok, brokenAt)
	}
}

func TestVerifyChain_DetectsTamperedRow(t *testing.T) {
	s := openTestStore(t)
	var ids []int64
	for i := 0; i < 3; i++ {
		e, err := s.Log(CertUpload, "uploaded client.crt", "operator", "10.0.0.5")
		if err != nil {
			t.Fatalf("log %d: %v", i, err)
		}
		ids = append(ids, e.ID)
	}

	if _, err := s.db.Exec(`UPDATE audit_logs SET details = ? WHERE id = ?`, "tampered", ids[1]); err != nil {
		t.Fatalf("tamper update: %v", err)
	}

	ok, brokenAt, err := s.VerifyChain()
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if ok {
		t.Fatalf("expected chain to be detected as broken")
	}
	if brokenAt != ids[1] {
		t.Fatalf("expected break at id %d, got %d", ids[1], brokenAt)
	}
}

func TestStats_CountsByCategory(t *testing.T) {
	s := openTestStore(t)
	_, _ = s.Log(ConfigUpdate, "a", "", "")
	_, _ = s.Log(CertUpload, "b", "", "")
	_, _ = s.Log(CertDelete, "c", "", "")

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("expected total=3, got %d", stats.Total)
	}
	if stats.ConfigUpdates != 1 {
		t.Fatalf("expected 1 config update, got %d", stats.ConfigUpdates)
	}
	if stats.CertOperations != 2 {
		t.Fatalf("expected 2 cert operations, got %d", stats.CertOperations)
	}
	if !stats.ChainIntact {
		t.Fatalf("expected chain intact")
	}
}
