package pgxbackend

import (
	"context"
	"os"
	"testing"
)

// TestAgainstLiveUpstream exercises the pool against a real PostgreSQL
// instance when PGFRONTEND_TEST_DSN is set. Skipped otherwise since this
// backend has no embedded engine to fall back on.
func TestAgainstLiveUpstream(t *testing.T) {
	dsn := os.Getenv("PGFRONTEND_TEST_DSN")
	if dsn == "" {
		t.Skip("PGFRONTEND_TEST_DSN not set; skipping live upstream test")
	}

	ctx := context.Background()
	b, err := New(ctx, Config{DSN: dsn})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	sess, err := b.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer sess.Close()

	res, err := sess.ExecuteSQL(ctx, "SELECT 1", nil)
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if !res.Next() {
		t.Fatal("expected one row")
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("first explicit Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close should be a no-op (simulates CancelRequest racing teardown), got %v", err)
	}
}
