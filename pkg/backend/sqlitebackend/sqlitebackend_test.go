package sqlitebackend

import (
	"context"
	"testing"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	cfg := DefaultConfig()
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSelectInsertRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	sess, err := b.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer sess.Close()

	if _, err := sess.ExecuteSQL(ctx, "CREATE TABLE widgets (id INTEGER, name TEXT)", nil); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := sess.ExecuteSQL(ctx, "INSERT INTO widgets (id, name) VALUES ($1, $2)", []interface{}{1, "sprocket"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	res, err := sess.ExecuteSQL(ctx, "SELECT id, name FROM widgets WHERE id = $1", []interface{}{1})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !res.HasResults() {
		t.Fatal("expected result rows")
	}
	cols := res.Columns()
	if len(cols) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(cols))
	}
	if !res.Next() {
		t.Fatal("expected one row")
	}
	row := res.Row()
	if row[1] != "sprocket" {
		t.Fatalf("expected name sprocket, got %v", row[1])
	}
	if res.Next() {
		t.Fatal("expected exactly one row")
	}
}

func TestTransactionCommitRollback(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	sess, err := b.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer sess.Close()

	if _, err := sess.ExecuteSQL(ctx, "CREATE TABLE t (n INTEGER)", nil); err != nil {
		t.Fatalf("create table: %v", err)
	}

	if _, err := sess.ExecuteSQL(ctx, "BEGIN", nil); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !sess.InTransaction() {
		t.Fatal("expected InTransaction after BEGIN")
	}
	if _, err := sess.ExecuteSQL(ctx, "INSERT INTO t (n) VALUES ($1)", []interface{}{1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := sess.ExecuteSQL(ctx, "ROLLBACK", nil); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if sess.InTransaction() {
		t.Fatal("expected not InTransaction after ROLLBACK")
	}

	res, err := sess.ExecuteSQL(ctx, "SELECT COUNT(*) FROM t", nil)
	if err != nil {
		t.Fatalf("select count: %v", err)
	}
	res.Next()
	if row := res.Row(); row[0] != int64(0) {
		t.Fatalf("expected 0 rows after rollback, got %v", row[0])
	}
}

func TestLoadRows(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	sess, err := b.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer sess.Close()

	if _, err := sess.ExecuteSQL(ctx, "CREATE TABLE bulk (a INTEGER, b TEXT)", nil); err != nil {
		t.Fatalf("create table: %v", err)
	}

	loader, ok := sess.(interface {
		LoadRows(ctx context.Context, table string, columns []string, rows [][]interface{}) (int, error)
	})
	if !ok {
		t.Fatal("session does not implement LoadRows")
	}

	n, err := loader.LoadRows(ctx, "bulk", []string{"a", "b"}, [][]interface{}{
		{1, "x"},
		{2, "y"},
	})
	if err != nil {
		t.Fatalf("LoadRows: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows loaded, got %d", n)
	}
}

func TestLoadRowsRejectsInvalidIdentifiers(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	sess, err := b.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer sess.Close()

	if _, err := sess.ExecuteSQL(ctx, "CREATE TABLE bulk (a INTEGER)", nil); err != nil {
		t.Fatalf("create table: %v", err)
	}

	loader := sess.(interface {
		LoadRows(ctx context.Context, table string, columns []string, rows [][]interface{}) (int, error)
	})

	if _, err := loader.LoadRows(ctx, "bulk; DROP TABLE bulk", []string{"a"}, [][]interface{}{{1}}); err == nil {
		t.Fatal("expected an error for a table name containing SQL metacharacters")
	}
	if _, err := loader.LoadRows(ctx, "bulk", []string{"a, (SELECT 1)"}, [][]interface{}{{1}}); err == nil {
		t.Fatal("expected an error for a column name containing SQL metacharacters")
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	sess, err := b.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}

func TestPlaceholderTranslation(t *testing.T) {
	got := translatePlaceholders("SELECT * FROM t WHERE a = $1 AND b = $2")
	want := "SELECT * FROM t WHERE a = ? AND b = ?"
	if got != want {
		t.Fatalf("translatePlaceholders: got %q, want %q", got, want)
	}
}
