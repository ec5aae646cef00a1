package rewriter

import (
	"strings"
	"testing"
)

func TestPreParseShortCircuits(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"version", "select version()", "SELECT 'PostgreSQL 15.0 (pgfrontend)' AS version"},
		{"pg_catalog version", "SELECT pg_catalog.version()", "SELECT 'PostgreSQL 15.0 (pgfrontend)' AS version"},
		{"search_path", "SHOW search_path", "SELECT '\"$user\", public' AS search_path"},
		{"isolation level", "SHOW TRANSACTION ISOLATION LEVEL", "SELECT 'read committed' AS transaction_isolation"},
		{"standard conforming strings", "show standard_conforming_strings", "SELECT 'on' AS standard_conforming_strings"},
		{"begin read only", "BEGIN READ ONLY", "BEGIN"},
	}

	rw := New(DialectPostgres)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rw.Rewrite(tt.input)
			if err != nil {
				t.Fatalf("Rewrite: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegClassCastStripped(t *testing.T) {
	rw := New(DialectPostgres)
	got, err := rw.Rewrite("SELECT 'widgets'::regclass")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if strings.Contains(got, "regclass") {
		t.Fatalf("expected regclass cast stripped, got %q", got)
	}
}

func TestRelationSubstitution(t *testing.T) {
	rw := New(DialectPostgres)
	rw.Register("reports.summary", func() (string, error) {
		return "SELECT 1 AS total", nil
	})

	got, err := rw.Rewrite("SELECT total FROM reports.summary WHERE total > 0")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if !strings.Contains(got, "(SELECT 1 AS total) AS summary") {
		t.Fatalf("expected substituted subquery with implicit alias, got %q", got)
	}
}

func TestRelationSubstitutionPreservesExplicitAlias(t *testing.T) {
	rw := New(DialectPostgres)
	rw.Register("reports.summary", func() (string, error) {
		return "SELECT 1 AS total", nil
	})

	got, err := rw.Rewrite("SELECT r.total FROM reports.summary r WHERE r.total > 0")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if !strings.Contains(got, "(SELECT 1 AS total) r") {
		t.Fatalf("expected explicit alias preserved untouched, got %q", got)
	}
}

func TestRelationSubstitutionThreePartQualifiedName(t *testing.T) {
	rw := New(DialectPostgres)
	rw.Register("system.jdbc.schemas", func() (string, error) {
		return "SELECT catalog_name AS table_catalog, schema_name AS table_schem FROM information_schema.schemata", nil
	})

	got, err := rw.Rewrite("SELECT * FROM system.jdbc.schemas t")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if !strings.Contains(got, "(SELECT catalog_name AS table_catalog, schema_name AS table_schem FROM information_schema.schemata) t") {
		t.Fatalf("expected 3-part qualified relation substituted, got %q", got)
	}
}

func TestRelationSubstitutionQuotedIdentifier(t *testing.T) {
	rw := New(DialectPostgres)
	rw.Register("MixedCase", func() (string, error) {
		return "SELECT 1 AS total", nil
	})

	got, err := rw.Rewrite(`SELECT * FROM "MixedCase" WHERE total > 0`)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if !strings.Contains(got, `(SELECT 1 AS total) AS "MixedCase"`) {
		t.Fatalf("expected quoted relation name substituted without corrupting trailing text, got %q", got)
	}
	if !strings.Contains(got, "WHERE total > 0") {
		t.Fatalf("expected trailing clause intact after splice, got %q", got)
	}
}

func TestUnregisteredRelationPassesThrough(t *testing.T) {
	rw := New(DialectPostgres)
	input := "SELECT * FROM widgets WHERE id = 1"
	got, err := rw.Rewrite(input)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if got != input {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestUnparseableSQLPassesThrough(t *testing.T) {
	rw := New(DialectPostgres)
	rw.Register("t", func() (string, error) { return "SELECT 1", nil })
	input := "THIS IS NOT VALID SQL !!!"
	got, err := rw.Rewrite(input)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if got != input {
		t.Fatalf("expected passthrough on parse failure, got %q", got)
	}
}

func TestSQLiteDialectMassage(t *testing.T) {
	rw := New(DialectSQLite)
	got, err := rw.Rewrite("SELECT * FROM widgets WHERE name ILIKE 'foo%' AND created_at < now()")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if strings.Contains(strings.ToUpper(got), "ILIKE") {
		t.Fatalf("expected ILIKE rewritten to LIKE, got %q", got)
	}
	if !strings.Contains(got, "CURRENT_TIMESTAMP") {
		t.Fatalf("expected now() rewritten to CURRENT_TIMESTAMP, got %q", got)
	}
}
