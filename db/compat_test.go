package db

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// rewritePlaceholders
// ---------------------------------------------------------------------------

func TestRewritePlaceholders(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b, c) VALUES (?, ?, ?)", "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)"},
		// ? inside a quoted string must not be rewritten.
		{"SELECT '?' AS q FROM t WHERE id = ?", "SELECT '?' AS q FROM t WHERE id = $1"},
		// '' is an escaped quote; the ? after the closing ' is a placeholder.
		{"SELECT 'it''s' WHERE x = ?", "SELECT 'it''s' WHERE x = $1"},
		{"SELECT 'a?b' WHERE c = ? AND d = ?", "SELECT 'a?b' WHERE c = $1 AND d = $2"},
	}
	for _, tc := range tests {
		if got := rewritePlaceholders(tc.in); got != tc.want {
			t.Errorf("rewritePlaceholders(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRewriteOnlyForPostgres(t *testing.T) {
	q := "SELECT * FROM t WHERE id = ?"
	if got := (&DB{Dialect: DialectSQLite}).rewrite(q); got != q {
		t.Errorf("SQLite rewrite changed query: %q", got)
	}
	if got := (&DB{Dialect: DialectPostgres}).rewrite(q); !strings.Contains(got, "$1") {
		t.Errorf("Postgres rewrite = %q, want $1 placeholder", got)
	}
}

// ---------------------------------------------------------------------------
// Dialect helpers
// ---------------------------------------------------------------------------

func TestIsPostgres(t *testing.T) {
	if (&DB{Dialect: DialectSQLite}).IsPostgres() {
		t.Error("SQLite DB.IsPostgres() should be false")
	}
	if !(&DB{Dialect: DialectPostgres}).IsPostgres() {
		t.Error("Postgres DB.IsPostgres() should be true")
	}
}

func TestBeginTxSQL(t *testing.T) {
	if got := (&DB{Dialect: DialectSQLite}).BeginTxSQL(); got != "BEGIN IMMEDIATE" {
		t.Errorf("SQLite = %q, want BEGIN IMMEDIATE", got)
	}
	if got := (&DB{Dialect: DialectPostgres}).BeginTxSQL(); got != "BEGIN" {
		t.Errorf("Postgres = %q, want BEGIN", got)
	}
}

func TestNowUTC(t *testing.T) {
	if got := (&DB{Dialect: DialectSQLite}).NowUTC(); !strings.Contains(got, "strftime") {
		t.Errorf("SQLite NowUTC = %q: expected strftime", got)
	}
	if got := (&DB{Dialect: DialectPostgres}).NowUTC(); !strings.Contains(got, "now()") {
		t.Errorf("Postgres NowUTC = %q: expected now()", got)
	}
}

// ---------------------------------------------------------------------------
// Open / migrations
// ---------------------------------------------------------------------------

func TestOpenSQLiteAndMigrate(t *testing.T) {
	d, err := Open(DialectSQLite, filepath.Join(t.TempDir(), "compat_test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if err := RunMigrations(d.DB, d.Dialect); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	// Migrations are recorded, so a rerun is a no-op.
	if err := RunMigrations(d.DB, d.Dialect); err != nil {
		t.Fatalf("rerun migrations: %v", err)
	}

	var n int
	if err := d.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatalf("count applied migrations: %v", err)
	}
	if n == 0 {
		t.Error("no migrations recorded")
	}
	for _, table := range []string{"users", "accounts", "entries"} {
		if _, err := d.Exec("SELECT 1 FROM " + table + " LIMIT 1"); err != nil {
			t.Errorf("table %s missing after migrations: %v", table, err)
		}
	}
}

func TestOpenUnknownDialect(t *testing.T) {
	if _, err := Open(Dialect("oracle"), "dsn"); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
}

func TestConnBorrowAndReturn(t *testing.T) {
	d, err := Open(DialectSQLite, filepath.Join(t.TempDir(), "conn_test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	ctx := context.Background()

	conn, err := d.Conn(ctx)
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	if got := d.Stats().InUse; got != 1 {
		t.Errorf("in-use connections after borrow = %d, want 1", got)
	}

	var one int
	if err := conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil || one != 1 {
		t.Fatalf("query on borrowed conn: %v (got %d)", err, one)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := d.Stats().Idle; got < 1 {
		t.Errorf("idle count after return = %d, want at least 1", got)
	}
}
