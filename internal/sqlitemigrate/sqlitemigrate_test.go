package sqlitemigrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestApplyRunsEachFileOnce(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	fsys := fstest.MapFS{
		"001_kv.sql":    {Data: []byte("-- +migrate Up\nCREATE TABLE kv (k TEXT PRIMARY KEY);\n-- +migrate Down\nDROP TABLE kv;\n")},
		"002_extra.sql": {Data: []byte("ALTER TABLE kv ADD COLUMN v BLOB;")},
		"README.md":     {Data: []byte("ignored")},
	}

	for i := 0; i < 2; i++ {
		if err := Apply(ctx, db, fsys, "."); err != nil {
			t.Fatalf("apply #%d: %v", i+1, err)
		}
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + migrationTable).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("applied = %d, want 2", n)
	}
	if _, err := db.Exec("INSERT INTO kv (k, v) VALUES ('a', x'00')"); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}

func TestExtractUp(t *testing.T) {
	cases := map[string]string{
		"CREATE TABLE a(x);":                                      "CREATE TABLE a(x);",
		"-- +migrate Up\nCREATE TABLE a(x);":                      "\nCREATE TABLE a(x);",
		"-- +migrate Up\nCREATE TABLE a(x);\n-- +migrate Down\nX": "\nCREATE TABLE a(x);\n",
	}
	for in, want := range cases {
		if got := ExtractUp(in); got != want {
			t.Fatalf("ExtractUp(%q) = %q, want %q", in, got, want)
		}
	}
}
