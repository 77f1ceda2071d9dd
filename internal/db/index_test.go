package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestIndexBaselineUtility(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "idx.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close() //nolint:errcheck

	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, _ = db.ExecContext(ctx, `INSERT INTO card_reads(uid, reader_index, format, read_at) VALUES('04A2B3C4', 0, 'spaced', ?)`, now)

	assertPlanUsesIndex(t, db, `EXPLAIN QUERY PLAN SELECT * FROM card_reads WHERE read_at < '2030-01-01'`, "card_reads_read_at")
}

func assertPlanUsesIndex(t *testing.T, db *sql.DB, query, expectedIndex string) {
	t.Helper()
	rows, err := db.Query(query)
	if err != nil {
		t.Fatalf("query plan failed: %v", err)
	}
	defer rows.Close()
	var matched bool
	for rows.Next() {
		var id, parent, notused int
		var detail string
		if err := rows.Scan(&id, &parent, &notused, &detail); err != nil {
			t.Fatalf("scan plan row: %v", err)
		}
		if strings.Contains(detail, expectedIndex) {
			matched = true
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("plan rows error: %v", err)
	}
	if !matched {
		t.Fatalf("expected query plan to use index %q", expectedIndex)
	}
}
