package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/nfcbridge/internal/model"
	"github.com/g960059/nfcbridge/internal/uidfmt"
)

var ErrNotFound = model.ErrNotFound

// DefaultHistoryLimit caps ListCardReads when no limit is given.
const DefaultHistoryLimit = 50

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	// Card UIDs are personal data.
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) GetPreference(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get preference %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetPreference(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("preference key is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO preferences(key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, ts(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("set preference %s: %w", key, err)
	}
	return nil
}

func (s *Store) ListPreferences(ctx context.Context) ([]model.Preference, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM preferences ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Preference
	for rows.Next() {
		var (
			p         model.Preference
			updatedAt string
		)
		if err := rows.Scan(&p.Key, &p.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		if p.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) InsertCardRead(ctx context.Context, read model.CardRead) (int64, error) {
	if strings.TrimSpace(read.UID) == "" {
		return 0, fmt.Errorf("card read uid is required")
	}
	format := read.Format
	if !format.Valid() {
		format = uidfmt.Default
	}
	readAt := read.ReadAt
	if readAt.IsZero() {
		readAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO card_reads(uid, uid_type, reader_index, reader_name, format, read_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		read.UID, read.UIDType, read.ReaderIndex, read.ReaderName, string(format), ts(readAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert card read: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("card read id: %w", err)
	}
	return id, nil
}

// ListCardReads returns the newest reads first.
func (s *Store) ListCardReads(ctx context.Context, limit int) ([]model.CardRead, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, uid, uid_type, reader_index, reader_name, format, read_at
FROM card_reads
ORDER BY read_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list card reads: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make([]model.CardRead, 0, limit)
	for rows.Next() {
		read, err := scanCardRead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, read)
	}
	return out, rows.Err()
}

// PurgeCardReads deletes reads older than cutoff and reports how many went.
func (s *Store) PurgeCardReads(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM card_reads WHERE read_at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge card reads: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "preferences", "card_reads":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func scanCardRead(scanner interface{ Scan(dest ...any) error }) (model.CardRead, error) {
	var (
		read   model.CardRead
		format string
		readAt string
	)
	if err := scanner.Scan(&read.ID, &read.UID, &read.UIDType, &read.ReaderIndex, &read.ReaderName, &format, &readAt); err != nil {
		return model.CardRead{}, fmt.Errorf("scan card read: %w", err)
	}
	read.Format = uidfmt.Format(format)
	t, err := parseTS(readAt)
	if err != nil {
		return model.CardRead{}, fmt.Errorf("parse read_at: %w", err)
	}
	read.ReadAt = t
	return read, nil
}

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
