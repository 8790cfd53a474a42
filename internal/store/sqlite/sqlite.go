package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/syncq/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
// AUTOINCREMENT guarantees ids are never reused after deletion.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, store.Wrap("open sqlite", err)
	}
	// single writer; also keeps ":memory:" on one connection
	d.SetMaxOpenConns(1)
	d.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout=3000;",
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := d.Exec(pragma); err != nil {
			_ = d.Close()
			return nil, store.Wrap("apply pragma", err)
		}
	}
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			payload BLOB NOT NULL,
			captured_at TIMESTAMP NOT NULL,
			uploaded BOOLEAN NOT NULL DEFAULT 0,
			uploaded_at TIMESTAMP NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_uploaded ON records(uploaded);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return store.Wrap("ensure schema", err)
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Add(ctx context.Context, d store.Draft) (int64, error) {
	d = d.Normalize(time.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO records(owner, payload, captured_at, uploaded, uploaded_at)
		VALUES(?, ?, ?, 0, NULL);`,
		d.Owner, d.Payload, d.CapturedAt)
	if err != nil {
		return 0, store.Wrap("add record", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, store.Wrap("add record", err)
	}
	return id, nil
}

func (s *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, payload, captured_at, uploaded, uploaded_at
		FROM records
		ORDER BY id ASC;`)
	if err != nil {
		return nil, store.Wrap("list records", err)
	}
	defer func() { _ = rows.Close() }()
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, store.Wrap("list records", err)
	}
	return recs, nil
}

func (s *DB) Get(ctx context.Context, id int64) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, payload, captured_at, uploaded, uploaded_at
		FROM records
		WHERE id=?;`, id)
	var r store.Record
	if err := row.Scan(&r.ID, &r.Owner, &r.Payload, &r.CapturedAt, &r.Uploaded, &r.UploadedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Record{}, store.ErrNotFound
		}
		return store.Record{}, store.Wrap("get record", err)
	}
	return r, nil
}

func (s *DB) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id=?;`, id); err != nil {
		return store.Wrap("delete record", err)
	}
	return nil
}

func (s *DB) MarkUploaded(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE records
		SET uploaded=1, uploaded_at=?
		WHERE id=? AND uploaded=0;`,
		time.Now().UTC(), id)
	if err != nil {
		return store.Wrap("mark uploaded", err)
	}
	return nil
}

func (s *DB) PurgeUploaded(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE uploaded=1 AND uploaded_at < ?;`, olderThan.UTC())
	if err != nil {
		return 0, store.Wrap("purge uploaded", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, store.Wrap("purge uploaded", err)
	}
	return n, nil
}

func scanRecords(rows *sql.Rows) ([]store.Record, error) {
	out := make([]store.Record, 0)
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(&r.ID, &r.Owner, &r.Payload, &r.CapturedAt, &r.Uploaded, &r.UploadedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
