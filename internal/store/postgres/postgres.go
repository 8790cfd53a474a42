package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/syncq/internal/store"
)

// DB implements store.Store on PostgreSQL through the pgx stdlib driver.
// BIGSERIAL sequences never hand out an id twice.
type DB struct {
	db *sql.DB
}

// New opens a PostgreSQL pool for dsn. No connection is made until first use.
func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, store.Wrap("open postgres", err)
	}
	d.SetMaxOpenConns(10)
	d.SetMaxIdleConns(2)
	d.SetConnMaxLifetime(5 * time.Minute)
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records(
			id BIGSERIAL PRIMARY KEY,
			owner TEXT NOT NULL,
			payload BYTEA NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL,
			uploaded BOOLEAN NOT NULL DEFAULT false,
			uploaded_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_uploaded ON records(uploaded);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return store.Wrap("ensure schema", err)
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Add(ctx context.Context, d store.Draft) (int64, error) {
	d = d.Normalize(time.Now())
	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO records(owner, payload, captured_at, uploaded, uploaded_at)
		VALUES($1,$2,$3,false,NULL)
		RETURNING id;`,
		d.Owner, d.Payload, d.CapturedAt).Scan(&id)
	if err != nil {
		return 0, store.Wrap("add record", err)
	}
	return id, nil
}

func (p *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner, payload, captured_at, uploaded, uploaded_at
		FROM records
		ORDER BY id ASC;`)
	if err != nil {
		return nil, store.Wrap("list records", err)
	}
	defer rows.Close()
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, store.Wrap("list records", err)
	}
	return recs, nil
}

func (p *DB) Get(ctx context.Context, id int64) (store.Record, error) {
	var r store.Record
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner, payload, captured_at, uploaded, uploaded_at
		FROM records
		WHERE id=$1;`, id).
		Scan(&r.ID, &r.Owner, &r.Payload, &r.CapturedAt, &r.Uploaded, &r.UploadedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Record{}, store.ErrNotFound
		}
		return store.Record{}, store.Wrap("get record", err)
	}
	return r, nil
}

func (p *DB) Delete(ctx context.Context, id int64) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM records WHERE id=$1;`, id); err != nil {
		return store.Wrap("delete record", err)
	}
	return nil
}

func (p *DB) MarkUploaded(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE records
		SET uploaded=true, uploaded_at=$1
		WHERE id=$2 AND uploaded=false;`, time.Now().UTC(), id)
	if err != nil {
		return store.Wrap("mark uploaded", err)
	}
	return nil
}

func (p *DB) PurgeUploaded(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM records WHERE uploaded=true AND uploaded_at < $1;`, olderThan.UTC())
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
