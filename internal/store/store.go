package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Get when no record has the requested id.
	ErrNotFound = errors.New("record not found")
	// ErrPersistence wraps every failure of the underlying storage engine.
	// Callers treat it as fatal for the operation it was returned from.
	ErrPersistence = errors.New("record store failure")
)

// Record is one captured unit of work awaiting or having completed upload.
// ID is assigned by the store and never reused, even after deletion.
// Uploaded only ever transitions false -> true.
type Record struct {
	ID         int64        `json:"id"`
	Owner      string       `json:"owner"`
	Payload    []byte       `json:"payload"`
	CapturedAt time.Time    `json:"captured_at"`
	Uploaded   bool         `json:"uploaded"`
	UploadedAt sql.NullTime `json:"-"`
}

// Draft is a record before it has been persisted.
// A zero CapturedAt is replaced with the current time on Add.
type Draft struct {
	Owner      string
	Payload    []byte
	CapturedAt time.Time
}

// Store is the durable local persistence for captured records and their
// upload flag. Implementations must be safe for concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// Add persists d with uploaded=false and returns the fresh id.
	Add(ctx context.Context, d Draft) (int64, error)
	// List returns every record in insertion order.
	List(ctx context.Context) ([]Record, error)
	Get(ctx context.Context, id int64) (Record, error)
	// Delete is a no-op when id does not exist.
	Delete(ctx context.Context, id int64) error
	// MarkUploaded is a no-op when id is already uploaded or no longer exists.
	MarkUploaded(ctx context.Context, id int64) error
	// PurgeUploaded deletes uploaded records marked before olderThan.
	PurgeUploaded(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

// Wrap tags err as a persistence failure, keeping the original error chain.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// Normalize fills defaults on a draft prior to insertion.
func (d Draft) Normalize(now time.Time) Draft {
	if d.CapturedAt.IsZero() {
		d.CapturedAt = now
	}
	d.CapturedAt = d.CapturedAt.UTC()
	if d.Payload == nil {
		d.Payload = []byte{}
	}
	return d
}
