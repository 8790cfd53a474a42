// Package queue selects the records that still need to be uploaded.
package queue

import (
	"context"
	"time"

	"github.com/loykin/syncq/internal/protocol"
	"github.com/loykin/syncq/internal/store"
)

// Lister is the part of store.Store the queue needs.
type Lister interface {
	List(ctx context.Context) ([]store.Record, error)
}

// Reader builds upload batches from a record store.
type Reader struct {
	src Lister
	// MaxBatch caps the number of records per batch; 0 means unlimited.
	MaxBatch int
}

// NewReader returns a reader over src with no batch limit.
func NewReader(src Lister) *Reader { return &Reader{src: src} }

// Batch is an ordered snapshot of eligible records. It owns its data.
type Batch struct {
	records []store.Record
}

// EligibleBatch returns every record not yet uploaded, oldest first.
// An empty store yields an empty batch, not an error.
func (r *Reader) EligibleBatch(ctx context.Context) (Batch, error) {
	recs, err := r.src.List(ctx)
	if err != nil {
		return Batch{}, err
	}
	out := make([]store.Record, 0, len(recs))
	for _, rec := range recs {
		if rec.Uploaded {
			continue
		}
		out = append(out, rec)
		if r.MaxBatch > 0 && len(out) >= r.MaxBatch {
			break
		}
	}
	return Batch{records: out}, nil
}

// Pending counts records not yet uploaded regardless of MaxBatch.
func (r *Reader) Pending(ctx context.Context) (int, error) {
	recs, err := r.src.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if !rec.Uploaded {
			n++
		}
	}
	return n, nil
}

func (b Batch) Len() int    { return len(b.records) }
func (b Batch) Empty() bool { return len(b.records) == 0 }

// IDs returns the record ids in batch order.
func (b Batch) IDs() []int64 {
	ids := make([]int64, len(b.records))
	for i, rec := range b.records {
		ids[i] = rec.ID
	}
	return ids
}

// Uploads converts the batch into the worker's message form. Payloads are
// copied so the result shares nothing with the batch.
func (b Batch) Uploads() []protocol.Upload {
	out := make([]protocol.Upload, len(b.records))
	for i, rec := range b.records {
		payload := make([]byte, len(rec.Payload))
		copy(payload, rec.Payload)
		out[i] = protocol.Upload{
			ID:         rec.ID,
			Owner:      rec.Owner,
			Payload:    payload,
			CapturedAt: rec.CapturedAt.UTC().Truncate(time.Microsecond),
		}
	}
	return out
}
