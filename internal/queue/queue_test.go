package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/syncq/internal/store"
	"github.com/loykin/syncq/internal/store/sqlite"
)

type staticLister struct {
	recs []store.Record
	err  error
}

func (s staticLister) List(context.Context) ([]store.Record, error) { return s.recs, s.err }

func TestEligibleBatchSkipsUploadedAndKeepsOrder(t *testing.T) {
	src := staticLister{recs: []store.Record{
		{ID: 1, Owner: "a"},
		{ID: 2, Owner: "b", Uploaded: true},
		{ID: 3, Owner: "c"},
		{ID: 7, Owner: "d"},
	}}
	r := NewReader(src)
	b, err := r.EligibleBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 7}, b.IDs())
	assert.Equal(t, 3, b.Len())

	n, err := r.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestEligibleBatchMaxBatch(t *testing.T) {
	src := staticLister{recs: []store.Record{{ID: 1}, {ID: 2}, {ID: 3}}}
	r := NewReader(src)
	r.MaxBatch = 2
	b, err := r.EligibleBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, b.IDs())

	n, err := r.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestEmptyStoreIsNotAnError(t *testing.T) {
	b, err := NewReader(staticLister{}).EligibleBatch(context.Background())
	require.NoError(t, err)
	assert.True(t, b.Empty())
	assert.Empty(t, b.Uploads())
}

func TestListFailurePropagates(t *testing.T) {
	boom := errors.New("disk gone")
	_, err := NewReader(staticLister{err: boom}).EligibleBatch(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestUploadsAreDeepCopies(t *testing.T) {
	payload := []byte("abc")
	src := staticLister{recs: []store.Record{{ID: 1, Owner: "a", Payload: payload, CapturedAt: time.Now()}}}
	b, err := NewReader(src).EligibleBatch(context.Background())
	require.NoError(t, err)

	ups := b.Uploads()
	ups[0].Payload[0] = 'z'
	assert.Equal(t, []byte("abc"), payload)
	assert.Equal(t, "Record #1 by a", ups[0].Label())
}

func TestReaderOverSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	require.NoError(t, db.EnsureSchema(ctx))

	var ids []int64
	for _, owner := range []string{"a", "b", "c"} {
		id, err := db.Add(ctx, store.Draft{Owner: owner, Payload: []byte(owner)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, db.MarkUploaded(ctx, ids[1]))

	b, err := NewReader(db).EligibleBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0], ids[2]}, b.IDs())
}
