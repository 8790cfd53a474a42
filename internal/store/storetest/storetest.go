// Package storetest holds the behavioural tests every store.Store backend must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/syncq/internal/store"
)

// Run exercises s against the store contract. s must be empty and have its schema created.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("AddThenListPending", func(t *testing.T) {
		captured := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
		id1, err := s.Add(ctx, store.Draft{Owner: "scout-1", Payload: []byte(`{"team":254}`), CapturedAt: captured})
		require.NoError(t, err)
		id2, err := s.Add(ctx, store.Draft{Owner: "scout-2", Payload: []byte(`{"team":1678}`)})
		require.NoError(t, err)
		assert.Greater(t, id2, id1)

		recs, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, id1, recs[0].ID)
		assert.Equal(t, "scout-1", recs[0].Owner)
		assert.Equal(t, []byte(`{"team":254}`), recs[0].Payload)
		assert.True(t, captured.Equal(recs[0].CapturedAt), "captured_at round trip: %v", recs[0].CapturedAt)
		assert.False(t, recs[0].Uploaded)
		assert.False(t, recs[1].Uploaded)
		assert.False(t, recs[1].CapturedAt.IsZero())
		cleanup(t, s)
	})

	t.Run("MarkUploadedIdempotent", func(t *testing.T) {
		id, err := s.Add(ctx, store.Draft{Owner: "o", Payload: []byte("x")})
		require.NoError(t, err)

		require.NoError(t, s.MarkUploaded(ctx, id))
		first, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, first.Uploaded)
		assert.True(t, first.UploadedAt.Valid)

		require.NoError(t, s.MarkUploaded(ctx, id))
		second, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, second.Uploaded)
		assert.True(t, first.UploadedAt.Time.Equal(second.UploadedAt.Time), "second mark must not touch uploaded_at")

		// deleted and never-existing ids are not errors
		require.NoError(t, s.Delete(ctx, id))
		require.NoError(t, s.MarkUploaded(ctx, id))
		require.NoError(t, s.MarkUploaded(ctx, 987654))
		cleanup(t, s)
	})

	t.Run("DeleteMissingIsNoop", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, 424242))
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(ctx, 424242)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("IDsNeverReused", func(t *testing.T) {
		id1, err := s.Add(ctx, store.Draft{Owner: "o"})
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, id1))
		id2, err := s.Add(ctx, store.Draft{Owner: "o"})
		require.NoError(t, err)
		assert.Greater(t, id2, id1)
		cleanup(t, s)
	})

	t.Run("PurgeUploadedKeepsPending", func(t *testing.T) {
		pending, err := s.Add(ctx, store.Draft{Owner: "o"})
		require.NoError(t, err)
		done, err := s.Add(ctx, store.Draft{Owner: "o"})
		require.NoError(t, err)
		require.NoError(t, s.MarkUploaded(ctx, done))

		n, err := s.PurgeUploaded(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.PurgeUploaded(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		recs, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, pending, recs[0].ID)
		cleanup(t, s)
	})
}

func cleanup(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	recs, err := s.List(ctx)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, s.Delete(ctx, r.ID))
	}
}
