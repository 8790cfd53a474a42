package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/loykin/syncq/internal/store"
	"github.com/loykin/syncq/internal/store/storetest"
)

func TestSQLiteContract(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	storetest.Run(t, db)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	ctx := context.Background()

	db, err := New(path)
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	id, err := db.Add(ctx, store.Draft{Owner: "scout", Payload: []byte(`{"auto":3}`)})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	if err := db2.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}
	got, err := db2.Get(ctx, id)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Owner != "scout" || string(got.Payload) != `{"auto":3}` || got.Uploaded {
		t.Fatalf("unexpected record after reopen: %+v", got)
	}
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestClosedStoreReportsPersistenceFailure(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	_ = db.Close()
	_, err = db.Add(context.Background(), store.Draft{Owner: "o"})
	if err == nil {
		t.Fatalf("expected error on closed store")
	}
	if !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}
