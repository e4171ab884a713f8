package testutil

import (
	"context"
	"testing"

	"github.com/HerbHall/snmpwatch/internal/store"
)

// NewStore creates an in-memory SQLiteStore for testing.
// The store is automatically closed when the test completes.
func NewStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("testutil.NewStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// NewSnapshots returns a migrated snapshot store on a fresh database.
func NewSnapshots(t *testing.T) *store.Snapshots {
	t.Helper()
	s := store.NewSnapshots(NewStore(t), nil)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("testutil.NewSnapshots: %v", err)
	}
	return s
}
