package testutil

import (
	"testing"

	"dt-go/internal/database"
	"dt-go/internal/deploy"
)

// NewTestStore creates a new in-memory SQLite record store with the schema
// applied. The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) deploy.Store {
	t.Helper()

	store, err := database.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
	})

	return store
}
