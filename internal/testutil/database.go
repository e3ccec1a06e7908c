package testutil

import (
	"testing"

	"github.com/jmoiron/sqlx"

	"blobserver/internal/database"
	"blobserver/internal/database/migrations"
)

// NewTestDatabase creates a new in-memory SQLite database with the full
// schema applied. The database is automatically closed when the test
// completes.
func NewTestDatabase(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if err := migrations.MigrateUp(db.DB); err != nil {
		db.Close()
		t.Fatalf("failed to apply migrations: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}
