package testutil

import (
	"testing"

	"github.com/jmoiron/sqlx"

	"blobserver/internal/audit"
	"blobserver/internal/saver"
	"blobserver/internal/storage"
)

// NewTestKit builds a saver kit with a fixed clock, sequential IDs, and an
// audit log over the given database.
func NewTestKit(db *sqlx.DB) saver.Kit {
	return saver.Kit{
		Clock: FixedClock(),
		IDGen: NewStubIDGenerator(),
		Audit: audit.NewLog(db),
	}
}

// NewTestStorage creates a storage directory under the test's temp dir.
func NewTestStorage(t *testing.T) *storage.Dir {
	t.Helper()

	dir, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage dir: %v", err)
	}
	return dir
}
