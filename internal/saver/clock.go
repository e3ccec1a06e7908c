package saver

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so business logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator abstracts unique ID generation so tests are deterministic.
// Generated IDs serve both as entity identifiers and as access keys.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs as 32-character hex strings.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
