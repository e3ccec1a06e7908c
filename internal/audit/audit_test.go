package audit_test

import (
	"context"
	"testing"
	"time"

	"blobserver/internal/audit"
	"blobserver/internal/diff"
	"blobserver/internal/model"
	"blobserver/internal/testutil"
)

func TestAppendAndList(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	log := audit.NewLog(db)
	ctx := context.Background()

	actor := model.Actor{Username: "ann", RemoteAddr: "10.0.0.1", Agent: "curl/8.0"}
	delta := diff.Compute(
		map[string]any{"status": "pending"},
		map[string]any{"status": "enabled"},
		diff.Rules{},
	)
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	if err := log.Append(ctx, "entity-1", delta, actor, ts); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	entries, err := log.List(ctx, "entity-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}

	e := entries[0]
	if e.Username == nil || *e.Username != "ann" {
		t.Errorf("Username = %v, want ann", e.Username)
	}
	if e.RemoteAddr == nil || *e.RemoteAddr != "10.0.0.1" {
		t.Errorf("RemoteAddr = %v, want 10.0.0.1", e.RemoteAddr)
	}
	if e.UserAgent == nil || *e.UserAgent != "curl/8.0" {
		t.Errorf("UserAgent = %v, want curl/8.0", e.UserAgent)
	}
	ch, ok := e.Diff.Updated["status"].(map[string]any)
	if !ok {
		t.Fatalf("Updated[status] = %T, want mapping", e.Diff.Updated["status"])
	}
	if ch["new_value"] != "enabled" || ch["old_value"] != "pending" {
		t.Errorf("parsed change = %v, want pending->enabled", ch)
	}
}

func TestList_NewestFirst(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	log := audit.NewLog(db)
	ctx := context.Background()
	actor := model.Actor{Username: "ann"}

	base := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		delta := diff.Compute(
			map[string]any{"n": i},
			map[string]any{"n": i + 1},
			diff.Rules{},
		)
		if err := log.Append(ctx, "entity-1", delta, actor, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	entries, err := log.List(ctx, "entity-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.After(entries[i-1].Timestamp) {
			t.Errorf("entries not newest first: %v before %v", entries[i-1].Timestamp, entries[i].Timestamp)
		}
	}
}

func TestList_IsolatedPerEntity(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	log := audit.NewLog(db)
	ctx := context.Background()
	actor := model.Actor{Username: "ann"}
	ts := time.Now().UTC()
	delta := &diff.Delta{Added: map[string]any{"x": 1}}

	if err := log.Append(ctx, "a", delta, actor, ts); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := log.Append(ctx, "b", delta, actor, ts); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	entries, err := log.List(ctx, "a")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("len(entries for a) = %d, want 1", len(entries))
	}
}

func TestDeleteAll(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	log := audit.NewLog(db)
	ctx := context.Background()
	actor := model.Actor{Username: "ann"}
	delta := &diff.Delta{Added: map[string]any{"x": 1}}

	if err := log.Append(ctx, "a", delta, actor, time.Now().UTC()); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := log.DeleteAll(ctx, "a"); err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}
	entries, err := log.List(ctx, "a")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("len(entries) = %d after DeleteAll, want 0", len(entries))
	}
	// Idempotent.
	if err := log.DeleteAll(ctx, "a"); err != nil {
		t.Errorf("second DeleteAll() error = %v", err)
	}
}

func TestAppend_AnonymousActor(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	log := audit.NewLog(db)
	ctx := context.Background()

	delta := &diff.Delta{Added: map[string]any{"x": 1}}
	if err := log.Append(ctx, "a", delta, model.Actor{}, time.Now().UTC()); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	entries, err := log.List(ctx, "a")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if entries[0].Username != nil {
		t.Errorf("Username = %v, want nil for anonymous actor", *entries[0].Username)
	}
}
