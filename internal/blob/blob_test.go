package blob_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"blobserver/internal/audit"
	"blobserver/internal/blob"
	"blobserver/internal/model"
	"blobserver/internal/saver"
	"blobserver/internal/storage"
	"blobserver/internal/testutil"
	"blobserver/internal/user"
)

type harness struct {
	clock *testutil.StubClock
	kit   saver.Kit
	dir   *storage.Dir
	users *user.Store
	blobs *blob.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewTestDatabase(t)
	clock := testutil.FixedClock()
	kit := saver.Kit{
		Clock: clock,
		IDGen: testutil.NewStubIDGenerator(),
		Audit: audit.NewLog(db),
	}
	dir := testutil.NewTestStorage(t)
	users := user.NewStore(db, kit, saver.NewNopLogger(), 6, bcrypt.MinCost)
	blobs := blob.NewStore(db, kit, dir, users, saver.NewNopLogger())
	return &harness{clock: clock, kit: kit, dir: dir, users: users, blobs: blobs}
}

func (h *harness) createUser(t *testing.T, username string, quota *int64) *model.User {
	t.Helper()
	ctx := context.Background()
	s := h.users.Begin(nil)
	if err := s.SetUsername(ctx, username); err != nil {
		t.Fatalf("SetUsername() error = %v", err)
	}
	if err := s.SetEmail(ctx, username+"@example.com"); err != nil {
		t.Fatalf("SetEmail() error = %v", err)
	}
	if err := s.SetRole(model.RoleUser); err != nil {
		t.Fatalf("SetRole() error = %v", err)
	}
	if err := s.SetPassword("secret99"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	if err := s.SetQuota(quota); err != nil {
		t.Fatalf("SetQuota() error = %v", err)
	}
	if err := s.Commit(ctx, model.Actor{Admin: true}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return s.User()
}

func (h *harness) upload(t *testing.T, owner, filename string, content []byte) *model.Blob {
	t.Helper()
	ctx := context.Background()
	s := h.blobs.Begin(nil)
	if err := s.SetOwner(ctx, owner); err != nil {
		t.Fatalf("SetOwner() error = %v", err)
	}
	if err := s.SetFilename(ctx, filename); err != nil {
		t.Fatalf("SetFilename() error = %v", err)
	}
	s.SetContent(content)
	if err := s.Commit(ctx, model.Actor{Username: owner}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return s.Blob()
}

func TestUploadAndFetch(t *testing.T) {
	h := newHarness(t)
	h.createUser(t, "ann", nil)
	ctx := context.Background()

	b := h.upload(t, "ann", "report.txt", []byte("hello"))

	if b.Size != 5 {
		t.Errorf("Size = %d, want 5", b.Size)
	}
	if b.MD5 != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("MD5 = %q, want digest of hello", b.MD5)
	}
	if b.SHA256 != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("SHA256 = %q, want digest of hello", b.SHA256)
	}
	if len(b.BLAKE3) != 64 {
		t.Errorf("BLAKE3 = %q, want 64 hex characters", b.BLAKE3)
	}

	got, r, err := h.blobs.Open(ctx, "REPORT.TXT")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()
	if got.IUID != b.IUID {
		t.Errorf("case-insensitive lookup found wrong blob")
	}
	data, err := h.dir.Read("report.txt")
	if err != nil || string(data) != "hello" {
		t.Errorf("content on disk = %q, %v", data, err)
	}

	entries, err := h.kit.Audit.List(ctx, b.IUID)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	d := entries[0].Diff
	if _, ok := d.Added["content"]; ok {
		t.Errorf("raw content leaked into the diff")
	}
	if d.Added["filename"] != "report.txt" {
		t.Errorf("Added[filename] = %v, want report.txt", d.Added["filename"])
	}
	if d.Added["sha256"] != b.SHA256 {
		t.Errorf("Added[sha256] = %v, want the digest", d.Added["sha256"])
	}
}

func TestReplaceContent(t *testing.T) {
	h := newHarness(t)
	h.createUser(t, "ann", nil)
	ctx := context.Background()

	b := h.upload(t, "ann", "report.txt", []byte("hello"))
	created := b.Created

	h.clock.Advance(time.Hour)
	existing, err := h.blobs.Get(ctx, "report.txt")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	s := h.blobs.Begin(existing)
	s.SetContent([]byte("hello, world"))
	if err := s.Commit(ctx, model.Actor{Username: "ann"}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	got, err := h.blobs.Get(ctx, "report.txt")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.Created.Equal(created) {
		t.Errorf("Created = %v, want preserved %v", got.Created, created)
	}
	if !got.Modified.After(created) {
		t.Errorf("Modified = %v, want after %v", got.Modified, created)
	}
	if got.Size != 12 {
		t.Errorf("Size = %d, want 12", got.Size)
	}
	data, _ := h.dir.Read("report.txt")
	if string(data) != "hello, world" {
		t.Errorf("content on disk = %q, want replaced", data)
	}

	entries, err := h.kit.Audit.List(ctx, b.IUID)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("len(entries) = %d, want 2", len(entries))
	}
}

func TestQuota(t *testing.T) {
	h := newHarness(t)
	quota := int64(10)
	h.createUser(t, "ann", &quota)
	ctx := context.Background()

	t.Run("rejected upload leaves nothing behind", func(t *testing.T) {
		s := h.blobs.Begin(nil)
		if err := s.SetOwner(ctx, "ann"); err != nil {
			t.Fatalf("SetOwner() error = %v", err)
		}
		if err := s.SetFilename(ctx, "big.bin"); err != nil {
			t.Fatalf("SetFilename() error = %v", err)
		}
		s.SetContent([]byte("0123456789AB")) // 12 > 10

		err := s.Commit(ctx, model.Actor{Username: "ann"})
		if !model.IsValidation(err) {
			t.Fatalf("Commit() error = %v, want validation error", err)
		}
		if _, err := h.blobs.Get(ctx, "big.bin"); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("rejected upload left a row")
		}
		if ok, _ := h.dir.Exists("big.bin"); ok {
			t.Errorf("rejected upload left a file")
		}
		if entries, _ := h.kit.Audit.List(ctx, s.Blob().IUID); len(entries) != 0 {
			t.Errorf("rejected upload left %d audit entries", len(entries))
		}
	})

	t.Run("replacement frees the old size", func(t *testing.T) {
		h.upload(t, "ann", "a.txt", []byte("12345678")) // 8 of 10 used

		existing, err := h.blobs.Get(ctx, "a.txt")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		s := h.blobs.Begin(existing)
		s.SetContent([]byte("123456789")) // 9 fits once 8 is freed
		if err := s.Commit(ctx, model.Actor{Username: "ann"}); err != nil {
			t.Errorf("Commit() error = %v, want replacement within quota to pass", err)
		}
	})

	t.Run("second blob counts existing usage", func(t *testing.T) {
		s := h.blobs.Begin(nil)
		if err := s.SetOwner(ctx, "ann"); err != nil {
			t.Fatalf("SetOwner() error = %v", err)
		}
		if err := s.SetFilename(ctx, "b.txt"); err != nil {
			t.Fatalf("SetFilename() error = %v", err)
		}
		s.SetContent([]byte("xx")) // 9 + 2 > 10
		if err := s.Commit(ctx, model.Actor{Username: "ann"}); !model.IsValidation(err) {
			t.Errorf("Commit() error = %v, want validation error", err)
		}
	})
}

func TestRename(t *testing.T) {
	h := newHarness(t)
	h.createUser(t, "ann", nil)
	ctx := context.Background()

	b := h.upload(t, "ann", "old.txt", []byte("hello"))

	existing, err := h.blobs.Get(ctx, "old.txt")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	s := h.blobs.Begin(existing)
	if err := s.SetFilename(ctx, "new.txt"); err != nil {
		t.Fatalf("SetFilename() error = %v", err)
	}
	if err := s.Commit(ctx, model.Actor{Username: "ann"}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if _, err := h.blobs.Get(ctx, "old.txt"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("old filename still resolves")
	}
	got, err := h.blobs.Get(ctx, "new.txt")
	if err != nil {
		t.Fatalf("Get(new.txt) error = %v", err)
	}
	if got.IUID != b.IUID {
		t.Errorf("rename changed identity")
	}
	if got.SHA256 != b.SHA256 {
		t.Errorf("rename changed digests")
	}
	data, _ := h.dir.Read("new.txt")
	if string(data) != "hello" {
		t.Errorf("content on disk = %q, want hello", data)
	}
	if ok, _ := h.dir.Exists("old.txt"); ok {
		t.Errorf("old file still on disk")
	}
}

func TestRename_CaseOnlyIsNoConflict(t *testing.T) {
	h := newHarness(t)
	h.createUser(t, "ann", nil)
	ctx := context.Background()

	h.upload(t, "ann", "report.txt", []byte("hello"))
	existing, err := h.blobs.Get(ctx, "report.txt")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	s := h.blobs.Begin(existing)
	if err := s.SetFilename(ctx, "Report.TXT"); err != nil {
		t.Errorf("case-only rename error = %v", err)
	}
	if s.Blob().Filename != "Report.TXT" {
		t.Errorf("Filename = %q, want new casing kept", s.Blob().Filename)
	}
	if err := s.Commit(ctx, model.Actor{Username: "ann"}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// The content file must follow the row to the new spelling, so the
	// committed blob stays readable.
	if ok, err := h.dir.Exists("Report.TXT"); err != nil || !ok {
		t.Errorf("Exists(Report.TXT) = %v, %v, want file under new casing", ok, err)
	}
	b, r, err := h.blobs.Open(ctx, "Report.TXT")
	if err != nil {
		t.Fatalf("Open() after case-only rename error = %v", err)
	}
	defer r.Close()
	if b.Filename != "Report.TXT" {
		t.Errorf("Filename = %q, want %q", b.Filename, "Report.TXT")
	}
}

func TestFilenameConflicts(t *testing.T) {
	h := newHarness(t)
	h.createUser(t, "ann", nil)
	ctx := context.Background()
	h.upload(t, "ann", "report.txt", []byte("hello"))

	t.Run("row conflict is case-insensitive", func(t *testing.T) {
		s := h.blobs.Begin(nil)
		if err := s.SetOwner(ctx, "ann"); err != nil {
			t.Fatalf("SetOwner() error = %v", err)
		}
		if err := s.SetFilename(ctx, "REPORT.txt"); !model.IsConflict(err) {
			t.Errorf("SetFilename() error = %v, want conflict", err)
		}
	})

	t.Run("stray file on disk blocks the name", func(t *testing.T) {
		stray := filepath.Join(h.dir.Root(), "stray.txt")
		if err := os.WriteFile(stray, []byte("x"), 0644); err != nil {
			t.Fatalf("writing stray file: %v", err)
		}
		s := h.blobs.Begin(nil)
		if err := s.SetOwner(ctx, "ann"); err != nil {
			t.Fatalf("SetOwner() error = %v", err)
		}
		if err := s.SetFilename(ctx, "stray.txt"); !model.IsConflict(err) {
			t.Errorf("SetFilename() error = %v, want conflict", err)
		}
	})
}

func TestCheckFilename(t *testing.T) {
	for _, bad := range []string{"", "_hidden", "_blobserver.db", "a/b.txt", `a\b.txt`} {
		if err := blob.CheckFilename(bad); !model.IsValidation(err) {
			t.Errorf("CheckFilename(%q) error = %v, want validation error", bad, err)
		}
	}
	if err := blob.CheckFilename("report v2 (final).txt"); err != nil {
		t.Errorf("CheckFilename() error = %v, want nil", err)
	}
}

func TestGet_ReservedPrefixAlwaysAbsent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.blobs.Get(ctx, "_blobserver.db"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Get(_blobserver.db) error = %v, want ErrNotFound", err)
	}
	if _, _, err := h.blobs.Open(ctx, "_anything"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Open(_anything) error = %v, want ErrNotFound", err)
	}
}

func TestOpen_RowWithoutFile(t *testing.T) {
	h := newHarness(t)
	h.createUser(t, "ann", nil)
	ctx := context.Background()

	h.upload(t, "ann", "report.txt", []byte("hello"))
	if err := os.Remove(filepath.Join(h.dir.Root(), "report.txt")); err != nil {
		t.Fatalf("removing content file: %v", err)
	}

	_, _, err := h.blobs.Open(ctx, "report.txt")
	if !model.IsConsistency(err) {
		t.Errorf("Open() error = %v, want ConsistencyError", err)
	}
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	h.createUser(t, "ann", nil)
	ctx := context.Background()

	b := h.upload(t, "ann", "report.txt", []byte("hello"))
	if err := h.blobs.Delete(ctx, b); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := h.blobs.Get(ctx, "report.txt"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("deleted blob still resolves")
	}
	if ok, _ := h.dir.Exists("report.txt"); ok {
		t.Errorf("content file survived deletion")
	}
	entries, err := h.kit.Audit.List(ctx, b.IUID)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("len(entries) = %d after delete, want 0", len(entries))
	}
}

func TestFinalize_Requirements(t *testing.T) {
	h := newHarness(t)
	h.createUser(t, "ann", nil)
	ctx := context.Background()

	t.Run("content required on create", func(t *testing.T) {
		s := h.blobs.Begin(nil)
		if err := s.SetOwner(ctx, "ann"); err != nil {
			t.Fatalf("SetOwner() error = %v", err)
		}
		if err := s.SetFilename(ctx, "empty.txt"); err != nil {
			t.Fatalf("SetFilename() error = %v", err)
		}
		if err := s.Commit(ctx, model.Actor{Username: "ann"}); !model.IsValidation(err) {
			t.Errorf("Commit() error = %v, want validation error", err)
		}
	})

	t.Run("owner must exist", func(t *testing.T) {
		s := h.blobs.Begin(nil)
		if err := s.SetOwner(ctx, "ghost"); !model.IsValidation(err) {
			t.Errorf("SetOwner(ghost) error = %v, want validation error", err)
		}
	})
}

func TestSearch(t *testing.T) {
	h := newHarness(t)
	h.createUser(t, "ann", nil)
	ctx := context.Background()

	h.upload(t, "ann", "quarterly-report.txt", []byte("a"))
	b := h.blobs.Begin(nil)
	if err := b.SetOwner(ctx, "ann"); err != nil {
		t.Fatalf("SetOwner() error = %v", err)
	}
	if err := b.SetFilename(ctx, "notes.md"); err != nil {
		t.Fatalf("SetFilename() error = %v", err)
	}
	b.SetDescription("the annual report")
	b.SetContent([]byte("b"))
	if err := b.Commit(ctx, model.Actor{Username: "ann"}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	got, err := h.blobs.Search(ctx, "report")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len(Search(report)) = %d, want 2 (filename and description match)", len(got))
	}

	got, err = h.blobs.Search(ctx, "")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("empty term returned %d blobs, want 0", len(got))
	}
}
