// Package blob implements content-addressed blob persistence: digest
// computation, size and quota accounting, filename and rename safety, and
// the row-plus-file consistency rules.
package blob

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/zeebo/blake3"

	"blobserver/internal/diff"
	"blobserver/internal/model"
	"blobserver/internal/saver"
	"blobserver/internal/storage"
	"blobserver/internal/user"
)

var logRules = diff.NewRules(
	[]string{"modified", "content"},
	nil,
)

const allColumns = "iuid, filename, username, description, md5, sha256, blake3, size, created, modified"

// Store provides lookup, mutation scopes, and deletion for blobs. Every blob
// row has a matching content file in the storage directory.
type Store struct {
	db     *sqlx.DB
	kit    saver.Kit
	dir    *storage.Dir
	users  *user.Store
	logger saver.Logger
}

func NewStore(db *sqlx.DB, kit saver.Kit, dir *storage.Dir, users *user.Store, logger saver.Logger) *Store {
	return &Store{db: db, kit: kit, dir: dir, users: users, logger: logger}
}

// Get returns the blob with the given filename (case-insensitive), or
// model.ErrNotFound. Filenames carrying the reserved prefix always resolve
// to absent, even if a row exists.
func (st *Store) Get(ctx context.Context, filename string) (*model.Blob, error) {
	if strings.HasPrefix(filename, model.ReservedPrefix) {
		return nil, model.ErrNotFound
	}
	var b model.Blob
	err := st.db.GetContext(ctx, &b,
		"SELECT "+allColumns+" FROM blobs WHERE filename = ? COLLATE NOCASE", filename)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding blob: %w", err)
	}
	return &b, nil
}

// Open returns the blob metadata and a reader over its content. A row whose
// file is missing is a data-integrity fault, not a user-facing absence.
func (st *Store) Open(ctx context.Context, filename string) (*model.Blob, io.ReadCloser, error) {
	b, err := st.Get(ctx, filename)
	if err != nil {
		return nil, nil, err
	}
	r, err := st.dir.Open(b.Filename)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil, &model.ConsistencyError{Path: b.Filename, Reason: "blob row has no content file"}
		}
		return nil, nil, err
	}
	return b, r, nil
}

// List returns all blobs ordered by filename.
func (st *Store) List(ctx context.Context) ([]*model.Blob, error) {
	return st.selectWhere(ctx, "1=1 ORDER BY filename")
}

// ListByOwner returns all blobs owned by the given username.
func (st *Store) ListByOwner(ctx context.Context, username string) ([]*model.Blob, error) {
	return st.selectWhere(ctx, "username = ? COLLATE NOCASE ORDER BY filename", username)
}

// Search returns blobs whose filename or description contains the term.
func (st *Store) Search(ctx context.Context, term string) ([]*model.Blob, error) {
	if term == "" {
		return nil, nil
	}
	wild := "%" + term + "%"
	return st.selectWhere(ctx, "filename LIKE ? OR description LIKE ? ORDER BY filename", wild, wild)
}

func (st *Store) selectWhere(ctx context.Context, where string, args ...any) ([]*model.Blob, error) {
	var blobs []*model.Blob
	err := st.db.SelectContext(ctx, &blobs, "SELECT "+allColumns+" FROM blobs WHERE "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	return blobs, nil
}

// Delete removes the blob's audit entries, then its row, then its content
// file, in that order. A failed file removal after the row is gone is a
// cleanup fault: the blob is already logically deleted, so the fault is
// logged and reported as a ConsistencyError rather than a user error.
func (st *Store) Delete(ctx context.Context, b *model.Blob) error {
	if err := st.kit.Audit.DeleteAll(ctx, b.IUID); err != nil {
		return err
	}
	if _, err := st.db.ExecContext(ctx, "DELETE FROM blobs WHERE iuid = ?", b.IUID); err != nil {
		return fmt.Errorf("deleting blob row: %w", err)
	}
	if err := st.dir.Remove(b.Filename); err != nil {
		st.logger.Error("blob file cleanup failed", "filename", b.Filename, "error", err)
		return &model.ConsistencyError{Path: b.Filename, Reason: "content file not removed after row deletion", Err: err}
	}
	st.logger.Info("blob deleted", "filename", b.Filename)
	return nil
}

// CheckFilename validates blob filename syntax: non-empty, no path
// separators, and not carrying the reserved prefix.
func CheckFilename(filename string) error {
	if filename == "" {
		return model.Invalid("filename", "not set")
	}
	if strings.ContainsAny(filename, `/\`) {
		return model.Invalid("filename", "must not contain path separators")
	}
	if strings.HasPrefix(filename, model.ReservedPrefix) {
		return model.Invalid("filename", fmt.Sprintf("must not start with the reserved prefix %q", model.ReservedPrefix))
	}
	return nil
}

// Saver is the mutation scope for a blob. Obtain one from Begin, apply
// setters, then Commit.
type Saver struct {
	st    *Store
	scope *saver.Scope
	blob  *model.Blob

	content      []byte // staged raw bytes, written on upsert
	hasContent   bool
	renameFrom   string // previous filename when a rename is staged
	replacedSize int64  // size of the content being replaced, for quota math
}

// Begin opens a mutation scope. existing is nil when creating a new blob.
func (st *Store) Begin(existing *model.Blob) *Saver {
	s := &Saver{st: st}
	if existing == nil {
		s.scope = saver.Begin(st.kit, logRules, nil)
		s.blob = &model.Blob{
			IUID:    s.scope.NewID(),
			Created: s.scope.Now(),
		}
	} else {
		s.scope = saver.Begin(st.kit, logRules, existing)
		s.blob = existing
		s.replacedSize = existing.Size
	}
	return s
}

// Blob returns the working copy.
func (s *Saver) Blob() *model.Blob { return s.blob }

// SetOwner sets the owning user by username. The user must exist. Ownership
// is set once, on creation.
func (s *Saver) SetOwner(ctx context.Context, username string) error {
	if s.blob.Username != "" {
		return model.Invalid("username", "owner cannot be changed")
	}
	u, err := s.st.users.Get(ctx, username)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Invalid("username", "no such user")
		}
		return err
	}
	s.blob.Username = u.Username
	return nil
}

// SetFilename validates and sets the filename. On an existing blob this
// stages a rename, performed during upsert. The destination must be free
// both as a row (case-insensitive) and as a file on disk, so an unmanaged
// file is never silently overwritten.
func (s *Saver) SetFilename(ctx context.Context, filename string) error {
	if err := CheckFilename(filename); err != nil {
		return err
	}
	if s.blob.Filename != "" && strings.EqualFold(s.blob.Filename, filename) {
		// Case-only change: no conflict checks, but the content file must
		// still follow the row to the new spelling.
		if s.blob.Filename != filename {
			s.renameFrom = s.blob.Filename
		}
		s.blob.Filename = filename
		return nil
	}
	existing, err := s.st.Get(ctx, filename)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	if existing != nil && existing.IUID != s.blob.IUID {
		return model.Conflict("filename", "filename already in use")
	}
	onDisk, err := s.st.dir.Exists(filename)
	if err != nil {
		return err
	}
	if onDisk {
		return model.Conflict("filename", "a file with this name already exists in storage")
	}
	if s.blob.Filename != "" {
		s.renameFrom = s.blob.Filename
	}
	s.blob.Filename = filename
	return nil
}

// SetDescription sets the free-text description.
func (s *Saver) SetDescription(description string) {
	s.blob.Description = description
}

// SetContent stages new content: size and the digest triple are computed
// now, the bytes are written to storage during upsert. The raw bytes never
// appear in the audit diff.
func (s *Saver) SetContent(content []byte) {
	sum256 := sha256.Sum256(content)
	sumMD5 := md5.Sum(content)
	sumB3 := blake3.Sum256(content)

	s.blob.Size = int64(len(content))
	s.blob.MD5 = hex.EncodeToString(sumMD5[:])
	s.blob.SHA256 = hex.EncodeToString(sum256[:])
	s.blob.BLAKE3 = hex.EncodeToString(sumB3[:])
	s.content = content
	s.hasContent = true
}

// Commit finalizes, persists, and audits the mutation as one unit.
func (s *Saver) Commit(ctx context.Context, actor model.Actor) error {
	return s.scope.Commit(ctx, s, actor)
}

// saver.Saver implementation

func (s *Saver) Entity() saver.Entity { return s.blob }
func (s *Saver) EntityID() string { return s.blob.IUID }
func (s *Saver) SetModified(t time.Time) { s.blob.Modified = t }

// Finalize requires filename and owner, requires content on a new blob,
// and enforces the owner's quota against the staged content size.
func (s *Saver) Finalize(ctx context.Context) error {
	if s.blob.Filename == "" {
		return model.Invalid("filename", "not set")
	}
	if s.blob.Username == "" {
		return model.Invalid("username", "not set")
	}
	if s.scope.Fresh() && !s.hasContent {
		return model.Invalid("content", "not set")
	}
	if !s.hasContent {
		return nil
	}

	owner, err := s.st.users.Get(ctx, s.blob.Username)
	if err != nil {
		return fmt.Errorf("looking up blob owner: %w", err)
	}
	if owner.Quota != nil {
		total := owner.BlobsSize - s.replacedSize + s.blob.Size
		if total > *owner.Quota {
			return model.Invalid("content", fmt.Sprintf(
				"upload of %d bytes would exceed the owner's quota of %d bytes", s.blob.Size, *owner.Quota))
		}
	}
	return nil
}

// Upsert persists the staged state. Staged content is first written to a
// temporary file, the row is inserted or updated, and only then is the
// temporary file renamed onto the final name. The database commit therefore
// happens before the destination file is touched, and the same-directory
// rename keeps observers from ever seeing a truncated file. A rename failure
// after the row is committed is reported as a consistency fault.
func (s *Saver) Upsert(ctx context.Context) error {
	var tmpPath string
	if s.hasContent {
		var err error
		tmpPath, err = s.st.dir.StageContent(s.content)
		if err != nil {
			return err
		}
	}

	if err := s.upsertRow(ctx); err != nil {
		if tmpPath != "" {
			s.st.dir.Discard(tmpPath)
		}
		return err
	}

	switch {
	case s.hasContent && s.renameFrom != "":
		// Replacement content under a new name: drop the old file, then
		// promote the staged content.
		if err := s.st.dir.Remove(s.renameFrom); err != nil {
			s.st.logger.Error("stale blob file not removed", "filename", s.renameFrom, "error", err)
		}
		if err := s.st.dir.Promote(tmpPath, s.blob.Filename); err != nil {
			return &model.ConsistencyError{Path: s.blob.Filename, Reason: "content not placed after row commit", Err: err}
		}
	case s.hasContent:
		if err := s.st.dir.Promote(tmpPath, s.blob.Filename); err != nil {
			return &model.ConsistencyError{Path: s.blob.Filename, Reason: "content not placed after row commit", Err: err}
		}
	case s.renameFrom != "":
		if err := s.st.dir.Rename(s.renameFrom, s.blob.Filename); err != nil {
			return err
		}
	}
	return nil
}

func (s *Saver) upsertRow(ctx context.Context) error {
	var count int
	err := s.st.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM blobs WHERE iuid = ?", s.blob.IUID)
	if err != nil {
		return fmt.Errorf("checking for existing blob: %w", err)
	}
	if count == 0 {
		_, err = s.st.db.NamedExecContext(ctx,
			`INSERT INTO blobs (iuid, filename, username, description, md5, sha256, blake3, size, created, modified)
			 VALUES (:iuid, :filename, :username, :description, :md5, :sha256, :blake3, :size, :created, :modified)`,
			s.blob)
	} else {
		_, err = s.st.db.NamedExecContext(ctx,
			`UPDATE blobs SET filename = :filename, username = :username, description = :description,
			 md5 = :md5, sha256 = :sha256, blake3 = :blake3, size = :size,
			 created = :created, modified = :modified
			 WHERE iuid = :iuid`,
			s.blob)
	}
	if err != nil {
		return fmt.Errorf("upserting blob: %w", err)
	}
	return nil
}

var _ saver.Saver = (*Saver)(nil)
