// Package app wires configuration, database, storage, and stores together
// and exposes the high-level operations shared by the CLI and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"

	"blobserver/internal/audit"
	"blobserver/internal/blob"
	"blobserver/internal/config"
	"blobserver/internal/database"
	"blobserver/internal/model"
	"blobserver/internal/saver"
	"blobserver/internal/storage"
	"blobserver/internal/user"
)

// App holds the fully wired application. The caller must call Close when done.
type App struct {
	cfg     *config.Config
	db      *sqlx.DB
	dir     *storage.Dir
	users   *user.Store
	blobs   *blob.Store
	audit   *audit.Log
	logger  saver.Logger
	logFile *os.File
}

// New builds an App from the given config. The database schema must already
// be migrated (see database.MigrateUp / the migrate command).
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dir, err := storage.New(cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	db, err := database.Open(cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	slogger, logFile, err := newLogger(cfg.LogDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	auditLog := audit.NewLog(db)
	kit := saver.Kit{Clock: saver.RealClock{}, IDGen: saver.UUIDGenerator{}, Audit: auditLog}
	users := user.NewStore(db, kit, logger, cfg.MinPasswordLength, cfg.BcryptCost)
	blobs := blob.NewStore(db, kit, dir, users, logger)

	return &App{
		cfg:     cfg,
		db:      db,
		dir:     dir,
		users:   users,
		blobs:   blobs,
		audit:   auditLog,
		logger:  logger,
		logFile: logFile,
	}, nil
}

// Config returns the active configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Users returns the user store.
func (a *App) Users() *user.Store { return a.users }

// Blobs returns the blob store.
func (a *App) Blobs() *blob.Store { return a.blobs }

// Audit returns the audit log.
func (a *App) Audit() *audit.Log { return a.audit }

// Logger returns the application logger.
func (a *App) Logger() saver.Logger { return a.logger }

// Close releases the database and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// User operations

// RegisterUser creates a new account with the given role. The account's
// initial status follows the configured activation policy, except that an
// admin actor always activates immediately. The default quota from the
// configuration applies (0 means unlimited).
func (a *App) RegisterUser(ctx context.Context, username, email, password, role string, actor model.Actor) (*model.User, error) {
	s := a.users.Begin(nil)
	if err := s.SetUsername(ctx, username); err != nil {
		return nil, err
	}
	if err := s.SetEmail(ctx, email); err != nil {
		return nil, err
	}
	if err := s.SetRole(role); err != nil {
		return nil, err
	}
	if err := s.SetPassword(password); err != nil {
		return nil, err
	}
	if a.cfg.DefaultQuota > 0 {
		quota := a.cfg.DefaultQuota
		if err := s.SetQuota(&quota); err != nil {
			return nil, err
		}
	}
	status := model.StatusEnabled
	if a.cfg.ActivationPolicy == config.ActivationAdmin && !actor.Admin {
		status = model.StatusPending
	}
	if err := s.SetStatus(status); err != nil {
		return nil, err
	}
	if err := s.Commit(ctx, actor); err != nil {
		return nil, err
	}
	a.logger.Info("user registered", "username", username, "status", status)
	return s.User(), nil
}

// SetUserPassword replaces a user's password.
func (a *App) SetUserPassword(ctx context.Context, username, password string, actor model.Actor) error {
	u, err := a.users.Get(ctx, username)
	if err != nil {
		return err
	}
	s := a.users.Begin(u)
	if err := s.SetPassword(password); err != nil {
		return err
	}
	return s.Commit(ctx, actor)
}

// SetUserStatus enables, disables, or marks a user pending.
func (a *App) SetUserStatus(ctx context.Context, username, status string, actor model.Actor) error {
	u, err := a.users.Get(ctx, username)
	if err != nil {
		return err
	}
	s := a.users.Begin(u)
	if err := s.SetStatus(status); err != nil {
		return err
	}
	if err := s.Commit(ctx, actor); err != nil {
		return err
	}
	a.logger.Info("user status changed", "username", username, "status", status)
	return nil
}

// RotateUserAccessKey replaces a user's access key, invalidating the old
// one immediately.
func (a *App) RotateUserAccessKey(ctx context.Context, username string, actor model.Actor) (*model.User, error) {
	u, err := a.users.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	s := a.users.Begin(u)
	s.RotateAccessKey()
	if err := s.Commit(ctx, actor); err != nil {
		return nil, err
	}
	return s.User(), nil
}

// DeleteUser removes a user account. A user who still owns blobs is not
// deletable.
func (a *App) DeleteUser(ctx context.Context, username string, actor model.Actor) error {
	u, err := a.users.Get(ctx, username)
	if err != nil {
		return err
	}
	return a.users.Delete(ctx, u)
}

// Blob operations

// UploadBlob creates a blob or replaces the content of an existing one.
// Replacing requires the actor to be the owner or an admin. The blob's
// created stamp is preserved across replacement; modified advances.
func (a *App) UploadBlob(ctx context.Context, filename string, content []byte, description string, actor model.Actor) (*model.Blob, error) {
	existing, err := a.blobs.Get(ctx, filename)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	var s *blob.Saver
	if existing == nil {
		s = a.blobs.Begin(nil)
		if err := s.SetFilename(ctx, filename); err != nil {
			return nil, err
		}
		if err := s.SetOwner(ctx, actor.Username); err != nil {
			return nil, err
		}
	} else {
		if !a.mayTouch(existing, actor) {
			return nil, model.ErrForbidden
		}
		s = a.blobs.Begin(existing)
	}
	s.SetContent(content)
	if description != "" {
		s.SetDescription(description)
	}
	if err := s.Commit(ctx, actor); err != nil {
		return nil, err
	}
	a.logger.Info("blob uploaded", "filename", s.Blob().Filename, "size", s.Blob().Size)
	return s.Blob(), nil
}

// DescribeBlob updates only the description of an existing blob.
func (a *App) DescribeBlob(ctx context.Context, filename, description string, actor model.Actor) (*model.Blob, error) {
	b, err := a.blobs.Get(ctx, filename)
	if err != nil {
		return nil, err
	}
	if !a.mayTouch(b, actor) {
		return nil, model.ErrForbidden
	}
	s := a.blobs.Begin(b)
	s.SetDescription(description)
	if err := s.Commit(ctx, actor); err != nil {
		return nil, err
	}
	return s.Blob(), nil
}

// RenameBlob moves a blob to a new filename. The destination must be free
// both as a row and as a file on disk.
func (a *App) RenameBlob(ctx context.Context, filename, newFilename string, actor model.Actor) (*model.Blob, error) {
	b, err := a.blobs.Get(ctx, filename)
	if err != nil {
		return nil, err
	}
	if !a.mayTouch(b, actor) {
		return nil, model.ErrForbidden
	}
	s := a.blobs.Begin(b)
	if err := s.SetFilename(ctx, newFilename); err != nil {
		return nil, err
	}
	if err := s.Commit(ctx, actor); err != nil {
		return nil, err
	}
	a.logger.Info("blob renamed", "from", filename, "to", newFilename)
	return s.Blob(), nil
}

// DeleteBlob removes a blob, its audit history, and its content file. A
// failed file cleanup is logged but not surfaced: the blob is already
// logically deleted.
func (a *App) DeleteBlob(ctx context.Context, filename string, actor model.Actor) error {
	b, err := a.blobs.Get(ctx, filename)
	if err != nil {
		return err
	}
	if !a.mayTouch(b, actor) {
		return model.ErrForbidden
	}
	if err := a.blobs.Delete(ctx, b); err != nil {
		if model.IsConsistency(err) {
			return nil
		}
		return err
	}
	return nil
}

// mayTouch reports whether the actor may mutate the blob: the owner or an
// admin.
func (a *App) mayTouch(b *model.Blob, actor model.Actor) bool {
	if actor.Admin {
		return true
	}
	return actor.Username != "" && actor.Username == b.Username
}
