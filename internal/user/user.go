// Package user enforces account rules: identifier syntax, case-insensitive
// uniqueness, role and status vocabularies, password policy, and quota.
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"blobserver/internal/diff"
	"blobserver/internal/model"
	"blobserver/internal/saver"
)

// Username must be an identifier: a letter, then letters/digits/_/-.
var usernameRx = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// Simple address pattern; full RFC validation is not the goal.
var emailRx = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

var logRules = diff.NewRules(
	[]string{"modified"},
	[]string{"password", "accesskey"},
)

const allColumns = "iuid, username, email, role, status, password, accesskey, quota, created, modified"

// Store provides lookup, mutation scopes, and deletion for user accounts.
type Store struct {
	db          *sqlx.DB
	kit         saver.Kit
	logger      saver.Logger
	minPassword int
	bcryptCost  int
}

func NewStore(db *sqlx.DB, kit saver.Kit, logger saver.Logger, minPassword, bcryptCost int) *Store {
	return &Store{
		db:          db,
		kit:         kit,
		logger:      logger,
		minPassword: minPassword,
		bcryptCost:  bcryptCost,
	}
}

// Get returns the user with the given username (case-insensitive), or
// model.ErrNotFound. Derived blob count/size are populated.
func (st *Store) Get(ctx context.Context, username string) (*model.User, error) {
	return st.getWhere(ctx, "username = ? COLLATE NOCASE", username)
}

// GetByEmail returns the user with the given email (case-insensitive).
func (st *Store) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return st.getWhere(ctx, "email = ? COLLATE NOCASE", email)
}

// GetByAccessKey returns the user holding the given access key.
func (st *Store) GetByAccessKey(ctx context.Context, key string) (*model.User, error) {
	return st.getWhere(ctx, "accesskey = ?", key)
}

func (st *Store) getWhere(ctx context.Context, where string, arg any) (*model.User, error) {
	var u model.User
	err := st.db.GetContext(ctx, &u, "SELECT "+allColumns+" FROM users WHERE "+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding user: %w", err)
	}
	if err := st.loadDerived(ctx, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// List returns all users with derived blob count/size populated.
func (st *Store) List(ctx context.Context) ([]*model.User, error) {
	var users []*model.User
	err := st.db.SelectContext(ctx, &users, "SELECT "+allColumns+" FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	for _, u := range users {
		if err := st.loadDerived(ctx, u); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// loadDerived computes blobs_count and blobs_size for the user by
// aggregating the blobs table.
func (st *Store) loadDerived(ctx context.Context, u *model.User) error {
	err := st.db.GetContext(ctx, &u.BlobsCount,
		"SELECT COUNT(*) FROM blobs WHERE username = ? COLLATE NOCASE", u.Username)
	if err != nil {
		return fmt.Errorf("counting user blobs: %w", err)
	}
	err = st.db.GetContext(ctx, &u.BlobsSize,
		"SELECT COALESCE(SUM(size), 0) FROM blobs WHERE username = ? COLLATE NOCASE", u.Username)
	if err != nil {
		return fmt.Errorf("summing user blob sizes: %w", err)
	}
	return nil
}

// Authenticate checks a username/password pair and requires the account to
// be enabled. Returns model.ErrNotFound on any failure so callers cannot
// distinguish a missing account from a wrong password.
func (st *Store) Authenticate(ctx context.Context, username, password string) (*model.User, error) {
	if username == "" || password == "" {
		return nil, model.ErrNotFound
	}
	u, err := st.Get(ctx, username)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) != nil {
		return nil, model.ErrNotFound
	}
	if u.Status != model.StatusEnabled {
		return nil, model.ErrNotFound
	}
	return u, nil
}

// Delete removes a user, their audit history, and nothing else. A user who
// still owns blobs is not deletable. Deletion is a direct store operation,
// not a mutation scope: no audit entry survives it anyway.
func (st *Store) Delete(ctx context.Context, u *model.User) error {
	if err := st.loadDerived(ctx, u); err != nil {
		return err
	}
	if u.BlobsCount != 0 {
		return model.Invalid("username", "cannot delete a user account that still owns blobs")
	}
	if err := st.kit.Audit.DeleteAll(ctx, u.IUID); err != nil {
		return err
	}
	if _, err := st.db.ExecContext(ctx, "DELETE FROM users WHERE iuid = ?", u.IUID); err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	st.logger.Info("user deleted", "username", u.Username)
	return nil
}

// Saver is the mutation scope for a user account. Obtain one from Begin,
// apply setters, then Commit. Every setter validates immediately and leaves
// the account untouched on error.
type Saver struct {
	st    *Store
	scope *saver.Scope
	user  *model.User
}

// Begin opens a mutation scope. existing is nil when creating a new
// account; a new account gets an identifier, a creation stamp, a fresh
// access key, and starts out enabled (callers apply the configured
// activation policy by overriding the status).
func (st *Store) Begin(existing *model.User) *Saver {
	s := &Saver{st: st}
	if existing == nil {
		s.scope = saver.Begin(st.kit, logRules, nil)
		s.user = &model.User{
			IUID:      s.scope.NewID(),
			Created:   s.scope.Now(),
			Status:    model.StatusEnabled,
			AccessKey: s.scope.NewID(),
		}
	} else {
		s.scope = saver.Begin(st.kit, logRules, existing)
		s.user = existing
	}
	return s
}

// User returns the working copy.
func (s *Saver) User() *model.User { return s.user }

// SetUsername sets the username. Allowed only while creating the account.
func (s *Saver) SetUsername(ctx context.Context, username string) error {
	if s.user.Username != "" {
		return model.Invalid("username", "username cannot be changed")
	}
	if !usernameRx.MatchString(username) {
		return model.Invalid("username", "must be an identifier: a letter followed by letters, digits, '_' or '-'")
	}
	existing, err := s.st.Get(ctx, username)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	if existing != nil {
		return model.Conflict("username", "username already in use")
	}
	s.user.Username = username
	return nil
}

// SetEmail lowercases, validates, and checks uniqueness of the address.
func (s *Saver) SetEmail(ctx context.Context, email string) error {
	email = strings.ToLower(email)
	if !emailRx.MatchString(email) {
		return model.Invalid("email", "not a valid address")
	}
	existing, err := s.st.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	if existing != nil && existing.IUID != s.user.IUID {
		return model.Conflict("email", "email already in use")
	}
	s.user.Email = email
	return nil
}

// SetRole sets the role; it must be a recognized one.
func (s *Saver) SetRole(role string) error {
	if role != model.RoleAdmin && role != model.RoleUser {
		return model.Invalid("role", "not a recognized role")
	}
	s.user.Role = role
	return nil
}

// SetStatus sets the status; it must be a recognized one.
func (s *Saver) SetStatus(status string) error {
	switch status {
	case model.StatusEnabled, model.StatusDisabled, model.StatusPending:
		s.user.Status = status
		return nil
	}
	return model.Invalid("status", "not a recognized status")
}

// SetQuota sets the byte ceiling on the user's total blob size. nil means
// unlimited.
func (s *Saver) SetQuota(quota *int64) error {
	if quota != nil && *quota < 0 {
		return model.Invalid("quota", "must not be negative")
	}
	s.user.Quota = quota
	return nil
}

// SetPassword hashes and stores the password. Only the hash is kept.
func (s *Saver) SetPassword(password string) error {
	if password == "" {
		return model.Invalid("password", "no password given")
	}
	if len(password) < s.st.minPassword {
		return model.Invalid("password", fmt.Sprintf("must be at least %d characters", s.st.minPassword))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.st.bcryptCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	s.user.Password = string(hash)
	return nil
}

// RotateAccessKey replaces the access key with a fresh one. The old key is
// invalid immediately: only one key is tracked per user.
func (s *Saver) RotateAccessKey() {
	s.user.AccessKey = s.scope.NewID()
}

// Commit finalizes, persists, and audits the mutation as one unit.
func (s *Saver) Commit(ctx context.Context, actor model.Actor) error {
	return s.scope.Commit(ctx, s, actor)
}

// saver.Saver implementation

func (s *Saver) Entity() saver.Entity { return s.user }
func (s *Saver) EntityID() string { return s.user.IUID }
func (s *Saver) SetModified(t time.Time) { s.user.Modified = t }

// Finalize checks that the required fields have been set.
func (s *Saver) Finalize(ctx context.Context) error {
	for field, value := range map[string]string{
		"username": s.user.Username,
		"email":    s.user.Email,
		"role":     s.user.Role,
		"status":   s.user.Status,
	} {
		if value == "" {
			return model.Invalid(field, "not set")
		}
	}
	return nil
}

// Upsert inserts or updates the user row.
func (s *Saver) Upsert(ctx context.Context) error {
	var count int
	err := s.st.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM users WHERE iuid = ?", s.user.IUID)
	if err != nil {
		return fmt.Errorf("checking for existing user: %w", err)
	}
	if count == 0 {
		_, err = s.st.db.NamedExecContext(ctx,
			`INSERT INTO users (iuid, username, email, role, status, password, accesskey, quota, created, modified)
			 VALUES (:iuid, :username, :email, :role, :status, :password, :accesskey, :quota, :created, :modified)`,
			s.user)
	} else {
		_, err = s.st.db.NamedExecContext(ctx,
			`UPDATE users SET username = :username, email = :email, role = :role, status = :status,
			 password = :password, accesskey = :accesskey, quota = :quota,
			 created = :created, modified = :modified
			 WHERE iuid = :iuid`,
			s.user)
	}
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

var _ saver.Saver = (*Saver)(nil)
