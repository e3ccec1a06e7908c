package model

import "time"

// Roles a user account can hold.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Statuses a user account can be in. New accounts start as enabled or
// pending depending on the configured activation policy.
const (
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
	StatusPending  = "pending"
)

// ReservedPrefix marks filenames that are internal to the server (such as
// the SQLite database file). They can never be uploaded and never resolve
// through blob lookup.
const ReservedPrefix = "_"

// User is a user account row.
type User struct {
	IUID      string    `db:"iuid"`
	Username  string    `db:"username"`
	Email     string    `db:"email"`
	Role      string    `db:"role"`
	Status    string    `db:"status"`
	Password  string    `db:"password"` // bcrypt hash, never plaintext
	AccessKey string    `db:"accesskey"`
	Quota     *int64    `db:"quota"` // nil means unlimited
	Created   time.Time `db:"created"`
	Modified  time.Time `db:"modified"`

	// Derived at read time, not stored.
	BlobsCount int64 `db:"-"`
	BlobsSize  int64 `db:"-"`
}

// Fields returns the audit-relevant field mapping for the user.
// Timestamps are rendered as UTC strings so they compare by value.
func (u *User) Fields() map[string]any {
	m := map[string]any{
		"iuid":      u.IUID,
		"username":  u.Username,
		"email":     u.Email,
		"role":      u.Role,
		"status":    u.Status,
		"password":  u.Password,
		"accesskey": u.AccessKey,
		"created":   formatTime(u.Created),
		"modified":  formatTime(u.Modified),
	}
	if u.Quota != nil {
		m["quota"] = *u.Quota
	}
	return m
}

// Blob is a blob metadata row. The content itself lives as a file in the
// storage directory under Filename.
type Blob struct {
	IUID        string    `db:"iuid"`
	Filename    string    `db:"filename"`
	Username    string    `db:"username"` // owner, weak reference by username
	Description string    `db:"description"`
	MD5         string    `db:"md5"`
	SHA256      string    `db:"sha256"`
	BLAKE3      string    `db:"blake3"`
	Size        int64     `db:"size"`
	Created     time.Time `db:"created"`
	Modified    time.Time `db:"modified"`
}

// Fields returns the audit-relevant field mapping for the blob.
// Staged raw content is not part of the mapping.
func (b *Blob) Fields() map[string]any {
	return map[string]any{
		"iuid":        b.IUID,
		"filename":    b.Filename,
		"username":    b.Username,
		"description": b.Description,
		"md5":         b.MD5,
		"sha256":      b.SHA256,
		"blake3":      b.BLAKE3,
		"size":        b.Size,
		"created":     formatTime(b.Created),
		"modified":    formatTime(b.Modified),
	}
}

// Actor identifies who performed a mutation and from where. A zero Username
// means a system-initiated change (CLI, maintenance). For changes made
// outside a request, Agent carries the process name and RemoteAddr is empty.
type Actor struct {
	Username   string
	Admin      bool
	RemoteAddr string
	Agent      string
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
