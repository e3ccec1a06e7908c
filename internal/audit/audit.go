// Package audit keeps the append-only, per-entity history of field diffs.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"blobserver/internal/diff"
	"blobserver/internal/model"
)

// Entry is one recorded mutation of an entity. Entries are immutable once
// written; they are removed only when the entity itself is deleted.
type Entry struct {
	EntityID   string      `db:"iuid"`
	RawDiff    string      `db:"diff"`
	Username   *string     `db:"username"`
	RemoteAddr *string     `db:"remote_addr"`
	UserAgent  *string     `db:"user_agent"`
	Timestamp  time.Time   `db:"timestamp"`
	Diff       *diff.Delta `db:"-"` // parsed from RawDiff
}

// Log appends and retrieves audit entries in the logs table.
type Log struct {
	db *sqlx.DB
}

func NewLog(db *sqlx.DB) *Log {
	return &Log{db: db}
}

// Append records one diff for an entity. Fails only on storage failure.
func (l *Log) Append(ctx context.Context, entityID string, delta *diff.Delta, actor model.Actor, ts time.Time) error {
	raw, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("encoding diff: %w", err)
	}

	var username, remoteAddr, userAgent *string
	if actor.Username != "" {
		username = &actor.Username
	}
	if actor.RemoteAddr != "" {
		remoteAddr = &actor.RemoteAddr
	}
	if actor.Agent != "" {
		userAgent = &actor.Agent
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO logs (iuid, diff, username, remote_addr, user_agent, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entityID, string(raw), username, remoteAddr, userAgent, ts.UTC())
	if err != nil {
		return fmt.Errorf("appending log entry: %w", err)
	}
	return nil
}

// List returns all entries for an entity, newest first, with the diff parsed.
func (l *Log) List(ctx context.Context, entityID string) ([]*Entry, error) {
	var entries []*Entry
	err := l.db.SelectContext(ctx, &entries,
		`SELECT iuid, diff, username, remote_addr, user_agent, timestamp
		 FROM logs WHERE iuid = ? ORDER BY timestamp DESC`,
		entityID)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("listing log entries: %w", err)
	}

	for _, e := range entries {
		var d diff.Delta
		if err := json.Unmarshal([]byte(e.RawDiff), &d); err != nil {
			return nil, fmt.Errorf("decoding diff for %s: %w", entityID, err)
		}
		e.Diff = &d
	}
	return entries, nil
}

// DeleteAll removes all entries for an entity. Idempotent; used only as
// part of entity deletion.
func (l *Log) DeleteAll(ctx context.Context, entityID string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM logs WHERE iuid = ?`, entityID); err != nil {
		return fmt.Errorf("deleting log entries: %w", err)
	}
	return nil
}
