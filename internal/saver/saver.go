// Package saver implements the scoped-mutation lifecycle shared by the user
// and blob stores: snapshot on begin, validate through setters, and on commit
// finalize, persist, and record one audit entry for the net change.
package saver

import (
	"context"
	"time"

	"blobserver/internal/audit"
	"blobserver/internal/diff"
	"blobserver/internal/model"
)

// Entity is a record whose mutations are diffed and audited.
type Entity interface {
	Fields() map[string]any
}

// Saver is the subtype-specific part of a mutation scope. Concrete savers
// (user, blob) expose typed setters on top of this and embed a *Scope for
// the shared lifecycle.
type Saver interface {
	// Entity returns the working copy.
	Entity() Entity
	// EntityID returns the entity's stable identifier.
	EntityID() string
	// Finalize runs cross-field validation. An error aborts the commit.
	Finalize(ctx context.Context) error
	// SetModified stamps the working copy's modification time.
	SetModified(time.Time)
	// Upsert inserts or updates the entity in the store. It runs only
	// after Finalize has passed.
	Upsert(ctx context.Context) error
}

// Kit bundles the collaborators every mutation scope needs.
type Kit struct {
	Clock Clock
	IDGen IDGenerator
	Audit *audit.Log
}

// Scope holds the state of one mutation scope. Scopes are not reentrant and
// must not be nested on the same entity: the before snapshot is taken from
// the live record on Begin and no row locking is performed.
type Scope struct {
	kit    Kit
	rules  diff.Rules
	before map[string]any
	fresh  bool
}

// Begin opens a mutation scope. existing is nil when creating a new entity;
// otherwise its field mapping is captured as the before snapshot.
func Begin(kit Kit, rules diff.Rules, existing Entity) *Scope {
	s := &Scope{kit: kit, rules: rules}
	if existing == nil {
		s.fresh = true
		s.before = map[string]any{}
	} else {
		s.before = existing.Fields()
	}
	return s
}

// Fresh reports whether the scope is creating a new entity.
func (s *Scope) Fresh() bool { return s.fresh }

// NewID allocates a new entity identifier.
func (s *Scope) NewID() string { return s.kit.IDGen.New() }

// Now returns the scope's notion of the current time.
func (s *Scope) Now() time.Time { return s.kit.Clock.Now() }

// Commit finalizes the mutation: cross-field validation, modified stamp,
// insert-or-update, then one audit entry for the net diff. Any error aborts
// the whole operation with nothing persisted and no audit entry. The diff is
// computed only after a successful upsert, so the log can never describe a
// change that was not committed.
func (s *Scope) Commit(ctx context.Context, sv Saver, actor model.Actor) error {
	if err := sv.Finalize(ctx); err != nil {
		return err
	}
	now := s.kit.Clock.Now()
	sv.SetModified(now)
	if err := sv.Upsert(ctx); err != nil {
		return err
	}
	delta := diff.Compute(s.before, sv.Entity().Fields(), s.rules)
	return s.kit.Audit.Append(ctx, sv.EntityID(), delta, actor, now)
}
