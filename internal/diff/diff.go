// Package diff computes structural field-level differences between two
// entity snapshots, for recording in the audit log.
package diff

import "reflect"

// Hidden replaces redacted values in a delta.
const Hidden = "<hidden>"

// Change captures an updated leaf value.
type Change struct {
	NewValue any `json:"new_value"`
	OldValue any `json:"old_value"`
}

// Delta is the added/removed/updated description of the difference between
// two field mappings. Values under Updated are either a Change or, for
// nested mappings, a *Delta.
type Delta struct {
	Added   map[string]any `json:"added,omitempty"`
	Removed map[string]any `json:"removed,omitempty"`
	Updated map[string]any `json:"updated,omitempty"`
}

// Empty reports whether the delta records no changes.
func (d *Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}

// Rules controls which field paths are excluded from a delta entirely and
// which appear with their value hidden. Paths are dotted key sequences
// resolved from the root ("password", "settings.token"). Exclusion takes
// precedence over redaction.
type Rules struct {
	exclude map[string]struct{}
	redact  map[string]struct{}
}

// NewRules precomputes rule sets from dotted path lists.
func NewRules(exclude, redact []string) Rules {
	r := Rules{
		exclude: make(map[string]struct{}, len(exclude)),
		redact:  make(map[string]struct{}, len(redact)),
	}
	for _, p := range exclude {
		r.exclude[p] = struct{}{}
	}
	for _, p := range redact {
		r.redact[p] = struct{}{}
	}
	return r
}

func (r Rules) excluded(path string) bool {
	_, ok := r.exclude[path]
	return ok
}

func (r Rules) redacted(path string) bool {
	_, ok := r.redact[path]
	return ok
}

// Compute finds the differences between the old and new field mappings.
// Keys only in new are added, keys only in old are removed, keys in both
// with unequal values are updated. When both values at a key are nested
// mappings the comparison recurses and a changed nested mapping appears as
// a nested delta under Updated. The result is empty iff old and new are
// equal modulo excluded paths.
func Compute(old, new map[string]any, rules Rules) *Delta {
	return compute(old, new, rules, "")
}

func compute(old, new map[string]any, rules Rules, prefix string) *Delta {
	d := &Delta{}

	for key, newValue := range new {
		path := join(prefix, key)
		if rules.excluded(path) {
			continue
		}
		oldValue, inOld := old[key]
		if !inOld {
			if d.Added == nil {
				d.Added = make(map[string]any)
			}
			if rules.redacted(path) {
				d.Added[key] = Hidden
			} else {
				d.Added[key] = newValue
			}
			continue
		}

		newMap, newIsMap := newValue.(map[string]any)
		oldMap, oldIsMap := oldValue.(map[string]any)
		if newIsMap && oldIsMap {
			changes := compute(oldMap, newMap, rules, path)
			if !changes.Empty() {
				if d.Updated == nil {
					d.Updated = make(map[string]any)
				}
				if rules.redacted(path) {
					d.Updated[key] = Hidden
				} else {
					d.Updated[key] = changes
				}
			}
			continue
		}

		if !reflect.DeepEqual(oldValue, newValue) {
			if d.Updated == nil {
				d.Updated = make(map[string]any)
			}
			if rules.redacted(path) {
				d.Updated[key] = Change{NewValue: Hidden, OldValue: Hidden}
			} else {
				d.Updated[key] = Change{NewValue: newValue, OldValue: oldValue}
			}
		}
	}

	for key, oldValue := range old {
		if _, inNew := new[key]; inNew {
			continue
		}
		path := join(prefix, key)
		if rules.excluded(path) {
			continue
		}
		if d.Removed == nil {
			d.Removed = make(map[string]any)
		}
		if rules.redacted(path) {
			d.Removed[key] = Hidden
		} else {
			d.Removed[key] = oldValue
		}
	}

	return d
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
