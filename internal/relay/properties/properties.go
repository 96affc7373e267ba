// Package properties implements the shared key/value bag used for room and
// actor state, with compare-and-swap mutation semantics.
package properties

import (
	"reflect"

	apperrors "github.com/quorumnet/relaycore/internal/platform/errors"
)

// Table is a property bag. It is not safe for concurrent use; callers are
// expected to mutate it only from within the owning room's execution context.
type Table struct {
	values map[string]any
	// deleteNullProps removes a key when it is set to nil instead of
	// storing the null value.
	deleteNullProps bool
}

// Option configures a Table.
type Option func(*Table)

// WithDeleteNullProps enables the delete-on-null policy.
func WithDeleteNullProps(enabled bool) Option {
	return func(t *Table) {
		t.deleteNullProps = enabled
	}
}

// New creates an empty property table.
func New(opts ...Option) *Table {
	t := &Table{values: make(map[string]any)}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Len returns the number of stored keys.
func (t *Table) Len() int {
	return len(t.values)
}

// Value returns the stored value for key and whether it is present.
func (t *Table) Value(key string) (any, bool) {
	v, ok := t.values[key]
	return v, ok
}

// Get returns a copy of the stored values. When keys is nil every entry is
// returned; otherwise only the requested keys that exist are included.
func (t *Table) Get(keys []string) map[string]any {
	out := make(map[string]any)
	if keys == nil {
		for k, v := range t.values {
			out[k] = v
		}
		return out
	}
	for _, k := range keys {
		if v, ok := t.values[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Set applies values unconditionally, honoring the delete-on-null policy.
func (t *Table) Set(values map[string]any) {
	for k, v := range values {
		t.setOne(k, v)
	}
}

// SetOne applies a single key unconditionally.
func (t *Table) SetOne(key string, value any) {
	t.setOne(key, value)
}

func (t *Table) setOne(key string, value any) {
	if value == nil && t.deleteNullProps {
		delete(t.values, key)
		return
	}
	t.values[key] = value
}

// CompareAndSwap applies newValues if and only if every key present in
// expectedValues currently matches the stored value. An expected nil matches
// an absent key or a stored null. On mismatch nothing is mutated and the
// returned error names the first offending key.
//
// The returned changed flag is false when the update succeeded but no stored
// value actually differed, letting callers skip redundant broadcasts.
func (t *Table) CompareAndSwap(newValues, expectedValues map[string]any) (changed bool, err error) {
	for key, expected := range expectedValues {
		current, present := t.values[key]
		if expected == nil {
			if present && current != nil {
				return false, casMismatch(key)
			}
			continue
		}
		if !present || !valuesEqual(current, expected) {
			return false, casMismatch(key)
		}
	}

	for key, value := range newValues {
		current, present := t.values[key]
		if present && valuesEqual(current, value) {
			continue
		}
		if !present && value == nil && t.deleteNullProps {
			continue
		}
		t.setOne(key, value)
		changed = true
	}
	return changed, nil
}

func casMismatch(key string) error {
	return apperrors.WithMetadata(apperrors.CodePropertyCASFailed,
		"expected value mismatch for property "+key,
		map[string]string{"key": key})
}

// Snapshot captures the current value (or absence) of the given keys so a
// caller can roll back a partially applied update.
type Snapshot map[string]snapshotEntry

type snapshotEntry struct {
	value   any
	present bool
}

// Capture records the state of keys for a later Restore.
func (t *Table) Capture(keys []string) Snapshot {
	snap := make(Snapshot, len(keys))
	for _, k := range keys {
		v, ok := t.values[k]
		snap[k] = snapshotEntry{value: v, present: ok}
	}
	return snap
}

// Restore reverts the table to a captured snapshot. Keys absent at capture
// time are deleted regardless of the delete-on-null policy.
func (t *Table) Restore(snap Snapshot) {
	for k, entry := range snap {
		if entry.present {
			t.values[k] = entry.value
		} else {
			delete(t.values, k)
		}
	}
}

// valuesEqual compares property values structurally. Wire decoding produces
// maps, slices, and scalars, so reflect.DeepEqual is the right equality.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
