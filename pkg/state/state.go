// Package state implements the typed, mergeable session state that flows
// through a stage graph.
//
// Every key is declared up front in a Schema with a Kind and a Reducer.
// A State value is immutable: Merge returns a new State and leaves the
// receiver untouched, so a State can be handed to concurrently running
// stages without synchronization.
package state

import (
	"fmt"
	"reflect"
)

// Partial is a partial state update produced by a stage.
type Partial map[string]any

// Clone returns a deep copy of p with values canonicalized.
func (p Partial) Clone() (Partial, error) {
	if p == nil {
		return nil, nil
	}
	out := make(Partial, len(p))
	for k, v := range p {
		c, err := Canonicalize(v)
		if err != nil {
			return nil, &KeyError{Key: k, Err: ErrTypeMismatch, Detail: err.Error()}
		}
		out[k] = c
	}
	return out, nil
}

// State is an immutable snapshot of session state.
type State struct {
	schema *Schema
	values map[string]any
}

// Initial builds a fresh State: every declared key gets its default, then
// seed is merged on top.
func Initial(schema *Schema, seed Partial) (State, error) {
	if schema == nil {
		return State{}, fmt.Errorf("state: nil schema")
	}
	values := make(map[string]any, len(schema.order))
	for _, name := range schema.order {
		values[name] = deepCopy(schema.keys[name].Default)
	}
	st := State{schema: schema, values: values}
	if len(seed) == 0 {
		return st, nil
	}
	return st.Merge(seed)
}

// Restore rebuilds a State from a snapshot, typically one loaded from a
// checkpoint. Keys missing from the snapshot get their defaults. Snapshot
// values replace defaults directly; reducers are not applied.
func Restore(schema *Schema, snapshot map[string]any) (State, error) {
	st, err := Initial(schema, nil)
	if err != nil {
		return State{}, err
	}
	for _, key := range schema.sortedKeys(snapshot) {
		spec, ok := schema.Lookup(key)
		if !ok {
			return State{}, &KeyError{Key: key, Err: ErrUnknownStateKey}
		}
		v, err := canonicalFor(spec.Kind, snapshot[key])
		if err != nil {
			return State{}, &KeyError{Key: key, Err: ErrTypeMismatch, Detail: err.Error()}
		}
		st.values[key] = v
	}
	return st, nil
}

// Merge applies update using each key's reducer and returns the new State.
// The update is validated as a whole first: if any key is unknown or
// mistyped, no key is applied.
func (s State) Merge(update Partial) (State, error) {
	if s.schema == nil {
		return State{}, fmt.Errorf("state: merge into zero State")
	}
	if len(update) == 0 {
		return s, nil
	}

	keys := s.schema.sortedKeys(update)
	prepared := make(map[string]any, len(keys))
	for _, key := range keys {
		spec, ok := s.schema.Lookup(key)
		if !ok {
			return State{}, &KeyError{Key: key, Err: ErrUnknownStateKey}
		}
		v, err := prepare(spec, update[key])
		if err != nil {
			return State{}, &KeyError{Key: key, Err: ErrTypeMismatch, Detail: err.Error()}
		}
		prepared[key] = v
	}

	next := make(map[string]any, len(s.values))
	for k, v := range s.values {
		next[k] = v
	}
	for _, key := range keys {
		spec, _ := s.schema.Lookup(key)
		next[key] = reduce(spec.Reducer, s.values[key], prepared[key])
	}
	return State{schema: s.schema, values: next}, nil
}

// prepare canonicalizes an update value for spec. For Append keys a single
// non-list value is accepted and treated as a one-element list.
func prepare(spec KeySpec, v any) (any, error) {
	if spec.Reducer == Append {
		c, err := Canonicalize(v)
		if err != nil {
			return nil, err
		}
		switch x := c.(type) {
		case nil:
			return []any{}, nil
		case []any:
			return x, nil
		default:
			return []any{x}, nil
		}
	}
	return canonicalFor(spec.Kind, v)
}

func reduce(r Reducer, current, update any) any {
	switch r {
	case Append:
		cur, _ := current.([]any)
		add := update.([]any)
		out := make([]any, 0, len(cur)+len(add))
		out = append(out, cur...)
		return append(out, add...)
	case ShallowMerge:
		cur, _ := current.(map[string]any)
		add := update.(map[string]any)
		out := make(map[string]any, len(cur)+len(add))
		for k, v := range cur {
			out[k] = v
		}
		for k, v := range add {
			out[k] = v
		}
		return out
	default:
		return update
	}
}

// Schema returns the schema the state was built from.
func (s State) Schema() *Schema { return s.schema }

// IsZero reports whether s was never initialized.
func (s State) IsZero() bool { return s.schema == nil }

// Get returns a copy of the value stored under key.
func (s State) Get(key string) (any, bool) {
	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// Text returns a text key, or "" if it is not a text key.
func (s State) Text(key string) string {
	v, _ := s.values[key].(string)
	return v
}

// Bool returns a boolean key.
func (s State) Bool(key string) bool {
	v, _ := s.values[key].(bool)
	return v
}

// Number returns a numeric key.
func (s State) Number(key string) float64 {
	v, _ := s.values[key].(float64)
	return v
}

// List returns a copy of a list key.
func (s State) List(key string) []any {
	v, _ := s.values[key].([]any)
	if v == nil {
		return nil
	}
	return deepCopy(v).([]any)
}

// Map returns a copy of a map key.
func (s State) Map(key string) map[string]any {
	v, _ := s.values[key].(map[string]any)
	if v == nil {
		return nil
	}
	return deepCopy(v).(map[string]any)
}

// Snapshot returns a deep copy of all values, suitable for persistence.
func (s State) Snapshot() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = deepCopy(v)
	}
	return out
}

// Equal reports whether two states hold the same values.
func (s State) Equal(other State) bool {
	return reflect.DeepEqual(s.values, other.values)
}
