package state

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownStateKey is returned when an update names a key that the
	// schema does not declare.
	ErrUnknownStateKey = errors.New("unknown state key")

	// ErrTypeMismatch is returned when a value does not fit the declared kind
	// of its key.
	ErrTypeMismatch = errors.New("state value type mismatch")

	// ErrReducerConflict is returned when the same key is declared twice with
	// a different kind or reducer.
	ErrReducerConflict = errors.New("state key reducer conflict")
)

// KeyError reports a problem with a single state key.
type KeyError struct {
	Key    string
	Err    error
	Detail string
}

func (e *KeyError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("state key %q: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("state key %q: %v: %s", e.Key, e.Err, e.Detail)
}

func (e *KeyError) Unwrap() error { return e.Err }

// Kind is the static type of a state key.
type Kind int

const (
	KindText Kind = iota + 1
	KindList
	KindBool
	KindNumber
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindList:
		return "list"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Reducer decides how an update to a key is combined with its current value.
type Reducer int

const (
	// Overwrite replaces the current value (last writer wins).
	Overwrite Reducer = iota
	// Append concatenates lists in update order. Only valid for KindList.
	Append
	// ShallowMerge unions the top-level entries of two maps, the update
	// winning on collisions. Only valid for KindMap.
	ShallowMerge
)

func (r Reducer) String() string {
	switch r {
	case Overwrite:
		return "overwrite"
	case Append:
		return "append"
	case ShallowMerge:
		return "shallow-merge"
	default:
		return fmt.Sprintf("reducer(%d)", int(r))
	}
}

// KeySpec declares a single state key.
type KeySpec struct {
	Name    string
	Kind    Kind
	Reducer Reducer

	// Default is used by Initial when the seed does not set the key.
	// Nil means the zero value of Kind.
	Default any
}

// Text declares an overwrite text key.
func Text(name string) KeySpec { return KeySpec{Name: name, Kind: KindText} }

// Bool declares an overwrite boolean key.
func Bool(name string) KeySpec { return KeySpec{Name: name, Kind: KindBool} }

// Number declares an overwrite numeric key.
func Number(name string) KeySpec { return KeySpec{Name: name, Kind: KindNumber} }

// List declares an overwrite list key.
func List(name string) KeySpec { return KeySpec{Name: name, Kind: KindList} }

// History declares an append-only list key, typically conversation history.
func History(name string) KeySpec {
	return KeySpec{Name: name, Kind: KindList, Reducer: Append}
}

// Map declares a shallow-merge map key.
func Map(name string) KeySpec {
	return KeySpec{Name: name, Kind: KindMap, Reducer: ShallowMerge}
}

// WithReducer returns a copy of k using reducer r.
func (k KeySpec) WithReducer(r Reducer) KeySpec {
	k.Reducer = r
	return k
}

// WithDefault returns a copy of k using v as its default value.
func (k KeySpec) WithDefault(v any) KeySpec {
	k.Default = v
	return k
}

func (k KeySpec) validate() error {
	if k.Name == "" {
		return errors.New("state key name is required")
	}
	switch k.Kind {
	case KindText, KindList, KindBool, KindNumber, KindMap:
	default:
		return &KeyError{Key: k.Name, Err: ErrTypeMismatch, Detail: "undeclared kind " + k.Kind.String()}
	}
	switch k.Reducer {
	case Overwrite:
	case Append:
		if k.Kind != KindList {
			return &KeyError{Key: k.Name, Err: ErrReducerConflict, Detail: "append requires a list key"}
		}
	case ShallowMerge:
		if k.Kind != KindMap {
			return &KeyError{Key: k.Name, Err: ErrReducerConflict, Detail: "shallow-merge requires a map key"}
		}
	default:
		return &KeyError{Key: k.Name, Err: ErrReducerConflict, Detail: "unknown reducer " + k.Reducer.String()}
	}
	return nil
}

// Schema is the closed set of keys a pipeline's state may hold.
//
// A Schema is built once, before the graph that uses it is registered, and
// must not be modified afterwards.
type Schema struct {
	keys  map[string]KeySpec
	order []string
}

// NewSchema builds a schema from the given key declarations.
func NewSchema(specs ...KeySpec) (*Schema, error) {
	s := &Schema{keys: make(map[string]KeySpec, len(specs))}
	for _, spec := range specs {
		if err := s.Declare(spec); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on error.
func MustSchema(specs ...KeySpec) *Schema {
	s, err := NewSchema(specs...)
	if err != nil {
		panic(err)
	}
	return s
}

// Declare adds a key. Declaring an identical key twice is a no-op;
// declaring it with a different kind or reducer returns ErrReducerConflict.
func (s *Schema) Declare(spec KeySpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	def, err := canonicalFor(spec.Kind, spec.Default)
	if err != nil {
		return &KeyError{Key: spec.Name, Err: ErrTypeMismatch, Detail: "default: " + err.Error()}
	}
	spec.Default = def

	if s.keys == nil {
		s.keys = make(map[string]KeySpec)
	}
	if existing, ok := s.keys[spec.Name]; ok {
		if existing.Kind != spec.Kind || existing.Reducer != spec.Reducer {
			return &KeyError{
				Key:    spec.Name,
				Err:    ErrReducerConflict,
				Detail: fmt.Sprintf("declared as %s/%s and %s/%s", existing.Kind, existing.Reducer, spec.Kind, spec.Reducer),
			}
		}
		return nil
	}
	s.keys[spec.Name] = spec
	s.order = append(s.order, spec.Name)
	return nil
}

// Lookup returns the declaration of key.
func (s *Schema) Lookup(key string) (KeySpec, bool) {
	if s == nil {
		return KeySpec{}, false
	}
	spec, ok := s.keys[key]
	return spec, ok
}

// Keys returns the declared key names in declaration order.
func (s *Schema) Keys() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Clone returns an independent copy of the schema.
func (s *Schema) Clone() *Schema {
	c := &Schema{keys: make(map[string]KeySpec, len(s.keys))}
	for _, name := range s.order {
		c.keys[name] = s.keys[name]
		c.order = append(c.order, name)
	}
	return c
}

func (s *Schema) sortedKeys(p Partial) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
