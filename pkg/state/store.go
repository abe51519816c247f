package state

// Store owns the evolving State of one Run. It is not safe for concurrent
// use: a Run is driven by a single goroutine.
type Store struct {
	current State
	merges  int
}

// NewStore creates a Store holding Initial(schema, seed).
func NewStore(schema *Schema, seed Partial) (*Store, error) {
	st, err := Initial(schema, seed)
	if err != nil {
		return nil, err
	}
	return &Store{current: st}, nil
}

// StoreFrom wraps an existing State, for example one restored from a
// checkpoint.
func StoreFrom(st State) *Store {
	return &Store{current: st}
}

// Merge applies update and makes the result current.
func (s *Store) Merge(update Partial) (State, error) {
	next, err := s.current.Merge(update)
	if err != nil {
		return s.current, err
	}
	s.current = next
	s.merges++
	return next, nil
}

// Current returns the current State.
func (s *Store) Current() State { return s.current }

// Snapshot returns a deep copy of the current values.
func (s *Store) Snapshot() map[string]any { return s.current.Snapshot() }

// Merges returns the number of successful merges applied by this Store.
func (s *Store) Merges() int { return s.merges }

// Replay rebuilds a State by merging updates in order onto Initial(schema, seed).
func Replay(schema *Schema, seed Partial, updates ...Partial) (State, error) {
	st, err := Initial(schema, seed)
	if err != nil {
		return State{}, err
	}
	for _, u := range updates {
		st, err = st.Merge(u)
		if err != nil {
			return State{}, err
		}
	}
	return st, nil
}
