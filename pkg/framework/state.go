package framework

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

// State is the shared, incrementally built record a run accumulates.
// Values are treated as immutable once merged: nodes receive a shallow copy
// and must return changes as an Update instead of mutating what they read.
type State map[string]any

// Update is the partial state a node returns. It is merged into the run
// state field by field using the reducers declared in the Schema.
type Update map[string]any

// Clone returns a shallow copy of s.
func (s State) Clone() State {
	out := make(State, len(s))
	maps.Copy(out, s)
	return out
}

// Has reports whether every named field is present and non-nil.
func (s State) Has(fields ...string) bool {
	for _, f := range fields {
		if v, ok := s[f]; !ok || v == nil {
			return false
		}
	}
	return true
}

// Reducer combines the current value of a field with an incoming value.
// prev is nil when the field is absent.
type Reducer func(prev, next any) any

// Overwrite is the default reducer: the incoming value replaces the old one.
func Overwrite(_, next any) any { return next }

// Append returns a reducer that concatenates slices of T. The result is a
// fresh slice so earlier snapshots never observe later appends.
func Append[T any]() Reducer {
	return func(prev, next any) any {
		p, _ := prev.([]T)
		n, _ := next.([]T)
		out := make([]T, 0, len(p)+len(n))
		out = append(out, p...)
		return append(out, n...)
	}
}

// MergeMap returns a reducer that merges maps key by key; on collision the
// incoming value wins.
func MergeMap[K comparable, V any]() Reducer {
	return func(prev, next any) any {
		p, _ := prev.(map[K]V)
		n, _ := next.(map[K]V)
		out := make(map[K]V, len(p)+len(n))
		maps.Copy(out, p)
		maps.Copy(out, n)
		return out
	}
}

// ErrorRecord is one entry in the append-only error list.
type ErrorRecord struct {
	Node      string    `json:"agent"`
	Message   string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Field names of the accumulators every Schema declares.
const (
	FieldCompleted = "completed_agents"
	FieldErrors    = "errors"
	FieldTimings   = "timings"
)

type fieldSpec struct {
	reducer   Reducer
	decode    func(json.RawMessage) (any, error)
	transient bool
}

// Schema declares the fields of a State: how each merges and how it is
// restored from a snapshot. Declare fields before any run starts; a Schema
// is read-only afterwards.
type Schema struct {
	fields map[string]fieldSpec
}

// NewSchema returns a Schema with the completed, errors and timings
// accumulators already declared.
func NewSchema() *Schema {
	s := &Schema{fields: make(map[string]fieldSpec)}
	Declare[[]string](s, FieldCompleted, Append[string]())
	Declare[[]ErrorRecord](s, FieldErrors, Append[ErrorRecord]())
	Declare[map[string]time.Duration](s, FieldTimings, MergeMap[string, time.Duration]())
	return s
}

// Key is a typed handle on a declared field.
type Key[T any] struct {
	name string
}

// Declare registers a field of type T. A nil reducer means Overwrite.
func Declare[T any](s *Schema, name string, r Reducer) Key[T] {
	if r == nil {
		r = Overwrite
	}
	s.fields[name] = fieldSpec{
		reducer: r,
		decode: func(raw json.RawMessage) (any, error) {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
	return Key[T]{name: name}
}

// DeclareTransient registers a field that lives in memory only and is
// dropped from snapshots (handles, caches).
func DeclareTransient[T any](s *Schema, name string) Key[T] {
	s.fields[name] = fieldSpec{reducer: Overwrite, transient: true}
	return Key[T]{name: name}
}

// Name returns the field name.
func (k Key[T]) Name() string { return k.name }

// Get returns the field value when present and of type T.
func (k Key[T]) Get(s State) (T, bool) {
	v, ok := s[k.name].(T)
	return v, ok
}

// Set stores v in the update.
func (k Key[T]) Set(u Update, v T) { u[k.name] = v }

// Accumulator keys shared by every schema.
var (
	Completed = Key[[]string]{name: FieldCompleted}
	Errors    = Key[[]ErrorRecord]{name: FieldErrors}
	Timings   = Key[map[string]time.Duration]{name: FieldTimings}
)

// Merge applies u to dst in place using the declared reducers. Fields are
// visited in sorted order so merges are reproducible.
func (sc *Schema) Merge(dst State, u Update) {
	names := make([]string, 0, len(u))
	for k := range u {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		r := Overwrite
		if f, ok := sc.fields[name]; ok {
			r = f.reducer
		}
		dst[name] = r(dst[name], u[name])
	}
}

// Encode serializes the non-transient fields of s.
func (sc *Schema) Encode(s State) ([]byte, error) {
	out := make(map[string]any, len(s))
	for k, v := range s {
		if f, ok := sc.fields[k]; ok && f.transient {
			continue
		}
		out[k] = v
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// Decode restores a snapshot produced by Encode. Declared fields come back
// with their declared types; undeclared fields keep their JSON shape.
func (sc *Schema) Decode(data []byte) (State, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	out := make(State, len(raw))
	for k, msg := range raw {
		if f, ok := sc.fields[k]; ok && f.decode != nil {
			v, err := f.decode(msg)
			if err != nil {
				return nil, fmt.Errorf("decode field %s: %w", k, err)
			}
			out[k] = v
			continue
		}
		var v any
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, fmt.Errorf("decode field %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Plain returns s as generic JSON values (maps, slices, strings, numbers),
// so expressions can address fields by their JSON names.
func (sc *Schema) Plain(s State) (map[string]any, error) {
	data, err := sc.Encode(s)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("plain state: %w", err)
	}
	return out, nil
}

// Store is the single mutation point for a run's state. Merges are
// serialized; readers get copies.
type Store struct {
	schema *Schema

	mu    sync.Mutex
	state State
}

// NewStore returns a Store seeded with a copy of initial.
func NewStore(schema *Schema, initial State) *Store {
	if initial == nil {
		initial = State{}
	}
	return &Store{schema: schema, state: initial.Clone()}
}

// Merge applies u and returns a copy of the merged state.
func (st *Store) Merge(u Update) State {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.schema.Merge(st.state, u)
	return st.state.Clone()
}

// Snapshot returns a copy of the current state.
func (st *Store) Snapshot() State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state.Clone()
}
