// Package store is the key-value record store abstraction consumed by the persistence
// mapping layer. Records are flat attribute maps addressed by an identity and an optional
// version. Secondary lookups are expressed as Index descriptors which each adapter resolves
// to its own native mechanism.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Reserved attributes every stored item carries.
const (
	AttrID      = "id"
	AttrVersion = "version"
)

var (
	// ErrNotFound is returned by Get and Update when no item exists for the key.
	ErrNotFound = errors.New("store: item not found")
	// ErrConditionFailed is returned when a conditional insert or update loses.
	ErrConditionFailed = errors.New("store: condition failed")
)

// Key addresses a single item. Unversioned entities use Version 0.
type Key struct {
	ID      string
	Version int64
}

func (k Key) String() string {
	if k.Version == 0 {
		return k.ID
	}
	return fmt.Sprintf("%s@%d", k.ID, k.Version)
}

// Item is a flat attribute map. Values are string, int64, bool or nil; timestamps are
// stored as unix milliseconds. Adapters may hand back float64 or int for numbers, so
// readers should go through the Int helpers.
type Item map[string]any

// Clone returns a shallow copy.
func (i Item) Clone() Item {
	out := make(Item, len(i))
	for k, v := range i {
		out[k] = v
	}
	return out
}

// Key extracts the reserved identity attributes.
func (i Item) Key() Key {
	return Key{ID: String(i, AttrID), Version: Int(i, AttrVersion)}
}

// Index describes a secondary lookup: all items whose Attribute equals Value, optionally
// ordered by SortBy.
type Index struct {
	Attribute  string
	Value      any
	SortBy     string
	Descending bool
}

// Op is a comparison operator for conditions and filters.
type Op string

const (
	OpEq Op = "="
	OpNe Op = "<>"
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Condition compares one attribute against a value. A nil Value with OpEq matches a
// missing or null attribute.
type Condition struct {
	Attribute string
	Op        Op
	Value     any
}

// Filter is a conjunction of conditions.
type Filter []Condition

// PageRequest bounds a range read. An empty Cursor starts from the beginning.
type PageRequest struct {
	Limit  int
	Cursor string
}

// Page is one slice of a range read. An empty Cursor means there is nothing further.
// A page may be shorter than the limit, even empty, while Cursor is still set.
type Page struct {
	Items  []Item
	Cursor string
}

// Store is implemented by the memory, DynamoDB and Postgres adapters.
type Store interface {
	// Get returns the item for key or ErrNotFound.
	Get(ctx context.Context, table string, key Key) (Item, error)
	// Put inserts a new item. It fails with ErrConditionFailed if the key is taken.
	Put(ctx context.Context, table string, key Key, item Item) error
	// Update merges changes into an existing item. When expect is given, every condition
	// must hold against the stored item or ErrConditionFailed is returned.
	Update(ctx context.Context, table string, key Key, changes Item, expect ...Condition) error
	// Query pages through the items matched by an index descriptor.
	Query(ctx context.Context, table string, idx Index, page PageRequest) (Page, error)
	// Scan pages through the whole table, keeping the items that satisfy filter.
	Scan(ctx context.Context, table string, filter Filter, page PageRequest) (Page, error)
	// Count returns the number of items matched by an index descriptor.
	Count(ctx context.Context, table string, idx Index) (int, error)
}

// String reads a string attribute.
func String(i Item, attr string) string {
	s, _ := i[attr].(string)
	return s
}

// Bool reads a bool attribute.
func Bool(i Item, attr string) bool {
	b, _ := i[attr].(bool)
	return b
}

// Int reads an integral attribute regardless of the numeric type the adapter produced.
func Int(i Item, attr string) int64 {
	n, _ := toInt64(i[attr])
	return n
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	default:
		return 0, false
	}
}

// Normalize converts numeric values to int64 so adapters compare consistently.
func Normalize(v any) any {
	if n, ok := toInt64(v); ok {
		return n
	}
	return v
}

// Compare orders two attribute values: nil first, then numbers, strings and bools.
// Values of different kinds order by kind.
func Compare(a, b any) int {
	a, b = Normalize(a), Normalize(b)
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch av := a.(type) {
	case int64:
		bv := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		bv := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		}
		return 1
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case int64:
		return 1
	case string:
		return 2
	case bool:
		return 3
	default:
		return 4
	}
}

// Matches evaluates a condition against an item.
func Matches(i Item, c Condition) bool {
	v, present := i[c.Attribute]
	if !present {
		v = nil
	}
	cmp := Compare(v, c.Value)
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return v != nil && cmp < 0
	case OpLe:
		return v != nil && cmp <= 0
	case OpGt:
		return v != nil && cmp > 0
	case OpGe:
		return v != nil && cmp >= 0
	}
	return false
}

// MatchesAll evaluates a filter against an item.
func MatchesAll(i Item, f Filter) bool {
	for _, c := range f {
		if !Matches(i, c) {
			return false
		}
	}
	return true
}
