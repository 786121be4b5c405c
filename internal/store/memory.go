package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store used by tests and single-node development runs.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[Key]Item
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[Key]Item)}
}

func (m *Memory) table(name string) map[Key]Item {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[Key]Item)
		m.tables[name] = t
	}
	return t
}

func normalizeItem(in Item) Item {
	out := make(Item, len(in))
	for k, v := range in {
		out[k] = Normalize(v)
	}
	return out
}

func (m *Memory) Get(_ context.Context, table string, key Key) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.tables[table][key]
	if !ok {
		return nil, ErrNotFound
	}
	return item.Clone(), nil
}

func (m *Memory) Put(_ context.Context, table string, key Key, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(table)
	if _, exists := t[key]; exists {
		return ErrConditionFailed
	}
	stored := normalizeItem(item)
	stored[AttrID] = key.ID
	stored[AttrVersion] = key.Version
	t[key] = stored
	return nil
}

func (m *Memory) Update(_ context.Context, table string, key Key, changes Item, expect ...Condition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tables[table][key]
	if !ok {
		return ErrNotFound
	}
	for _, c := range expect {
		if !Matches(current, c) {
			return ErrConditionFailed
		}
	}

	next := current.Clone()
	for k, v := range changes {
		if k == AttrID || k == AttrVersion {
			continue
		}
		if v == nil {
			delete(next, k)
			continue
		}
		next[k] = Normalize(v)
	}
	m.tables[table][key] = next
	return nil
}

func (m *Memory) Query(_ context.Context, table string, idx Index, page PageRequest) (Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []Item
	for _, item := range m.tables[table] {
		if Compare(item[idx.Attribute], idx.Value) == 0 {
			matched = append(matched, item)
		}
	}
	return paginate(matched, idx.SortBy, idx.Descending, page)
}

func (m *Memory) Scan(_ context.Context, table string, filter Filter, page PageRequest) (Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []Item
	for _, item := range m.tables[table] {
		if MatchesAll(item, filter) {
			matched = append(matched, item)
		}
	}
	return paginate(matched, "", false, page)
}

func (m *Memory) Count(_ context.Context, table string, idx Index) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, item := range m.tables[table] {
		if Compare(item[idx.Attribute], idx.Value) == 0 {
			n++
		}
	}
	return n, nil
}

// position is a keyset cursor: the sort value and key of the last item returned.
type position struct {
	S  any    `json:"s,omitempty"`
	ID string `json:"id"`
	V  int64  `json:"v"`
}

func positionOf(item Item, sortBy string) position {
	p := position{ID: String(item, AttrID), V: Int(item, AttrVersion)}
	if sortBy != "" {
		p.S = item[sortBy]
	}
	return p
}

func comparePositions(a, b position, descending bool) int {
	c := Compare(a.S, b.S)
	if c == 0 {
		switch {
		case a.ID < b.ID:
			c = -1
		case a.ID > b.ID:
			c = 1
		default:
			c = Compare(a.V, b.V)
		}
	}
	if descending {
		return -c
	}
	return c
}

// EncodeCursor and DecodeCursor are shared with adapters that page by keyset.
func EncodeCursor(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

func DecodeCursor(cursor string, v any) error {
	data, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return fmt.Errorf("invalid cursor: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid cursor: %w", err)
	}
	return nil
}

func paginate(items []Item, sortBy string, descending bool, req PageRequest) (Page, error) {
	sort.Slice(items, func(i, j int) bool {
		return comparePositions(positionOf(items[i], sortBy), positionOf(items[j], sortBy), descending) < 0
	})

	start := 0
	if req.Cursor != "" {
		var after position
		if err := DecodeCursor(req.Cursor, &after); err != nil {
			return Page{}, err
		}
		after.S = Normalize(after.S)
		start = sort.Search(len(items), func(i int) bool {
			return comparePositions(positionOf(items[i], sortBy), after, descending) > 0
		})
	}

	end := len(items)
	if req.Limit > 0 && start+req.Limit < end {
		end = start + req.Limit
	}

	out := Page{Items: make([]Item, 0, end-start)}
	for _, item := range items[start:end] {
		out.Items = append(out.Items, item.Clone())
	}
	if end < len(items) && end > start {
		cursor, err := EncodeCursor(positionOf(items[end-1], sortBy))
		if err != nil {
			return Page{}, err
		}
		out.Cursor = cursor
	}
	return out, nil
}
