// Package postgres implements store.Store on a single PostgreSQL table holding every
// logical table's items as JSONB documents.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pranav-miglani/dental-record/internal/store"
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	tbl     TEXT   NOT NULL,
	id      TEXT   NOT NULL,
	version BIGINT NOT NULL,
	attrs   JSONB  NOT NULL,
	PRIMARY KEY (tbl, id, version)
);
CREATE INDEX IF NOT EXISTS records_attrs_idx ON records USING GIN (attrs jsonb_path_ops);
`

type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the records table and its index if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create records schema: %w", err)
	}
	return nil
}

func encodeAttrs(item store.Item) ([]byte, error) {
	clean := make(map[string]any, len(item))
	for k, v := range item {
		if v == nil {
			continue
		}
		clean[k] = store.Normalize(v)
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}
	return data, nil
}

func decodeAttrs(data []byte) (store.Item, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	item := make(store.Item, len(raw))
	for k, v := range raw {
		item[k] = store.Normalize(v)
	}
	return item, nil
}

func jsonValue(v any) (string, error) {
	data, err := json.Marshal(store.Normalize(v))
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}
	return string(data), nil
}

func (s *Store) Get(ctx context.Context, table string, key store.Key) (store.Item, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT attrs FROM records WHERE tbl = $1 AND id = $2 AND version = $3`,
		table, key.ID, key.Version,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from %s: %w", key, table, err)
	}
	return decodeAttrs(data)
}

func (s *Store) Put(ctx context.Context, table string, key store.Key, item store.Item) error {
	full := item.Clone()
	full[store.AttrID] = key.ID
	full[store.AttrVersion] = key.Version
	data, err := encodeAttrs(full)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx,
		`INSERT INTO records (tbl, id, version, attrs) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tbl, id, version) DO NOTHING`,
		table, key.ID, key.Version, data,
	)
	if err != nil {
		return fmt.Errorf("failed to put %s into %s: %w", key, table, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConditionFailed
	}
	return nil
}

// Update locks the row, checks the expectations against the stored document and writes
// the merged document in the same transaction.
func (s *Store) Update(ctx context.Context, table string, key store.Key, changes store.Item, expect ...store.Condition) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var data []byte
	err = tx.QueryRow(ctx,
		`SELECT attrs FROM records WHERE tbl = $1 AND id = $2 AND version = $3 FOR UPDATE`,
		table, key.ID, key.Version,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock %s in %s: %w", key, table, err)
	}

	current, err := decodeAttrs(data)
	if err != nil {
		return err
	}
	for _, c := range expect {
		if !store.Matches(current, c) {
			return store.ErrConditionFailed
		}
	}

	for k, v := range changes {
		if k == store.AttrID || k == store.AttrVersion {
			continue
		}
		if v == nil {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	merged, err := encodeAttrs(current)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE records SET attrs = $4 WHERE tbl = $1 AND id = $2 AND version = $3`,
		table, key.ID, key.Version, merged,
	); err != nil {
		return fmt.Errorf("failed to update %s in %s: %w", key, table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, table string, idx store.Index, page store.PageRequest) (store.Page, error) {
	q := newQuery(table)
	if err := q.where(store.Condition{Attribute: idx.Attribute, Op: store.OpEq, Value: idx.Value}); err != nil {
		return store.Page{}, err
	}
	return s.run(ctx, q, idx.SortBy, idx.Descending, page)
}

func (s *Store) Scan(ctx context.Context, table string, filter store.Filter, page store.PageRequest) (store.Page, error) {
	q := newQuery(table)
	for _, c := range filter {
		if err := q.where(c); err != nil {
			return store.Page{}, err
		}
	}
	return s.run(ctx, q, "", false, page)
}

func (s *Store) Count(ctx context.Context, table string, idx store.Index) (int, error) {
	q := newQuery(table)
	if err := q.where(store.Condition{Attribute: idx.Attribute, Op: store.OpEq, Value: idx.Value}); err != nil {
		return 0, err
	}
	var n int
	sql := "SELECT count(*) FROM records WHERE " + strings.Join(q.conds, " AND ")
	if err := s.db.QueryRow(ctx, sql, q.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// position is the keyset cursor: the sort value and key of the last row returned.
type position struct {
	S  any    `json:"s,omitempty"`
	ID string `json:"id"`
	V  int64  `json:"v"`
}

func (s *Store) run(ctx context.Context, q *query, sortBy string, descending bool, page store.PageRequest) (store.Page, error) {
	if page.Cursor != "" {
		var after position
		if err := store.DecodeCursor(page.Cursor, &after); err != nil {
			return store.Page{}, err
		}
		if err := q.after(sortBy, descending, after); err != nil {
			return store.Page{}, err
		}
	}

	sql, args := q.sql(sortBy, descending, page.Limit)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return store.Page{}, fmt.Errorf("failed to query %s: %w", q.table, err)
	}
	defer rows.Close()

	out := store.Page{Items: []store.Item{}}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return store.Page{}, fmt.Errorf("failed to scan row: %w", err)
		}
		item, err := decodeAttrs(data)
		if err != nil {
			return store.Page{}, err
		}
		out.Items = append(out.Items, item)
	}
	if err := rows.Err(); err != nil {
		return store.Page{}, fmt.Errorf("failed to read rows: %w", err)
	}

	// one extra row was fetched to learn whether another page exists
	if page.Limit > 0 && len(out.Items) > page.Limit {
		out.Items = out.Items[:page.Limit]
		last := out.Items[len(out.Items)-1]
		p := position{ID: store.String(last, store.AttrID), V: store.Int(last, store.AttrVersion)}
		if sortBy != "" {
			p.S = last[sortBy]
		}
		cursor, err := store.EncodeCursor(p)
		if err != nil {
			return store.Page{}, err
		}
		out.Cursor = cursor
	}
	return out, nil
}
