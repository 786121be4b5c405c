package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/pranav-miglani/dental-record/internal/store"
	"github.com/redis/go-redis/v9"
)

// CursorStore persists the position of an interrupted sweep. Load returns "" when no sweep
// is in progress.
type CursorStore interface {
	Load(ctx context.Context, name string) (string, error)
	Save(ctx context.Context, name, cursor string) error
	Clear(ctx context.Context, name string) error
}

var (
	_ CursorStore = (*StoreCursors)(nil)
	_ CursorStore = (*RedisCursors)(nil)
)

const (
	TableSweepCursors = "sweep_cursors"
	attrCursor        = "cursor"
)

// StoreCursors keeps cursors in the record store next to the data being swept.
type StoreCursors struct {
	store store.Store
}

func NewStoreCursors(s store.Store) *StoreCursors {
	return &StoreCursors{store: s}
}

func (c *StoreCursors) Load(ctx context.Context, name string) (string, error) {
	item, err := c.store.Get(ctx, TableSweepCursors, store.Key{ID: name})
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cursor %s: %w", name, err)
	}
	return store.String(item, attrCursor), nil
}

func (c *StoreCursors) Save(ctx context.Context, name, cursor string) error {
	key := store.Key{ID: name}
	err := c.store.Update(ctx, TableSweepCursors, key, store.Item{attrCursor: cursor})
	if errors.Is(err, store.ErrNotFound) {
		err = c.store.Put(ctx, TableSweepCursors, key, store.Item{store.AttrID: name, attrCursor: cursor})
	}
	if err != nil {
		return fmt.Errorf("failed to write cursor %s: %w", name, err)
	}
	return nil
}

func (c *StoreCursors) Clear(ctx context.Context, name string) error {
	err := c.store.Update(ctx, TableSweepCursors, store.Key{ID: name}, store.Item{attrCursor: ""})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to clear cursor %s: %w", name, err)
	}
	return nil
}

const redisCursorPrefix = "dental:sweep:"

// RedisCursors keeps cursors in Redis so several workers share one sweep position.
type RedisCursors struct {
	client redis.UniversalClient
}

func NewRedisCursors(client redis.UniversalClient) *RedisCursors {
	return &RedisCursors{client: client}
}

func (c *RedisCursors) Load(ctx context.Context, name string) (string, error) {
	v, err := c.client.Get(ctx, redisCursorPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cursor %s: %w", name, err)
	}
	return v, nil
}

func (c *RedisCursors) Save(ctx context.Context, name, cursor string) error {
	if err := c.client.Set(ctx, redisCursorPrefix+name, cursor, 0).Err(); err != nil {
		return fmt.Errorf("failed to write cursor %s: %w", name, err)
	}
	return nil
}

func (c *RedisCursors) Clear(ctx context.Context, name string) error {
	if err := c.client.Del(ctx, redisCursorPrefix+name).Err(); err != nil {
		return fmt.Errorf("failed to clear cursor %s: %w", name, err)
	}
	return nil
}
