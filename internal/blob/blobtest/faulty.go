// Package blobtest provides blob store doubles for tests.
package blobtest

import (
	"context"
	"sync"

	"github.com/pranav-miglani/dental-record/internal/blob"
)

// Faulty wraps a store and fails selected operations. A nil hook lets the call through.
type Faulty struct {
	blob.Store

	mu          sync.Mutex
	PutFault    func(key string) error
	DeleteFault func(key string) error
	puts        []string
	deletes     []string
}

func NewFaulty(inner blob.Store) *Faulty {
	return &Faulty{Store: inner}
}

func (f *Faulty) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	f.puts = append(f.puts, key)
	hook := f.PutFault
	f.mu.Unlock()

	if hook != nil {
		if err := hook(key); err != nil {
			return "", err
		}
	}
	return f.Store.Put(ctx, key, data, contentType)
}

func (f *Faulty) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, key)
	hook := f.DeleteFault
	f.mu.Unlock()

	if hook != nil {
		if err := hook(key); err != nil {
			return err
		}
	}
	return f.Store.Delete(ctx, key)
}

// Puts returns every key a Put was attempted for, including failed ones.
func (f *Faulty) Puts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.puts...)
}

// Deletes returns every key a Delete was attempted for.
func (f *Faulty) Deletes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}
